/*
Package common holds the constants and contracts shared by every part of
a bus node: the cluster port-offset table, URL transport types, security
scheme names, broker message actions and the error taxonomy.
*/
package common

// Result codes used in responses and broker payloads.
const (
	ZatoOK      = "ZATO_OK"
	ZatoError   = "ZATO_ERROR"
	ZatoWarning = "ZATO_WARNING"
)

// URLType says which transport a given URL speaks. It decides the
// Content-Type of responses and whether error messages are wrapped in a
// protocol envelope.
type URLType string

const (
	URLTypeSOAP      URLType = "soap"
	URLTypePlainHTTP URLType = "plain_http"
)

// Broker message actions. Action is the discriminator of every broker
// message; EXECUTE additionally carries a service name and payload.
const (
	ActionExecute      = "EXECUTE"
	ActionConfigUpdate = "CONFIG_UPDATE"
	ActionJoinAccepted = "JOIN_REQUEST_ACCEPTED"
)

// Cluster join states a server record can be in.
const (
	JoinStatusAccepted = "accepted"
)

// How much the various broker ports are shifted with regards to the base
// port configured for the cluster. The name of a constant says who talks
// to whom and over which socket pair. Other processes in a cluster rely
// on these exact offsets; they are a wire contract, not a default.
const (
	PortBrokerPushWorkerThreadPull = 0
	PortWorkerThreadPushBrokerPull = 1
	PortBrokerPubWorkerThreadSub   = 2

	PortBrokerPushSingletonPull = 10
	PortSingletonPushBrokerPull = 11

	PortBrokerPushPublishingConnectorAMQPPull = 20
	PortPublishingConnectorAMQPPushBrokerPull = 21
	PortBrokerPubPublishingConnectorAMQPSub   = 22

	PortBrokerPushConsumingConnectorAMQPPull = 30
	PortConsumingConnectorAMQPPushBrokerPull = 31
	PortBrokerPubConsumingConnectorAMQPSub   = 32

	PortBrokerPushPublishingConnectorJMSWMQPull = 40
	PortPublishingConnectorJMSWMQPushBrokerPull = 41
	PortBrokerPubPublishingConnectorJMSWMQSub   = 42

	PortBrokerPushConsumingConnectorJMSWMQPull = 50
	PortConsumingConnectorJMSWMQPushBrokerPull = 51
	PortBrokerPubConsumingConnectorJMSWMQSub   = 52

	PortBrokerPushPublishingConnectorZMQPull = 60
	PortPublishingConnectorZMQPushBrokerPull = 61
	PortBrokerPubPublishingConnectorZMQSub   = 62

	PortBrokerPushConsumingConnectorZMQPull = 70
	PortConsumingConnectorZMQPushBrokerPull = 71
	PortBrokerPubConsumingConnectorZMQSub   = 72
)
