package server

import (
	"errors"
	"fmt"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/danlg/zato/broker"
	"github.com/danlg/zato/common"
	"github.com/danlg/zato/service"
)

/*
Singleton runs the duties exactly one server per cluster performs. It
holds a point-to-point PULL channel the broker addresses leader-only
commands to, most importantly scheduler-fired EXECUTE messages, and a
PUSH channel back to the broker. Which process is the leader is decided
by deployment configuration, not elected here.
*/
type Singleton struct {
	client   *broker.Client
	registry *service.Registry

	// onOther receives everything that is not a leader command, e.g.
	// CONFIG_UPDATE, so the singleton stays in sync with the workers.
	onOther broker.Handler

	logger zerolog.Logger
}

func NewSingleton(zctx *zmq.Context, record *ServerRecord, registry *service.Registry,
	onOther broker.Handler, logger zerolog.Logger) (*Singleton, error) {

	sg := &Singleton{registry: registry, onOther: onOther, logger: logger}

	pushAddr := brokerEndpoint(record, common.PortSingletonPushBrokerPull)
	pullAddr := brokerEndpoint(record, common.PortBrokerPushSingletonPull)
	client, err := broker.NewClient(zctx, pushAddr, pullAddr, zmq.PULL, nil, sg.onMessage, broker.Hooks{}, logger)
	if err != nil {
		return nil, err
	}
	sg.client = client
	return sg, nil
}

// Start begins receiving leader commands.
func (sg *Singleton) Start() {
	errs := sg.client.StartSubscriber()
	go func() {
		if err, ok := <-errs; ok && err != nil {
			sg.logger.Error().Err(err).Msg("singleton subscriber died")
		}
	}()
}

// Send pushes a message to the broker on the singleton's channel.
func (sg *Singleton) Send(msg broker.Message) {
	sg.client.Send(msg)
}

// Close shuts the singleton's broker channel down.
func (sg *Singleton) Close() {
	sg.client.Close()
}

// onMessage dispatches one leader command. Errors returned here are
// logged by the subscriber loop together with the offending message;
// they never stop the loop.
func (sg *Singleton) onMessage(msg broker.Message) error {
	if msg.Action == common.ActionExecute {
		return sg.execute(msg)
	}
	if sg.onOther != nil {
		return sg.onOther(msg)
	}
	sg.logger.Debug().Str("action", msg.Action).Str("cid", msg.CID).Msg("ignoring broker message")
	return nil
}

// execute runs a scheduler-fired service invocation. The response body
// goes nowhere; scheduler jobs are fire-and-forget by contract.
func (sg *Singleton) execute(msg broker.Message) error {
	if msg.Service == "" {
		return errors.New("EXECUTE message carries no service name")
	}

	req := &service.Request{
		CID:     msg.CID,
		Channel: service.ChannelScheduler,
		Payload: msg.Payload,
	}
	response, err := sg.registry.Invoke(msg.Service, req)
	if err != nil {
		return &common.ServiceInvocationError{CID: msg.CID, Service: msg.Service, Err: err}
	}
	sg.logger.Debug().Str("cid", msg.CID).Str("service", msg.Service).
		Int("response_len", len(response)).Msg("executed scheduled service")
	return nil
}

func brokerEndpoint(record *ServerRecord, portOffset int) string {
	return fmt.Sprintf("tcp://%s:%d", record.BrokerHost, record.BrokerBasePort+portOffset)
}
