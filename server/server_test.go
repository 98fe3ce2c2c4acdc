package server_test

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danlg/zato/broker"
	"github.com/danlg/zato/common"
	"github.com/danlg/zato/odb"
	"github.com/danlg/zato/server"
	"github.com/danlg/zato/service"
)

// freePort grabs a port from the kernel and releases it again. Good
// enough for tests; a clash window this small does not matter here.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testTable() server.Table {
	return server.Table{
		"/ping": {
			URLType: common.URLTypePlainHTTP,
			Service: "zato.ping",
			Policy: server.Policy{
				Scheme:       server.SchemeTechAccount,
				Name:         "acct1",
				PasswordHash: server.HashPassword("secret", "s"),
				Salt:         "s",
			},
		},
	}
}

func testODB(joinStatus string, brokerBasePort int) *odb.InMemory {
	return &odb.InMemory{
		Server: &server.ServerRecord{
			Name:           "server1",
			ClusterName:    "cluster1",
			BrokerHost:     "127.0.0.1",
			BrokerBasePort: brokerBasePort,
			LastJoinStatus: joinStatus,
		},
		Table: testTable(),
	}
}

func startServer(t *testing.T, cfg server.Config) *server.ParallelServer {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = service.NewRegistry(zerolog.Nop())
		service.RegisterInternal(cfg.Registry)
	}
	cfg.Host = "127.0.0.1"
	cfg.Logger = zerolog.Nop()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}

	srv, err := server.New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func get(t *testing.T, url string, headers map[string]string) (int, string) {
	t.Helper()
	req, err := http.NewRequest("POST", url, strings.NewReader("{}"))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func authHeaders() map[string]string {
	return map[string]string{
		server.HeaderZatoUser:     "acct1",
		server.HeaderZatoPassword: "secret",
	}
}

func TestServerEndToEnd(t *testing.T) {
	srv := startServer(t, server.Config{
		ODB: testODB(common.JoinStatusAccepted, freePort(t)),
	})
	base := "http://" + srv.Addr()

	status, body := get(t, base+"/ping", authHeaders())
	assert.Equal(t, 200, status)
	assert.Equal(t, "ZATO_OK", body)

	status, body = get(t, base+"/ping", map[string]string{
		server.HeaderZatoUser:     "acct1",
		server.HeaderZatoPassword: "wrong",
	})
	assert.Equal(t, 403, status)
	assert.Contains(t, body, "the username or password is incorrect")

	status, body = get(t, base+"/nowhere", authHeaders())
	assert.Equal(t, 404, status)
	assert.Contains(t, body, "doesn't exist or has no security configuration assigned")

	assert.Equal(t, int64(1), srv.Stats()["zato.ping"].Usage)
}

func TestStartFailsWithoutServerRecord(t *testing.T) {
	registry := service.NewRegistry(zerolog.Nop())
	srv, err := server.New(server.Config{
		Host:     "127.0.0.1",
		ODB:      &odb.InMemory{},
		Registry: registry,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	err = srv.Start()
	require.Error(t, err)
	var cfgErr *common.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestConfigUpdateInstallsNewTable(t *testing.T) {
	basePort := freePort(t)

	// The test plays the broker's broadcast side.
	zctx, err := zmq.NewContext()
	require.NoError(t, err)
	pub, err := zctx.NewSocket(zmq.PUB)
	require.NoError(t, err)
	require.NoError(t, pub.Bind(fmt.Sprintf("tcp://127.0.0.1:%d", basePort+common.PortBrokerPubWorkerThreadSub)))
	defer pub.Close()

	srv := startServer(t, server.Config{
		ODB: testODB(common.JoinStatusAccepted, basePort),
	})
	base := "http://" + srv.Addr()

	newTable := fmt.Sprintf(`{
		"/ping2": {"url_type": "plain_http", "service": "zato.ping",
			"sec_type": "tech_acc", "name": "acct1", "password": "%s", "salt": "s"}
	}`, server.HashPassword("secret", "s"))
	msg := broker.NewMessage(common.ActionConfigUpdate)
	msg.Payload = []byte(newTable)
	data, err := msg.Marshal()
	require.NoError(t, err)

	// Resend until a worker's subscriber has joined and applied it.
	require.Eventually(t, func() bool {
		pub.SendBytes(data, zmq.DONTWAIT)
		status, _ := get(t, base+"/ping2", authHeaders())
		return status == 200
	}, 10*time.Second, 100*time.Millisecond)

	// The update replaced the table wholesale: the old path is gone.
	status, _ := get(t, base+"/ping", authHeaders())
	assert.Equal(t, 404, status)
}

func TestJoinApprovalStartsTheServer(t *testing.T) {
	basePort := freePort(t)

	zctx, err := zmq.NewContext()
	require.NoError(t, err)
	pub, err := zctx.NewSocket(zmq.PUB)
	require.NoError(t, err)
	require.NoError(t, pub.Bind(fmt.Sprintf("tcp://127.0.0.1:%d", basePort+common.PortBrokerPubWorkerThreadSub)))
	defer pub.Close()

	srv := startServer(t, server.Config{
		ODB: testODB("requested", basePort),
	})
	// Not accepted yet: no HTTP listener.
	assert.Empty(t, srv.Addr())

	msg := broker.NewMessage(common.ActionJoinAccepted)
	data, err := msg.Marshal()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pub.SendBytes(data, zmq.DONTWAIT)
		return srv.Addr() != ""
	}, 10*time.Second, 100*time.Millisecond)

	status, body := get(t, "http://"+srv.Addr()+"/ping", authHeaders())
	assert.Equal(t, 200, status)
	assert.Equal(t, "ZATO_OK", body)
}

func TestSingletonExecutesScheduledJobs(t *testing.T) {
	basePort := freePort(t)

	invoked := make(chan *service.Request, 1)
	registry := service.NewRegistry(zerolog.Nop())
	service.RegisterInternal(registry)
	require.NoError(t, registry.Register("test.job", service.Func(func(req *service.Request) ([]byte, error) {
		invoked <- req
		return []byte("done"), nil
	})))

	// The test plays the broker's leader-command side.
	zctx, err := zmq.NewContext()
	require.NoError(t, err)
	push, err := zctx.NewSocket(zmq.PUSH)
	require.NoError(t, err)
	require.NoError(t, push.Bind(fmt.Sprintf("tcp://127.0.0.1:%d", basePort+common.PortBrokerPushSingletonPull)))
	defer push.Close()

	startServer(t, server.Config{
		ODB:       testODB(common.JoinStatusAccepted, basePort),
		Registry:  registry,
		Singleton: true,
	})

	msg := broker.NewMessage(common.ActionExecute)
	msg.Service = "test.job"
	msg.Payload = []byte(`{"job":"nightly"}`)
	data, err := msg.Marshal()
	require.NoError(t, err)
	_, err = push.SendBytes(data, 0)
	require.NoError(t, err)

	select {
	case req := <-invoked:
		assert.Equal(t, msg.CID, req.CID)
		assert.Equal(t, service.ChannelScheduler, req.Channel)
		assert.JSONEq(t, `{"job":"nightly"}`, string(req.Payload))
	case <-time.After(10 * time.Second):
		t.Fatal("scheduled job never ran")
	}
}
