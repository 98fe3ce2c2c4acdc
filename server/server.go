/*
Package server implements the request-processing core of a bus node:
the parallel HTTP front-end, its resizable worker pool in which every
worker owns a broker channel, the per-request security and dispatch
pipeline, and the singleton (cluster-leader) broker handling.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/danlg/zato/broker"
	"github.com/danlg/zato/common"
	"github.com/danlg/zato/service"
	"github.com/danlg/zato/stats"
)

// ServerRecord is this server's own row as stored by the cluster: how
// to find the broker and whether the server has been admitted.
type ServerRecord struct {
	Name           string
	ClusterName    string
	BrokerHost     string
	BrokerBasePort int
	BrokerToken    string
	LastJoinStatus string
}

// ODB is the persistence collaborator consulted at startup. Absence of
// the server's own record is fatal.
type ODB interface {
	FetchServer() (*ServerRecord, error)
	GetURLSecurity(*ServerRecord) (Table, error)
}

// Config collects what a ParallelServer needs before Start.
type Config struct {
	Host          string
	Port          int
	Workers       int
	QueueCapacity int

	// RequestTimeout bounds how long the listener waits for a worker to
	// answer a request. Zero means no bound. A timed-out task is not
	// cancelled; it runs to completion and its response is dropped.
	RequestTimeout time.Duration

	// Singleton marks this process as the cluster leader, running
	// leader-only duties such as executing scheduler-fired commands.
	Singleton bool

	ODB      ODB
	Registry *service.Registry
	Logger   zerolog.Logger
}

// Per-worker backlog allowed in the task queue before the listener
// starts refusing requests outright.
const outstandingRequestsPerWorker = 50

const defaultWorkers = 60

/*
ParallelServer is the process-level coordinator: it owns the listening
socket, the worker pool, the URL security table and, on the designated
cluster leader, the singleton.
*/
type ParallelServer struct {
	cfg    Config
	logger zerolog.Logger

	zctx       *zmq.Context
	security   *SecurityStore
	stats      *stats.Store
	executor   *Executor
	dispatcher *Dispatcher

	record    *ServerRecord
	singleton *Singleton

	httpServer *http.Server
	listener   net.Listener

	// configSub listens for the join approval while the server has not
	// been accepted into the cluster yet.
	configSub *broker.Subscriber

	acceptOnce sync.Once
	stopOnce   sync.Once
}

func New(cfg Config) (*ParallelServer, error) {
	if cfg.ODB == nil {
		return nil, &common.ConfigurationError{Msg: "no ODB configured"}
	}
	if cfg.Registry == nil {
		return nil, &common.ConfigurationError{Msg: "no service registry configured"}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.Workers * outstandingRequestsPerWorker
	}

	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, &common.TransportError{Op: "create zmq context", Err: err}
	}

	s := &ParallelServer{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "parallel-server").Logger(),
		zctx:     zctx,
		security: NewSecurityStore(),
		stats:    stats.NewStore(),
	}
	s.executor = NewExecutor(s.security, cfg.Registry, s.stats, s.logger)
	return s, nil
}

/*
Start fetches the server record, builds the URL security table and
brings the node up. A server that has not been accepted into the
cluster yet only starts a subscriber waiting for the approval
broadcast; everything else starts once the approval arrives.
*/
func (s *ParallelServer) Start() error {
	record, err := s.cfg.ODB.FetchServer()
	if err != nil {
		return &common.ConfigurationError{Msg: fmt.Sprintf("could not fetch the server record: %v", err)}
	}
	if record == nil {
		return &common.ConfigurationError{Msg: "server does not exist in the ODB"}
	}
	s.record = record

	table, err := s.cfg.ODB.GetURLSecurity(record)
	if err != nil {
		return &common.ConfigurationError{Msg: fmt.Sprintf("could not build the URL security table: %v", err)}
	}
	s.security.Replace(table)
	s.logger.Debug().Int("paths", len(table)).Msg("built URL security table")

	s.dispatcher = NewDispatcher(s.cfg.QueueCapacity, s.executor, s.brokerFactory(), s.logger)

	if record.LastJoinStatus != common.JoinStatusAccepted {
		s.logger.Warn().Str("last_join_status", record.LastJoinStatus).
			Msg("server has not been accepted into the cluster, waiting for the join approval")
		return s.startJoinWait()
	}
	return s.startAccepted()
}

// startJoinWait runs only the subscriber that waits for the cluster's
// join approval; no HTTP listener and no workers yet.
func (s *ParallelServer) startJoinWait() error {
	subAddr := brokerEndpoint(s.record, common.PortBrokerPubWorkerThreadSub)
	logger := s.logger.With().Str("component", "join-wait").Logger()
	s.configSub = broker.NewSubscriber(s.zctx, subAddr, zmq.SUB, nil, s.onBrokerMessage, broker.Hooks{}, logger)
	errs := s.configSub.Start()
	go func() {
		if err, ok := <-errs; ok && err != nil {
			logger.Error().Err(err).Msg("join-wait subscriber died")
		}
	}()
	return nil
}

// startAccepted brings up the worker pool, the singleton if this is the
// designated leader, and the HTTP listener.
func (s *ParallelServer) startAccepted() error {
	var startErr error
	s.acceptOnce.Do(func() {
		if s.configSub != nil {
			s.configSub.Close()
		}

		s.dispatcher.SetThreadCount(s.cfg.Workers)

		if s.cfg.Singleton {
			sg, err := NewSingleton(s.zctx, s.record, s.cfg.Registry, s.onBrokerMessage,
				s.logger.With().Str("component", "singleton").Logger())
			if err != nil {
				startErr = err
				return
			}
			sg.Start()
			s.singleton = sg
		}

		addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = &common.ConfigurationError{Msg: fmt.Sprintf("could not listen on %s: %v", addr, err)}
			return
		}
		s.listener = listener
		s.httpServer = &http.Server{Handler: http.HandlerFunc(s.handleHTTP)}
		go func() {
			if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("HTTP listener failed")
			}
		}()

		s.logger.Info().Str("addr", listener.Addr().String()).Int("workers", s.cfg.Workers).
			Bool("singleton", s.cfg.Singleton).Msg("server up")
	})
	return startErr
}

// Addr returns the bound HTTP address, useful when Port was 0.
func (s *ParallelServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Dispatcher exposes the worker pool, e.g. for runtime resizing.
func (s *ParallelServer) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Stats returns a snapshot of the per-service invocation counters.
func (s *ParallelServer) Stats() map[string]stats.Elem {
	return s.stats.Snapshot()
}

// handleHTTP accepts one request, queues it for the pool and waits for
// a worker to answer it. The accepting goroutine never executes the
// task itself.
func (s *ParallelServer) handleHTTP(w http.ResponseWriter, r *http.Request) {
	task, err := NewHTTPTask(w, r)
	if err != nil {
		s.logger.Error().Err(err).Str("uri", r.URL.Path).Msg("could not read request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !s.dispatcher.Enqueue(task) {
		s.logger.Warn().Str("uri", r.URL.Path).Int("queued", s.dispatcher.QueueLen()).
			Msg("task queue full, refusing request")
		http.Error(w, "server overloaded, retry later", http.StatusServiceUnavailable)
		return
	}

	if s.cfg.RequestTimeout <= 0 {
		<-task.Done()
		return
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-task.Done():
	case <-timer.C:
		if task.Abandon() {
			s.logger.Error().Str("cid", task.CID).Str("uri", r.URL.Path).
				Dur("timeout", s.cfg.RequestTimeout).Msg("request timed out waiting for a worker")
			http.Error(w, "request timed out", http.StatusServiceUnavailable)
		} else {
			// The worker answered between the timer firing and now.
			<-task.Done()
		}
	}
}

// onBrokerMessage reacts to cluster control messages received by the
// worker subscribers, the join-wait subscriber and the singleton.
func (s *ParallelServer) onBrokerMessage(msg broker.Message) error {
	switch msg.Action {
	case common.ActionConfigUpdate:
		return s.applyConfigUpdate(msg)
	case common.ActionJoinAccepted:
		s.logger.Info().Str("cid", msg.CID).Msg("join request accepted, starting")
		return s.startAccepted()
	default:
		s.logger.Debug().Str("action", msg.Action).Str("cid", msg.CID).Msg("ignoring broker message")
		return nil
	}
}

// applyConfigUpdate installs a fresh URL security table. The table is
// replaced wholesale; concurrent requests keep reading the previous
// snapshot until the swap.
func (s *ParallelServer) applyConfigUpdate(msg broker.Message) error {
	table, err := ParseTable(msg.Payload)
	if err != nil {
		return err
	}
	s.security.Replace(table)
	s.logger.Info().Str("cid", msg.CID).Int("paths", len(table)).
		Msg("installed new URL security configuration")
	return nil
}

func (s *ParallelServer) brokerFactory() BrokerFactory {
	return func(workerID int) (*broker.Client, error) {
		pushAddr := brokerEndpoint(s.record, common.PortWorkerThreadPushBrokerPull)
		subAddr := brokerEndpoint(s.record, common.PortBrokerPubWorkerThreadSub)
		logger := s.logger.With().Str("component", "broker-channel").Int("worker", workerID).Logger()
		return broker.NewClient(s.zctx, pushAddr, subAddr, zmq.SUB, nil, s.onBrokerMessage, broker.Hooks{}, logger)
	}
}

// Stop shuts the node down: the HTTP listener first so no new work
// arrives, then the worker pool, the singleton, and finally the
// messaging context.
func (s *ParallelServer) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("shutting down")

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("HTTP shutdown did not finish cleanly")
			}
		}

		if s.dispatcher != nil {
			s.dispatcher.Shutdown()
		}
		if s.singleton != nil {
			s.singleton.Close()
		}
		if s.configSub != nil {
			s.configSub.Close()
		}
		s.zctx.Term()
	})
}
