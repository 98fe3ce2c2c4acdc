package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danlg/zato/common"
	"github.com/danlg/zato/service"
	"github.com/danlg/zato/stats"
)

// taskState tracks a request through the pipeline. Every request ends
// in stateResponseReady; failures take the side transition through
// stateFailed but are still rendered as responses.
type taskState int

const (
	stateReceived taskState = iota
	stateSecurityChecked
	stateDispatched
	stateResponseReady
	stateFailed
)

/*
HTTPTask is one accepted HTTP request travelling from the listener to a
pool worker. After handoff the task is owned by exactly one worker;
nothing else touches it until the response is written. Exactly one
response is ever written per task.
*/
type HTTPTask struct {
	CID     string
	Request *http.Request
	Body    []byte

	state taskState

	mu        sync.Mutex
	answered  bool
	abandoned bool
	w         http.ResponseWriter
	done      chan struct{}
}

// NewHTTPTask snapshots the request body and wraps the connection into
// a task ready for the work queue.
func NewHTTPTask(w http.ResponseWriter, r *http.Request) (*HTTPTask, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read request body: %w", err)
	}
	return &HTTPTask{
		CID:     uuid.NewString(),
		Request: r,
		Body:    body,
		state:   stateReceived,
		w:       w,
		done:    make(chan struct{}),
	}, nil
}

// Write sends the response for this task. The first writer wins;
// subsequent calls and calls after Abandon are no-ops.
func (t *HTTPTask) Write(status int, contentType string, body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.answered || t.abandoned {
		return
	}
	t.answered = true
	t.w.Header().Set("Content-Type", contentType)
	t.w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	t.w.WriteHeader(status)
	t.w.Write(body)
	close(t.done)
}

// Abandon marks the task as given up on by the listener (request-level
// timeout). Returns true if the caller may now answer the connection
// itself; a worker that gets to the task later will find it abandoned
// and drop its response.
func (t *HTTPTask) Abandon() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.answered || t.abandoned {
		return false
	}
	t.abandoned = true
	return true
}

// Done is closed once the response has been written.
func (t *HTTPTask) Done() <-chan struct{} {
	return t.done
}

/*
Executor turns one HTTPTask into a response: resolve the security
policy for the requested path, enforce it, invoke the target service,
translate any failure into a transport-appropriate body. It never lets
an error escape to the network layer unanswered.
*/
type Executor struct {
	security *SecurityStore
	registry *service.Registry
	stats    *stats.Store
	logger   zerolog.Logger
}

func NewExecutor(security *SecurityStore, registry *service.Registry, st *stats.Store, logger zerolog.Logger) *Executor {
	return &Executor{security: security, registry: registry, stats: st, logger: logger}
}

// Execute runs the pipeline for a single task. Always writes exactly
// one response, with Content-Type and Content-Length set according to
// the transport resolved for the path (text/plain when the path itself
// was not found).
func (e *Executor) Execute(task *HTTPTask, tctx *ThreadContext) {
	started := time.Now()

	urlType, status, response, serviceName := e.run(task, tctx)
	task.state = stateResponseReady

	contentType := "text/plain"
	if urlType == common.URLTypeSOAP {
		contentType = "text/xml"
	}
	task.Write(status, contentType, response)

	if serviceName != "" {
		e.stats.Record(serviceName, time.Since(started))
	}
}

func (e *Executor) run(task *HTTPTask, tctx *ThreadContext) (common.URLType, int, []byte, string) {
	path := task.Request.URL.Path

	item, ok := e.security.Current()[path]
	if !ok {
		// Initially we have no clue about the transport of the URL
		// being accessed, so the error goes out unwrapped.
		notFound := &common.NotFoundError{CID: task.CID, Path: path}
		e.logger.Error().Str("cid", task.CID).Str("uri", path).Msg(notFound.Error())
		task.state = stateFailed
		return "", http.StatusNotFound, common.WrapError("", notFound.Error()), ""
	}

	if err := Validate(e.logger.With().Str("cid", task.CID).Logger(), item.Policy, task.Request, task.Body); err != nil {
		task.state = stateFailed
		reason := err.Error()
		var forbidden *common.ForbiddenError
		if errors.As(err, &forbidden) {
			reason = forbidden.Reason
		}
		return item.URLType, http.StatusForbidden, common.WrapError(item.URLType, reason), ""
	}
	task.state = stateSecurityChecked

	response, err := e.invoke(item, task, tctx)
	if err != nil {
		// Any failure from here on must be our or the service's fault;
		// it is rendered as a 200 with an error body rather than
		// dropping the connection.
		e.logger.Error().Err(err).Str("cid", task.CID).Str("uri", path).
			Str("service", item.Service).Msg("exception caught during request execution")
		task.state = stateFailed
		return item.URLType, http.StatusOK, common.WrapError(item.URLType, err.Error()), item.Service
	}

	return item.URLType, http.StatusOK, response, item.Service
}

// invoke calls the target service with the request body and header
// context. A panicking service is caught here so that one bad request
// can never take its worker down.
func (e *Executor) invoke(item URLItem, task *HTTPTask, tctx *ThreadContext) (response []byte, err error) {
	task.state = stateDispatched

	defer func() {
		if r := recover(); r != nil {
			err = &common.ServiceInvocationError{
				CID:     task.CID,
				Service: item.Service,
				Err:     fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	headers := make(map[string]string, len(task.Request.Header))
	for name := range task.Request.Header {
		headers[name] = task.Request.Header.Get(name)
	}

	req := &service.Request{
		CID:     task.CID,
		Channel: service.ChannelHTTP,
		Payload: task.Body,
		Headers: headers,
	}
	response, err = e.registry.Invoke(item.Service, req)
	if err != nil {
		return nil, &common.ServiceInvocationError{CID: task.CID, Service: item.Service, Err: err}
	}
	return response, nil
}
