/*
Package service defines the service-registry collaborator of the bus
core: named, invocable units of work plus an in-memory registry mapping
names to them. The core only ever talks to it through Invoke.
*/
package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Channel names a service invocation can arrive through.
const (
	ChannelHTTP      = "http"
	ChannelScheduler = "scheduler_job"
)

// ErrNotFound is returned by Invoke for a name no service is registered
// under.
var ErrNotFound = errors.New("no such service")

// Request carries the input of a single invocation.
type Request struct {
	CID     string
	Channel string
	Payload []byte
	Headers map[string]string
}

// Service handles requests addressed to one name on the bus.
type Service interface {
	Handle(req *Request) ([]byte, error)
}

// Func adapts a plain function to the Service interface.
type Func func(req *Request) ([]byte, error)

func (f Func) Handle(req *Request) ([]byte, error) {
	return f(req)
}

// Registry maps service names to invocable services. Registration
// happens at startup and through deployments; lookups happen on every
// request, so reads take only an RLock.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
	logger   zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{services: make(map[string]Service), logger: logger}
}

// Register adds a service under name. err is not nil if the name is
// already taken; the existing service is not overwritten.
func (r *Registry) Register(name string, svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; ok {
		r.logger.Warn().Str("service", name).Msg("trying to register existing service")
		return fmt.Errorf("service [%s] already registered; not overwritten", name)
	}
	r.services[name] = svc
	r.logger.Info().Str("service", name).Msg("registered service")
	return nil
}

// Unregister removes a service. Returns an error if the name is
// unknown.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; !ok {
		r.logger.Warn().Str("service", name).Msg("trying to unregister non-existing service")
		return fmt.Errorf("no such service: %s", name)
	}
	delete(r.services, name)
	r.logger.Info().Str("service", name).Msg("unregistered service")
	return nil
}

// Lookup returns the service registered under name, or false.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Invoke runs the named service with req. Returns ErrNotFound (wrapped)
// when no such service exists; any other error comes from the service
// itself.
func (r *Registry) Invoke(name string, req *Request) ([]byte, error) {
	svc, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return svc.Handle(req)
}

// RegisterInternal adds the services every node carries out of the box.
func RegisterInternal(r *Registry) {
	// zato.ping is the liveness check other nodes and operators use.
	_ = r.Register("zato.ping", Func(func(req *Request) ([]byte, error) {
		return []byte("ZATO_OK"), nil
	}))
}
