// Package service is the Coordinator's service registry: the node
// registers its long-running components (each Syncer, the
// CancellationEngine, rpcserver, wsserver) here and starts/stops them
// together. Grounded on the call shape
// beacon-chain/node/node.go uses against shared.ServiceRegistry
// (NewServiceRegistry/RegisterService/FetchService/StartAll/StopAll) —
// that registry type itself lives outside this retrieval pack, so this
// is a from-scratch reimplementation of the same contract.
package service

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "service-registry")

// Service is anything the registry can start and stop together.
type Service interface {
	Start()
	Stop() error
	Status() error
}

type entry struct {
	typ reflect.Type
	svc Service
}

// Registry starts/stops services in registration order. Unlike the
// teacher's ServiceRegistry, slots aren't keyed by concrete type alone:
// this Coordinator registers one *loopService per NetworkId's Syncer,
// so several entries legitimately share a concrete type. FetchService
// still resolves by type, for the (single-instance) services that want
// it; RegisterService itself never rejects a repeated type.
type Registry struct {
	lock    sync.Mutex
	entries []entry
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterService adds service to the registry.
func (r *Registry) RegisterService(s Service) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.entries = append(r.entries, entry{typ: reflect.TypeOf(s), svc: s})
	return nil
}

// FetchService populates *dest (a pointer to a Service-typed variable)
// with the first registered instance of that type.
func (r *Registry) FetchService(dest interface{}) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	element := reflect.ValueOf(dest).Elem()
	for _, e := range r.entries {
		if e.typ == element.Type() {
			element.Set(reflect.ValueOf(e.svc))
			return nil
		}
	}
	return fmt.Errorf("unknown service: %s", element.Type())
}

// StartAll starts every registered service, in registration order.
func (r *Registry) StartAll() {
	r.lock.Lock()
	defer r.lock.Unlock()
	log.WithField("services", len(r.entries)).Info("starting services")
	for _, e := range r.entries {
		log.WithField("service", e.typ).Debug("starting service")
		e.svc.Start()
	}
}

// StopAll stops every registered service, in reverse registration
// order, logging (rather than aborting on) individual stop errors so
// that one misbehaving service doesn't prevent the rest from shutting
// down.
func (r *Registry) StopAll() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if err := e.svc.Stop(); err != nil {
			log.WithError(err).WithField("service", e.typ).Error("could not stop service")
		}
	}
}

// Statuses returns the Status() of every registered service, keyed by
// its index and type name (several entries may share a concrete type).
func (r *Registry) Statuses() map[string]error {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make(map[string]error, len(r.entries))
	for i, e := range r.entries {
		out[fmt.Sprintf("%d:%s", i, e.typ)] = e.svc.Status()
	}
	return out
}
