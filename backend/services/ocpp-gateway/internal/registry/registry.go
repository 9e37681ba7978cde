package registry

import (
	"sort"
	"sync"
	"time"
)

// Transport is a live charger connection as seen by the registry. ConnID is unique per
// connection and acts as the ownership token for Remove.
type Transport interface {
	ConnID() string
	IsOpen() bool
	Send(msg []byte) error
	Close() error
}

// StatusReporter receives connectivity transitions. Implementations must not block.
type StatusReporter interface {
	ReportConnectivity(identity string, connected bool, lastSeen time.Time)
}

// Reporters fans a report out to several reporters in order.
type Reporters []StatusReporter

// ReportConnectivity implements StatusReporter.
func (rs Reporters) ReportConnectivity(identity string, connected bool, lastSeen time.Time) {
	for _, r := range rs {
		if r != nil {
			r.ReportConnectivity(identity, connected, lastSeen)
		}
	}
}

// Entry is one row of List.
type Entry struct {
	Identity  string
	Connected bool
}

// Options tunes registry behaviour.
type Options struct {
	// CloseSuperseded closes a transport displaced by a newer one under the same identity.
	CloseSuperseded bool
	// Clock defaults to time.Now.
	Clock func() time.Time
	// OnChange is called with the entry count after every mutation while the lock is held,
	// so it must be cheap and must not call back into the registry.
	OnChange func(count int)
}

// Registry maps charger identity to its live transport. At most one transport is
// registered per identity; all mutations happen under a single lock.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Transport
	reporter StatusReporter
	opts     Options
}

// New builds an empty registry. reporter may be nil.
func New(reporter StatusReporter, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		entries:  make(map[string]Transport),
		reporter: reporter,
		opts:     opts,
	}
}

// Register inserts or overwrites the entry for identity. The newest registration wins;
// the displaced transport, if any, is returned.
func (r *Registry) Register(identity string, t Transport) Transport {
	r.mu.Lock()
	previous := r.entries[identity]
	r.entries[identity] = t
	r.changed()
	r.mu.Unlock()

	return r.supersede(previous, t)
}

// Rebind atomically moves transport t from oldIdentity to newIdentity and reports
// old=false, new=true. It refuses (and returns false) when the identities are equal, when
// t is closed, or when oldIdentity is no longer owned by t, so a superseded session cannot
// displace the live one.
func (r *Registry) Rebind(oldIdentity, newIdentity string, t Transport) bool {
	if oldIdentity == newIdentity || !t.IsOpen() {
		return false
	}

	r.mu.Lock()
	if current, ok := r.entries[oldIdentity]; !ok || !sameTransport(current, t) {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, oldIdentity)
	previous := r.entries[newIdentity]
	r.entries[newIdentity] = t
	r.changed()
	r.mu.Unlock()

	r.supersede(previous, t)

	if r.reporter != nil {
		now := r.opts.Clock()
		r.reporter.ReportConnectivity(oldIdentity, false, now)
		r.reporter.ReportConnectivity(newIdentity, true, now)
	}
	return true
}

// Lookup returns the transport registered under identity.
func (r *Registry) Lookup(identity string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.entries[identity]
	return t, ok
}

// Remove deletes the entry for identity only when it is owned by t, so a late close from a
// superseded connection cannot evict its replacement.
func (r *Registry) Remove(identity string, t Transport) bool {
	r.mu.Lock()
	current, ok := r.entries[identity]
	if !ok || !sameTransport(current, t) {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, identity)
	r.changed()
	r.mu.Unlock()

	return true
}

// List returns every registered identity, sorted, with reachability taken from the transport.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for id, t := range r.entries {
		entries = append(entries, Entry{Identity: id, Connected: t.IsOpen()})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	return entries
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll closes every registered transport. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	transports := make([]Transport, 0, len(r.entries))
	for _, t := range r.entries {
		transports = append(transports, t)
	}
	r.mu.RUnlock()

	for _, t := range transports {
		_ = t.Close()
	}
}

func (r *Registry) supersede(previous, next Transport) Transport {
	if previous == nil || sameTransport(previous, next) {
		return nil
	}
	if r.opts.CloseSuperseded {
		_ = previous.Close()
	}
	return previous
}

// changed must be called with r.mu held.
func (r *Registry) changed() {
	if r.opts.OnChange != nil {
		r.opts.OnChange(len(r.entries))
	}
}

func sameTransport(a, b Transport) bool {
	return a.ConnID() == b.ConnID()
}
