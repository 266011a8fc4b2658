// Package pending keeps the calls a client has submitted and not yet resolved.
//
// A Registry is touched only from loop callbacks, so it carries no lock.
package pending

import (
	"time"

	"looprpc/async"
	"looprpc/eventloop"
	"looprpc/status"
)

// Callback receives the outcome of a call. payload is borrowed for the
// duration of the call; err is nil on success or a *status.Error.
type Callback func(payload []byte, err error)

// Entry is one pending call. Exactly one of Callback and Handle is set.
type Entry struct {
	ID       uint32
	Origin   uint32 // id first handed to the caller; differs from ID after a retry
	Method   string
	Payload  []byte // kept while Retries > 0 so the call can be re-sent
	Callback Callback
	Handle   *async.Handle
	Deadline time.Time // zero when the call has no deadline
	Timer    *eventloop.Timer
	Retries  int
	Peer     []byte

	// Cancelled is stamped by Registry.Cancel.
	Cancelled bool
}

// Registry maps correlation ids to pending entries under an admission bound.
type Registry struct {
	entries map[uint32]*Entry
	bound   int
}

// New creates a registry admitting at most bound entries.
func New(bound int) *Registry {
	return &Registry{
		entries: make(map[uint32]*Entry),
		bound:   bound,
	}
}

// Insert adds e. It fails with AdmissionRefused when the registry is full and
// with InvalidArgument when e.ID is already pending or e does not carry
// exactly one of Callback and Handle.
func (r *Registry) Insert(e *Entry) error {
	if (e.Callback == nil) == (e.Handle == nil) {
		return status.Errorf(status.InvalidArgument, "entry %d needs exactly one of callback and handle", e.ID)
	}
	if len(r.entries) >= r.bound {
		return status.Errorf(status.AdmissionRefused, "%d calls pending", len(r.entries))
	}
	if _, ok := r.entries[e.ID]; ok {
		return status.Errorf(status.InvalidArgument, "id %d already pending", e.ID)
	}
	r.entries[e.ID] = e
	return nil
}

// Take removes and returns the entry for id.
func (r *Registry) Take(id uint32) (*Entry, bool) {
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return e, ok
}

// Cancel is Take with the Cancelled marker stamped on the returned entry.
func (r *Registry) Cancel(id uint32) (*Entry, bool) {
	e, ok := r.Take(id)
	if ok {
		e.Cancelled = true
	}
	return e, ok
}

// Contains reports whether id is pending.
func (r *Registry) Contains(id uint32) bool {
	_, ok := r.entries[id]
	return ok
}

// ForEachExpired calls f for every entry whose deadline is at or before now.
// f may Take the entry.
func (r *Registry) ForEachExpired(now time.Time, f func(*Entry)) {
	var expired []*Entry
	for _, e := range r.entries {
		if !e.Deadline.IsZero() && !e.Deadline.After(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		f(e)
	}
}

// Drain removes and returns every entry.
func (r *Registry) Drain() []*Entry {
	all := make([]*Entry, 0, len(r.entries))
	for id, e := range r.entries {
		all = append(all, e)
		delete(r.entries, id)
	}
	return all
}

func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) Cap() int { return r.bound }
