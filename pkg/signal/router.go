// Package signal routes push notifications from the gateway to subscribers.
//
// Each subscriber sees signals in exact gateway arrival order and processes
// one signal at a time; independent subscribers never block on each other.
// A bounded ring buffer keeps recent history for diagnostics.
package signal

import (
	"sync"

	"github.com/gofrs/uuid"

	"github.com/localmesh/localsync/pkg/constants"
	"github.com/localmesh/localsync/pkg/gateway"
	"github.com/localmesh/localsync/pkg/logger"
)

// Filter selects signals: within a field any listed value matches (OR),
// across fields every specified field must match (AND). Empty fields match
// everything.
type Filter struct {
	Kinds      []string
	EntryTypes []string
	Identities []string
	// LocalOnly and RemoteOnly narrow by origin; both false means both.
	LocalOnly  bool
	RemoteOnly bool
}

func (f Filter) matches(sig gateway.Signal) bool {
	if f.LocalOnly && !sig.Local() {
		return false
	}
	if f.RemoteOnly && sig.Local() {
		return false
	}
	return matchField(f.Kinds, sig.Kind) &&
		matchField(f.EntryTypes, sig.EntryType) &&
		matchField(f.Identities, sig.Identity)
}

func matchField(accepted []string, value string) bool {
	if len(accepted) == 0 {
		return true
	}
	for _, a := range accepted {
		if a == value {
			return true
		}
	}
	return false
}

type Params struct {
	Logger logger.Logger
	// HistorySize bounds the ring buffer. Defaults to
	// constants.DefaultSignalHistorySize.
	HistorySize int
	// QueueSize bounds each subscriber's delivery queue. Defaults to
	// constants.DefaultSubscriberQueueSize.
	QueueSize int
}

type subscriber struct {
	id     uuid.UUID
	filter Filter
	queue  chan gateway.Signal
	done   chan struct{}

	// mu guards closed only. It is never held across a callback
	// invocation, so a callback may call Unsubscribe, including on its
	// own subscription.
	mu       sync.Mutex
	closed   bool
	callback func(gateway.Signal)
}

func (s *subscriber) deliver() {
	for {
		select {
		case <-s.done:
			return
		case sig := <-s.queue:
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.callback(sig)
		}
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

type Router struct {
	logger    logger.Logger
	queueSize int

	mu      sync.Mutex
	subs    map[uuid.UUID]*subscriber
	history []gateway.Signal
	next    int
	filled  bool
	stopped bool
}

func New(p Params) *Router {
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.HistorySize <= 0 {
		p.HistorySize = constants.DefaultSignalHistorySize
	}
	if p.QueueSize <= 0 {
		p.QueueSize = constants.DefaultSubscriberQueueSize
	}
	return &Router{
		logger:    p.Logger,
		queueSize: p.QueueSize,
		subs:      make(map[uuid.UUID]*subscriber),
		history:   make([]gateway.Signal, 0, p.HistorySize),
	}
}

// Consume dispatches every signal from ch until it closes. It is the
// bridge from gateway.Notifications(); run it once per connection.
func (r *Router) Consume(ch <-chan gateway.Signal) {
	for sig := range ch {
		r.dispatch(sig)
	}
}

// Subscribe registers a callback for signals matching the filter and
// returns the subscription handle.
func (r *Router) Subscribe(filter Filter, callback func(gateway.Signal)) uuid.UUID {
	sub := &subscriber{
		id:       uuid.Must(uuid.NewV4()),
		filter:   filter,
		queue:    make(chan gateway.Signal, r.queueSize),
		done:     make(chan struct{}),
		callback: callback,
	}

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	go sub.deliver()
	return sub.id
}

// Unsubscribe removes the subscription. No new delivery begins after it
// returns; a delivery already admitted may still complete. It is safe to
// call from inside the subscription's own callback.
func (r *Router) Unsubscribe(id uuid.UUID) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	sub.stop()
}

// PublishLocalSignal injects an application-originated signal. It has the
// same shape as remote signals but no originator identity.
func (r *Router) PublishLocalSignal(sig gateway.Signal) {
	sig.Origin = ""
	if sig.ID == uuid.Nil {
		sig.ID = uuid.Must(uuid.NewV4())
	}
	r.dispatch(sig)
}

// GetSignalHistory returns up to limit recent signals, oldest first.
// limit <= 0 returns the full history.
func (r *Router) GetSignalHistory(limit int) []gateway.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []gateway.Signal
	if r.filled {
		ordered = append(ordered, r.history[r.next:]...)
		ordered = append(ordered, r.history[:r.next]...)
	} else {
		ordered = append(ordered, r.history...)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Close stops dispatching and releases all subscribers.
func (r *Router) Close() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	subs := make([]*subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[uuid.UUID]*subscriber)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (r *Router) dispatch(sig gateway.Signal) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.remember(sig)
	targets := make([]*subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.filter.matches(sig) {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		select {
		case <-sub.done:
		case sub.queue <- sig:
		default:
			// A full queue means the subscriber cannot keep up; dropping
			// here keeps every other subscriber's ordering intact.
			r.logger.Warn("subscriber queue full, dropping signal",
				"subscription", sub.id, "kind", sig.Kind, "identity", sig.Identity)
		}
	}
}

// remember appends to the ring buffer; caller holds r.mu.
func (r *Router) remember(sig gateway.Signal) {
	if !r.filled && len(r.history) < cap(r.history) {
		r.history = append(r.history, sig)
		if len(r.history) == cap(r.history) {
			r.filled = true
			r.next = 0
		}
		return
	}
	r.history[r.next] = sig
	r.next = (r.next + 1) % cap(r.history)
}
