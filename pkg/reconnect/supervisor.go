// Package reconnect supervises the gateway connection: it monitors health,
// drives backoff-based reconnection, and exposes offline mode and read-only
// diagnostics.
//
// The connection state is a single totally-ordered state machine. Every
// observer registered with OnStateChange sees the same sequence of states.
package reconnect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/localmesh/localsync/pkg/constants"
	"github.com/localmesh/localsync/pkg/gateway"
	"github.com/localmesh/localsync/pkg/logger"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateOffline:
		return "offline"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TransitionTo validates the move from s to newState. Offline is enterable
// from every state; leaving it always passes through Disconnected.
func (s State) TransitionTo(newState State) (State, error) {
	if newState == StateOffline && s != StateOffline {
		return newState, nil
	}
	switch s {
	case StateDisconnected:
		if newState == StateConnecting {
			return newState, nil
		}
	case StateConnecting:
		switch newState {
		case StateConnected, StateError, StateDisconnected:
			return newState, nil
		}
	case StateConnected:
		switch newState {
		case StateError, StateDisconnected:
			return newState, nil
		}
	case StateError:
		switch newState {
		case StateConnecting, StateDisconnected:
			return newState, nil
		}
	case StateOffline:
		if newState == StateDisconnected {
			return newState, nil
		}
	}
	return s, fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

// ConnectionState is a snapshot of the supervised connection.
type ConnectionState struct {
	Status           State
	LastConnected    time.Time
	LastDisconnected time.Time
	RetryCount       int
}

type Params struct {
	Gateway gateway.Gateway
	Logger  logger.Logger
	Clock   clockwork.Clock

	// CheckInterval is how often the gateway is polled while connected.
	CheckInterval time.Duration
	// InitialBackoff and MaxBackoff bound the reconnection delays.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter overrides the backoff randomization factor, in (0, 1). Zero
	// keeps the jittered library default.
	Jitter float64
	// NoJitter makes backoff delays deterministic. Meant for tests;
	// production reconnects stay jittered so peers do not retry in step.
	NoJitter bool
}

type Supervisor struct {
	gw      gateway.Gateway
	logger  logger.Logger
	clock   clockwork.Clock
	check   time.Duration
	backoff *backoff.ExponentialBackOff

	mu        sync.Mutex
	state     State
	last      ConnectionState
	observers []func(State)
	started   bool
	closed    bool

	// events carries state changes to the single notifier goroutine, which
	// gives all observers one total order.
	events      chan State
	wake        chan struct{}
	done        chan struct{}
	loopStopped chan struct{}
}

func New(p Params) (*Supervisor, error) {
	if p.Gateway == nil {
		return nil, constants.ErrNoGateway
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.CheckInterval <= 0 {
		p.CheckInterval = constants.DefaultHealthCheckInterval
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = constants.DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = constants.DefaultMaxBackoff
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.MaxInterval = p.MaxBackoff
	bo.MaxElapsedTime = 0 // the supervisor retries until closed or offline
	if p.NoJitter {
		bo.RandomizationFactor = 0
	} else if p.Jitter > 0 {
		bo.RandomizationFactor = p.Jitter
	}
	bo.Reset()

	s := &Supervisor{
		gw:          p.Gateway,
		logger:      p.Logger,
		clock:       p.Clock,
		check:       p.CheckInterval,
		backoff:     bo,
		state:       StateDisconnected,
		events:      make(chan State, 64),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		loopStopped: make(chan struct{}),
	}
	s.last.Status = StateDisconnected
	return s, nil
}

// Start launches the supervision loop. The first connection attempt happens
// asynchronously; track progress via OnStateChange or GetConnectionState.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.notifier()
	go s.run()
}

// OnStateChange registers an observer invoked for every state transition.
// Observers must not block; they all see the identical order of states.
func (s *Supervisor) OnStateChange(cb func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, cb)
}

// GetConnectionState returns a snapshot of the connection.
func (s *Supervisor) GetConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.last
	snap.Status = s.state
	return snap
}

// EnableOfflineMode forces the Offline state: the gateway is closed
// best-effort and reconnection attempts are suppressed until
// DisableOfflineMode.
func (s *Supervisor) EnableOfflineMode(ctx context.Context) {
	if !s.setState(StateOffline) {
		return
	}
	if err := s.gw.Close(ctx); err != nil {
		s.logger.Warn("closing gateway for offline mode", "error", err)
	}
}

// DisableOfflineMode leaves Offline and resumes reconnection.
func (s *Supervisor) DisableOfflineMode() {
	s.mu.Lock()
	offline := s.state == StateOffline
	s.mu.Unlock()
	if !offline {
		return
	}
	s.setState(StateDisconnected)
	s.kick()
}

// Close stops supervision and closes the gateway.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	close(s.done)
	if started {
		<-s.loopStopped
	}
	s.setState(StateDisconnected)
	s.mu.Lock()
	close(s.events)
	s.mu.Unlock()
	return s.gw.Close(ctx)
}

// run is the supervision loop: connect with backoff, then watch health
// until the connection drops, repeat.
func (s *Supervisor) run() {
	defer close(s.loopStopped)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.Lock()
		suppressed := s.state == StateOffline
		s.mu.Unlock()
		if suppressed {
			if !s.await() {
				return
			}
			continue
		}

		if !s.setState(StateConnecting) {
			if !s.await() {
				return
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultCallTimeout)
		err := s.gw.Connect(ctx)
		cancel()
		if err != nil {
			s.mu.Lock()
			s.last.RetryCount++
			retries := s.last.RetryCount
			s.mu.Unlock()
			s.setState(StateError)

			wait := s.backoff.NextBackOff()
			s.logger.Warn("connection attempt failed",
				"error", err, "retries", retries, "next_attempt_in", wait)
			if !s.sleep(wait) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.last.RetryCount = 0
		s.last.LastConnected = s.clock.Now()
		s.mu.Unlock()
		s.backoff.Reset()
		s.setState(StateConnected)
		s.logger.Info("gateway connected")

		s.watch()
		select {
		case <-s.done:
			return
		default:
		}
	}
}

// watch polls gateway health while connected; it returns when the
// connection is lost, the supervisor closes, or offline mode engages.
func (s *Supervisor) watch() {
	for {
		if !s.sleep(s.check) {
			return
		}

		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state != StateConnected {
			return
		}

		if st := s.gw.Status(); !st.Connected {
			s.mu.Lock()
			s.last.LastDisconnected = s.clock.Now()
			s.mu.Unlock()
			s.logger.Warn("gateway connection lost", "error", st.Err)
			s.setState(StateError)
			return
		}
	}
}

// setState applies a validated transition and queues the notification.
// It returns false when the transition is not legal from the current state.
func (s *Supervisor) setState(newState State) bool {
	s.mu.Lock()
	next, err := s.state.TransitionTo(newState)
	if err != nil {
		s.mu.Unlock()
		s.logger.Debug("state transition rejected", "error", err)
		return false
	}
	if next == s.state {
		s.mu.Unlock()
		return true
	}
	s.state = next
	closed := s.closed
	if !closed {
		select {
		case s.events <- next:
		default:
			// An observer backlog this deep means observers are blocking;
			// dropping keeps the supervisor itself responsive.
			s.logger.Warn("state change notification dropped", "state", next)
		}
	}
	s.mu.Unlock()

	s.logger.Debug("connection state transitioned", "new_state", next)
	return true
}

func (s *Supervisor) notifier() {
	for state := range s.events {
		s.mu.Lock()
		observers := make([]func(State), len(s.observers))
		copy(observers, s.observers)
		s.mu.Unlock()
		for _, cb := range observers {
			cb(state)
		}
	}
}

// sleep waits for d, returning early (true) on a wake signal or (false)
// when the supervisor is closing.
func (s *Supervisor) sleep(d time.Duration) bool {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.done:
		return false
	case <-s.wake:
		return true
	case <-timer.Chan():
		return true
	}
}

// await blocks until a wake signal; false means the supervisor is closing.
func (s *Supervisor) await() bool {
	select {
	case <-s.done:
		return false
	case <-s.wake:
		return true
	}
}

func (s *Supervisor) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
