package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmesh/localsync/pkg/gateway/gatewaytest"
)

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.states))
	copy(out, l.states)
	return out
}

func newSupervisor(t *testing.T, fake *gatewaytest.Fake, clock clockwork.Clock) *Supervisor {
	t.Helper()
	s, err := New(Params{
		Gateway:        fake,
		Clock:          clock,
		CheckInterval:  time.Second,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		NoJitter:       true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

// settle advances the fake clock until cond holds.
func settle(t *testing.T, clock *clockwork.FakeClock, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		clock.Advance(2 * time.Second)
		return cond()
	}, 5*time.Second, 2*time.Millisecond, msg)
}

func TestTransitionRules(t *testing.T) {
	valid := []struct{ from, to State }{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateError},
		{StateConnected, StateError},
		{StateConnected, StateDisconnected},
		{StateError, StateConnecting},
		{StateError, StateDisconnected},
		{StateConnected, StateOffline},
		{StateError, StateOffline},
		{StateOffline, StateDisconnected},
	}
	for _, tc := range valid {
		got, err := tc.from.TransitionTo(tc.to)
		assert.NoError(t, err, "%v -> %v", tc.from, tc.to)
		assert.Equal(t, tc.to, got)
	}

	invalid := []struct{ from, to State }{
		{StateDisconnected, StateConnected},
		{StateConnected, StateConnecting},
		{StateOffline, StateConnecting},
		{StateOffline, StateConnected},
		{StateError, StateConnected},
	}
	for _, tc := range invalid {
		_, err := tc.from.TransitionTo(tc.to)
		assert.Error(t, err, "%v -> %v must be rejected", tc.from, tc.to)
	}
}

func TestBackoffIncreasesUpToCap(t *testing.T) {
	s, err := New(Params{
		Gateway:        gatewaytest.New(),
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		NoJitter:       true,
	})
	require.NoError(t, err)

	var waits []time.Duration
	for i := 0; i < 8; i++ {
		waits = append(waits, s.backoff.NextBackOff())
	}
	assert.Equal(t, 100*time.Millisecond, waits[0])
	for i := 1; i < len(waits); i++ {
		if waits[i-1] < time.Second {
			assert.Greater(t, waits[i], waits[i-1], "interval %d must grow", i)
		}
		assert.LessOrEqual(t, waits[i], time.Second, "interval %d must respect the cap", i)
	}
	assert.Equal(t, time.Second, waits[len(waits)-1])

	// A successful connect resets the schedule.
	s.backoff.Reset()
	assert.Equal(t, 100*time.Millisecond, s.backoff.NextBackOff())
}

func TestDefaultBackoffIsJittered(t *testing.T) {
	s, err := New(Params{Gateway: gatewaytest.New()})
	require.NoError(t, err)
	assert.Greater(t, s.backoff.RandomizationFactor, 0.0,
		"zero-value params keep jitter so peers do not reconnect in step")

	s, err = New(Params{Gateway: gatewaytest.New(), Jitter: 0.3})
	require.NoError(t, err)
	assert.Equal(t, 0.3, s.backoff.RandomizationFactor)

	s, err = New(Params{Gateway: gatewaytest.New(), NoJitter: true})
	require.NoError(t, err)
	assert.Zero(t, s.backoff.RandomizationFactor)
}

func TestRepeatedFailuresThenConnectResetsRetryCount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fake := gatewaytest.New()
	connectErr := errors.New("dial tcp: connection refused")
	fake.FailConnections(connectErr, connectErr, connectErr)

	s := newSupervisor(t, fake, clock)
	log := &stateLog{}
	s.OnStateChange(log.record)

	var maxRetries int
	s.OnStateChange(func(state State) {
		if state == StateError {
			if n := s.GetConnectionState().RetryCount; n > maxRetries {
				maxRetries = n
			}
		}
	})

	s.Start()
	settle(t, clock, func() bool {
		states := log.snapshot()
		return len(states) == 8 && states[7] == StateConnected
	}, "supervisor never connected")

	snap := s.GetConnectionState()
	assert.Equal(t, 0, snap.RetryCount, "retry counter resets on connect")
	assert.False(t, snap.LastConnected.IsZero())
	assert.Equal(t, 3, maxRetries)

	assert.Equal(t, []State{
		StateConnecting, StateError,
		StateConnecting, StateError,
		StateConnecting, StateError,
		StateConnecting, StateConnected,
	}, log.snapshot(), "all observers see one total order")
}

func TestDroppedConnectionIsReestablished(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fake := gatewaytest.New()

	s := newSupervisor(t, fake, clock)
	log := &stateLog{}
	s.OnStateChange(log.record)
	s.Start()

	settle(t, clock, func() bool {
		return s.GetConnectionState().Status == StateConnected
	}, "initial connect")

	fake.Drop()
	settle(t, clock, func() bool {
		states := log.snapshot()
		return len(states) >= 4 && states[len(states)-1] == StateConnected
	}, "reconnect after drop")

	snap := s.GetConnectionState()
	assert.Equal(t, StateConnected, snap.Status)
	assert.False(t, snap.LastDisconnected.IsZero())
	assert.Contains(t, log.snapshot(), StateError)
}

func TestOfflineModeSuppressesReconnection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fake := gatewaytest.New()

	s := newSupervisor(t, fake, clock)
	log := &stateLog{}
	s.OnStateChange(log.record)
	s.Start()
	settle(t, clock, func() bool {
		return s.GetConnectionState().Status == StateConnected
	}, "initial connect")

	ctx := context.Background()
	s.EnableOfflineMode(ctx)
	assert.Equal(t, StateOffline, s.GetConnectionState().Status)
	assert.False(t, fake.Status().Connected, "offline mode closes the gateway")
	assert.Eventually(t, func() bool {
		states := log.snapshot()
		return len(states) > 0 && states[len(states)-1] == StateOffline
	}, 5*time.Second, time.Millisecond)

	// No reconnection attempts while offline.
	before := len(log.snapshot())
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
	}
	assert.Equal(t, before, len(log.snapshot()))

	s.DisableOfflineMode()
	settle(t, clock, func() bool {
		return s.GetConnectionState().Status == StateConnected
	}, "reconnect after leaving offline mode")
	assert.True(t, fake.Status().Connected)
}

func TestDiagnosticsWhileConnected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fake := gatewaytest.New()
	fake.Handle("ping", func([]any) (any, error) { return nil, nil })

	s := newSupervisor(t, fake, clock)
	s.Start()
	settle(t, clock, func() bool {
		return s.GetConnectionState().Status == StateConnected
	}, "initial connect")

	before := s.GetConnectionState().Status
	d := s.RunDiagnostics(context.Background())
	assert.True(t, d.Passed())
	require.Len(t, d.Checks, 2)
	assert.Equal(t, "reachability", d.Checks[0].Name)
	assert.Equal(t, "round-trip", d.Checks[1].Name)
	assert.Empty(t, d.Recommendations)
	assert.Equal(t, before, s.GetConnectionState().Status, "diagnostics are read-only")
}

func TestDiagnosticsWhileUnreachable(t *testing.T) {
	fake := gatewaytest.New()
	s, err := New(Params{Gateway: fake})
	require.NoError(t, err)

	d := s.RunDiagnostics(context.Background())
	assert.False(t, d.Passed())
	require.Len(t, d.Checks, 1)
	assert.Equal(t, "reachability", d.Checks[0].Name)
	assert.NotEmpty(t, d.Recommendations)
	assert.Zero(t, fake.CallCount("ping"), "no ping without a connection")
}

func TestDiagnosticsWhileOffline(t *testing.T) {
	fake := gatewaytest.New()
	s, err := New(Params{Gateway: fake})
	require.NoError(t, err)
	s.EnableOfflineMode(context.Background())

	d := s.RunDiagnostics(context.Background())
	require.Len(t, d.Checks, 1)
	assert.Equal(t, "offline-mode", d.Checks[0].Name)
	assert.NotEmpty(t, d.Recommendations)
}
