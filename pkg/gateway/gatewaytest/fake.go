// Package gatewaytest provides an in-process fake Gateway with scriptable
// responses and failure injection for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"

	"github.com/localmesh/localsync/pkg/constants"
	"github.com/localmesh/localsync/pkg/gateway"
)

// Handler produces the result for one method call. Returning an error makes
// the call fail; return a *gateway.RPCError for backend-shaped failures.
type Handler func(params []any) (any, error)

// Fake implements gateway.Gateway without a network. Handlers are matched
// by method name; unmatched methods fail with an RPCError.
type Fake struct {
	mu            sync.Mutex
	connected     bool
	handlers      map[string]Handler
	delays        map[string]time.Duration
	failNext      map[string][]error
	connectErrs   []error
	calls         []Call
	notifications chan gateway.Signal
	signHook      gateway.SignHook
}

// Call records one observed request.
type Call struct {
	Method string
	Params []any
}

func New() *Fake {
	return &Fake{
		handlers:      make(map[string]Handler),
		delays:        make(map[string]time.Duration),
		failNext:      make(map[string][]error),
		notifications: make(chan gateway.Signal, 256),
	}
}

// Handle registers the handler for a method.
func (f *Fake) Handle(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// Delay makes every call to method block for d before responding.
func (f *Fake) Delay(method string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[method] = d
}

// FailNext queues errors returned by the next calls to method, before the
// handler runs. Each queued error fails exactly one call.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[method] = append(f.failNext[method], errs...)
}

// FailConnections queues errors for upcoming Connect attempts.
func (f *Fake) FailConnections(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, errs...)
}

// SetSignHook mirrors the production gateway's pre-call signing hook.
func (f *Fake) SetSignHook(h gateway.SignHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signHook = h
}

// Emit pushes a signal into the notification stream.
func (f *Fake) Emit(sig gateway.Signal) {
	if sig.ID == uuid.Nil {
		sig.ID = uuid.Must(uuid.NewV4())
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}
	f.notifications <- sig
}

// CallCount returns how many calls to method were observed.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Calls returns a copy of the observed call log.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Drop simulates a transport failure: the gateway reports disconnected
// until the next Connect.
func (f *Fake) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	f.connected = true
	return nil
}

func (f *Fake) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) Status() gateway.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gateway.Status{Connected: f.connected}
}

func (f *Fake) Notifications() <-chan gateway.Signal {
	return f.notifications
}

func (f *Fake) Call(ctx context.Context, dest any, method string, params ...any) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Params: params})
	connected := f.connected
	delay := f.delays[method]
	var injected error
	if queued := f.failNext[method]; len(queued) > 0 {
		injected = queued[0]
		f.failNext[method] = queued[1:]
	}
	handler := f.handlers[method]
	hook := f.signHook
	f.mu.Unlock()

	if !connected {
		return constants.ErrNotConnected
	}

	if hook != nil {
		req := &gateway.RPCRequest{Method: method, Params: params}
		if err := hook(ctx, req); err != nil {
			return fmt.Errorf("signing request: %w", err)
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for response to %s", constants.ErrTimeout, method)
		}
	}
	if injected != nil {
		return injected
	}
	if handler == nil {
		return &gateway.RPCError{Code: -32601, Message: "method not found: " + method}
	}

	result, err := handler(params)
	if err != nil {
		return err
	}
	if dest == nil || result == nil {
		return nil
	}

	// Round-trip through the wire codec so handler results behave exactly
	// like remote ones.
	raw, err := cbor.Marshal(result)
	if err != nil {
		return fmt.Errorf("gatewaytest: encoding result: %w", err)
	}
	if err := cbor.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: decoding %s result: %v", constants.ErrValidation, method, err)
	}
	return nil
}

var _ gateway.Gateway = (*Fake)(nil)
