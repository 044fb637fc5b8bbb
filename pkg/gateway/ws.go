package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	gorilla "github.com/gorilla/websocket"

	"github.com/localmesh/localsync/internal/codec"
	"github.com/localmesh/localsync/internal/rand"
	"github.com/localmesh/localsync/pkg/constants"
	"github.com/localmesh/localsync/pkg/logger"
)

// DefaultDialer is the gorilla dialer used by the WebSocket gateway, with
// compression enabled and the cbor subprotocol announced.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

type WebSocketParams struct {
	BaseURL     string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      logger.Logger
	// CallTimeout bounds the wait for a response after a request was
	// written. Zero disables the internal timeout; use context deadlines
	// instead.
	CallTimeout time.Duration
	// SignHook, when set, runs before every outbound request.
	SignHook SignHook
	// NotificationBuffer sizes the signal channel. Defaults to the
	// subscriber queue default.
	NotificationBuffer int
}

// WebSocket is the gorilla-backed Gateway implementation. One reader
// goroutine correlates responses to callers by request ID and fans
// ID-less messages into the notification stream.
type WebSocket struct {
	baseURL     string
	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	logger      logger.Logger
	timeout     time.Duration
	signHook    SignHook

	conn     *gorilla.Conn
	connLock sync.Mutex

	respLock  sync.RWMutex
	responses map[string]chan RPCResponse

	notifications chan Signal

	stateLock  sync.Mutex
	connected  bool
	lastErr    error
	closeChan  chan struct{}
	closeError error
}

var _ Gateway = (*WebSocket)(nil)

func NewWebSocket(p WebSocketParams) *WebSocket {
	if p.Marshaler == nil {
		p.Marshaler = codec.CBOR{}
	}
	if p.Unmarshaler == nil {
		p.Unmarshaler = codec.CBOR{}
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.NotificationBuffer <= 0 {
		p.NotificationBuffer = constants.DefaultSubscriberQueueSize
	}
	return &WebSocket{
		baseURL:       p.BaseURL,
		marshaler:     p.Marshaler,
		unmarshaler:   p.Unmarshaler,
		logger:        p.Logger,
		timeout:       p.CallTimeout,
		signHook:      p.SignHook,
		responses:     make(map[string]chan RPCResponse),
		notifications: make(chan Signal, p.NotificationBuffer),
		closeChan:     make(chan struct{}),
	}
}

func (ws *WebSocket) Connect(ctx context.Context) error {
	if ws.baseURL == "" {
		return constants.ErrNoBaseURL
	}

	conn, res, err := DefaultDialer.DialContext(ctx, ws.baseURL, nil)
	if err != nil {
		ws.setStatus(false, err)
		return fmt.Errorf("%w: dialing %s: %v", constants.ErrTransient, ws.baseURL, err)
	}
	defer res.Body.Close()

	ws.connLock.Lock()
	ws.conn = conn
	ws.connLock.Unlock()

	ws.stateLock.Lock()
	// A fresh closeChan per connection lets the gateway be reconnected
	// after a Close or transport drop.
	select {
	case <-ws.closeChan:
		ws.closeChan = make(chan struct{})
	default:
	}
	ws.closeError = nil
	ws.stateLock.Unlock()
	ws.setStatus(true, nil)

	go ws.readLoop()
	return nil
}

// Close sends a best-effort close frame, then tears the connection down.
// The context bounds the close-frame write only; local teardown always runs.
func (ws *WebSocket) Close(ctx context.Context) error {
	ws.connLock.Lock()
	defer ws.connLock.Unlock()

	if ws.conn == nil {
		return nil
	}

	ws.stateLock.Lock()
	select {
	case <-ws.closeChan:
	default:
		close(ws.closeChan)
	}
	ws.closeError = net.ErrClosed
	ws.stateLock.Unlock()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- ws.conn.WriteMessage(
			gorilla.CloseMessage,
			gorilla.FormatCloseMessage(constants.CloseMessageCode, ""),
		)
	}()
	select {
	case err := <-writeErr:
		if err != nil {
			ws.logger.Error("failed to write close message", "error", err)
		}
	case <-ctx.Done():
	}

	err := ws.conn.Close()
	ws.conn = nil
	ws.setStatus(false, nil)
	return err
}

func (ws *WebSocket) Status() Status {
	ws.stateLock.Lock()
	defer ws.stateLock.Unlock()
	return Status{Connected: ws.connected, Err: ws.lastErr}
}

func (ws *WebSocket) Notifications() <-chan Signal {
	return ws.notifications
}

// Call sends one request and waits for the correlated response or timeout.
func (ws *WebSocket) Call(ctx context.Context, dest any, method string, params ...any) error {
	if ws.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ws.timeout)
		defer cancel()
	}

	ws.stateLock.Lock()
	closeChan := ws.closeChan
	closeError := ws.closeError
	connected := ws.connected
	ws.stateLock.Unlock()

	select {
	case <-closeChan:
		if closeError != nil {
			return fmt.Errorf("%w: %v", constants.ErrTransient, closeError)
		}
		return constants.ErrNotConnected
	default:
	}
	if !connected {
		return constants.ErrNotConnected
	}

	req := &RPCRequest{
		ID:     rand.NewRequestID(constants.RequestIDLength),
		Method: method,
		Params: params,
	}
	if ws.signHook != nil {
		if err := ws.signHook(ctx, req); err != nil {
			return fmt.Errorf("signing request: %w", err)
		}
	}

	responseChan, err := ws.createResponseChannel(req.ID)
	if err != nil {
		return err
	}
	defer ws.removeResponseChannel(req.ID)

	if err := ws.write(req); err != nil {
		return fmt.Errorf("%w: writing request: %v", constants.ErrTransient, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: waiting for response to %s", constants.ErrTimeout, method)
		}
		return ctx.Err()
	case res, open := <-responseChan:
		if !open {
			return fmt.Errorf("%w: response channel closed", constants.ErrTransient)
		}
		if res.Error != nil {
			return res.Error
		}
		if dest == nil || res.Result == nil {
			return nil
		}
		if err := ws.unmarshaler.Unmarshal(res.Result, dest); err != nil {
			return fmt.Errorf("%w: unmarshaling %s result: %v", constants.ErrValidation, method, err)
		}
		return nil
	}
}

func (ws *WebSocket) createResponseChannel(id string) (chan RPCResponse, error) {
	ws.respLock.Lock()
	defer ws.respLock.Unlock()

	if _, ok := ws.responses[id]; ok {
		return nil, fmt.Errorf("%w: %v", constants.ErrIDInUse, id)
	}
	ch := make(chan RPCResponse, 1)
	ws.responses[id] = ch
	return ch, nil
}

func (ws *WebSocket) removeResponseChannel(id string) {
	ws.respLock.Lock()
	defer ws.respLock.Unlock()
	delete(ws.responses, id)
}

func (ws *WebSocket) getResponseChannel(id string) (chan RPCResponse, bool) {
	ws.respLock.RLock()
	defer ws.respLock.RUnlock()
	ch, ok := ws.responses[id]
	return ch, ok
}

func (ws *WebSocket) write(v any) error {
	data, err := ws.marshaler.Marshal(v)
	if err != nil {
		return err
	}

	ws.connLock.Lock()
	defer ws.connLock.Unlock()
	if ws.conn == nil {
		return constants.ErrNotConnected
	}
	return ws.conn.WriteMessage(gorilla.BinaryMessage, data)
}

func (ws *WebSocket) readLoop() {
	ws.stateLock.Lock()
	closeChan := ws.closeChan
	ws.stateLock.Unlock()

	for {
		select {
		case <-closeChan:
			return
		default:
			ws.connLock.Lock()
			conn := ws.conn
			ws.connLock.Unlock()
			if conn == nil {
				return
			}

			_, data, err := conn.ReadMessage()
			if err != nil {
				if ws.handleReadError(err, closeChan) {
					return
				}
				continue
			}
			ws.handleMessage(data)
		}
	}
}

// handleReadError reports whether the read loop should exit.
func (ws *WebSocket) handleReadError(err error, closeChan chan struct{}) bool {
	select {
	case <-closeChan:
		return true
	default:
	}

	if errors.Is(err, net.ErrClosed) || gorilla.IsUnexpectedCloseError(err) {
		ws.stateLock.Lock()
		ws.closeError = io.ErrClosedPipe
		ws.stateLock.Unlock()
		ws.setStatus(false, err)
		ws.logger.Warn("gateway connection lost", "error", err)
		return true
	}

	ws.logger.Error("gateway read error", "error", err)
	return false
}

func (ws *WebSocket) handleMessage(data []byte) {
	var res RPCResponse
	if err := ws.unmarshaler.Unmarshal(data, &res); err != nil {
		ws.logger.Error("unparseable gateway message", "error", err)
		return
	}

	if res.ID != "" {
		responseChan, ok := ws.getResponseChannel(res.ID)
		if !ok {
			// The caller may have timed out and removed its channel.
			ws.logger.Debug("response for unknown request id", "id", res.ID)
			return
		}
		responseChan <- res
		return
	}

	var sig Signal
	if err := cbor.Unmarshal(res.Result, &sig); err != nil {
		ws.logger.Error("unparseable signal payload", "error", err)
		return
	}
	sig.ReceivedAt = time.Now()

	select {
	case ws.notifications <- sig:
	default:
		ws.logger.Warn("notification buffer full, dropping signal", "kind", sig.Kind, "identity", sig.Identity)
	}
}

func (ws *WebSocket) setStatus(connected bool, err error) {
	ws.stateLock.Lock()
	defer ws.stateLock.Unlock()
	ws.connected = connected
	if err != nil {
		ws.lastErr = err
	}
}
