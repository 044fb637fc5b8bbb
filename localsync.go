package localsync

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/localmesh/localsync/pkg/cache"
	"github.com/localmesh/localsync/pkg/conflict"
	"github.com/localmesh/localsync/pkg/constants"
	"github.com/localmesh/localsync/pkg/engine"
	"github.com/localmesh/localsync/pkg/entry"
	"github.com/localmesh/localsync/pkg/gateway"
	"github.com/localmesh/localsync/pkg/logger"
	"github.com/localmesh/localsync/pkg/reconnect"
	"github.com/localmesh/localsync/pkg/signal"
	"github.com/localmesh/localsync/pkg/storage"
)

// Params configures a Client. Only the gateway endpoint is mandatory:
// either BaseURL for the built-in WebSocket gateway, or a Gateway of your
// own.
type Params struct {
	BaseURL string
	// Gateway overrides the built-in WebSocket gateway. Useful for tests
	// and custom transports.
	Gateway gateway.Gateway

	Logger logger.Logger
	Clock  clockwork.Clock
	// SignHook runs before every outbound request, typically to attach
	// authentication material.
	SignHook    gateway.SignHook
	CallTimeout time.Duration

	// Adapter enables persistence of cache records and conflict history.
	Adapter        storage.Adapter
	CacheSize      int
	CacheTTL       time.Duration
	PersistEntries bool

	// Registry validates fetched entry content against registered types.
	Registry *entry.Registry

	// Merge backs the merge conflict strategy; DefaultStrategy defaults to
	// last-write-wins. OnUnresolved fires for conflicts left pending.
	Merge           conflict.MergeFunc
	DefaultStrategy string
	OnUnresolved    func(conflict.Info)

	SyncStrategy        engine.Strategy
	PriorityTypes       []string
	RefreshInterval     time.Duration
	FetchMethod         string
	BulkFetchMethod     string
	BatchWindow         time.Duration
	BatchSize           int
	MaxRetries          int
	InitialRetryBackoff time.Duration

	SignalHistorySize   int
	SubscriberQueueSize int

	HealthCheckInterval time.Duration
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration

	// PauseWhenDisconnected pauses engine dispatch while the connection is
	// down and resumes it on reconnect, so queued work waits for a live
	// gateway instead of burning retries.
	PauseWhenDisconnected bool
}

// Client assembles the gateway, cache, conflict resolver, signal router,
// sync engine, and reconnection supervisor into one local-first
// synchronization unit.
type Client struct {
	gw         gateway.Gateway
	cache      *cache.Store
	resolver   *conflict.Resolver
	router     *signal.Router
	engine     *engine.Engine
	supervisor *reconnect.Supervisor
	logger     logger.Logger
	clock      clockwork.Clock

	engineSub uuid.UUID
}

func New(p Params) (*Client, error) {
	if p.Gateway == nil && p.BaseURL == "" {
		return nil, constants.ErrNoBaseURL
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}

	gw := p.Gateway
	if gw == nil {
		gw = gateway.NewWebSocket(gateway.WebSocketParams{
			BaseURL:     p.BaseURL,
			Logger:      p.Logger,
			CallTimeout: p.CallTimeout,
			SignHook:    p.SignHook,
		})
	}

	store, err := cache.New(cache.Params{
		MaxRecords: p.CacheSize,
		DefaultTTL: p.CacheTTL,
		Clock:      p.Clock,
		Logger:     p.Logger,
		Adapter:    p.Adapter,
	})
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}

	resolver, err := conflict.New(conflict.Params{
		Logger:          p.Logger,
		Clock:           p.Clock,
		Adapter:         p.Adapter,
		Merge:           p.Merge,
		OnUnresolved:    p.OnUnresolved,
		DefaultStrategy: p.DefaultStrategy,
	})
	if err != nil {
		return nil, fmt.Errorf("building conflict resolver: %w", err)
	}

	router := signal.New(signal.Params{
		Logger:      p.Logger,
		HistorySize: p.SignalHistorySize,
		QueueSize:   p.SubscriberQueueSize,
	})

	eng, err := engine.New(engine.Params{
		Gateway:             gw,
		Cache:               store,
		Resolver:            resolver,
		Logger:              p.Logger,
		Clock:               p.Clock,
		Registry:            p.Registry,
		Strategy:            p.SyncStrategy,
		PriorityTypes:       p.PriorityTypes,
		RefreshInterval:     p.RefreshInterval,
		FetchMethod:         p.FetchMethod,
		BulkFetchMethod:     p.BulkFetchMethod,
		BatchWindow:         p.BatchWindow,
		BatchSize:           p.BatchSize,
		MaxRetries:          p.MaxRetries,
		InitialRetryBackoff: p.InitialRetryBackoff,
		CallTimeout:         p.CallTimeout,
		CacheTTL:            p.CacheTTL,
		PersistEntries:      p.PersistEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("building sync engine: %w", err)
	}

	supervisor, err := reconnect.New(reconnect.Params{
		Gateway:        gw,
		Logger:         p.Logger,
		Clock:          p.Clock,
		CheckInterval:  p.HealthCheckInterval,
		InitialBackoff: p.InitialBackoff,
		MaxBackoff:     p.MaxBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("building reconnection supervisor: %w", err)
	}

	c := &Client{
		gw:         gw,
		cache:      store,
		resolver:   resolver,
		router:     router,
		engine:     eng,
		supervisor: supervisor,
		logger:     p.Logger,
		clock:      p.Clock,
	}

	// Every gateway signal flows through the router; the engine subscribes
	// like any other consumer to invalidate or refresh affected entries.
	c.engineSub = router.Subscribe(signal.Filter{}, eng.HandleSignal)
	go router.Consume(gw.Notifications())

	if p.PauseWhenDisconnected {
		supervisor.OnStateChange(func(state reconnect.State) {
			switch state {
			case reconnect.StateConnected:
				eng.ResumeSync()
			case reconnect.StateError, reconnect.StateOffline:
				eng.PauseSync()
			}
		})
	}

	return c, nil
}

// Connect starts supervision and blocks until the gateway is connected or
// ctx expires. The supervisor keeps retrying in the background either way.
func (c *Client) Connect(ctx context.Context) error {
	c.supervisor.Start()
	for {
		switch c.supervisor.GetConnectionState().Status {
		case reconnect.StateConnected:
			return nil
		case reconnect.StateOffline:
			return constants.ErrOffline
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", constants.ErrNotConnected, ctx.Err())
		case <-c.clock.After(10 * time.Millisecond):
		}
	}
}

// Restore loads persisted cache records from the storage adapter. Call it
// before Connect to serve reads while offline.
func (c *Client) Restore(ctx context.Context) error {
	return c.cache.Restore(ctx)
}

// SyncEntry fetches the entry for (entryType, identity), serving from the
// cache when fresh.
func (c *Client) SyncEntry(ctx context.Context, entryType, identity string) (*entry.Entry, error) {
	return c.engine.SyncEntry(ctx, entryType, identity)
}

// SyncEntries fetches several identities of one type.
func (c *Client) SyncEntries(ctx context.Context, entryType string, identities []string) ([]*entry.Entry, error) {
	return c.engine.SyncEntries(ctx, entryType, identities)
}

// Subscribe registers a signal callback; see signal.Filter for matching.
func (c *Client) Subscribe(filter signal.Filter, cb func(gateway.Signal)) uuid.UUID {
	return c.router.Subscribe(filter, cb)
}

// Unsubscribe removes a signal subscription.
func (c *Client) Unsubscribe(id uuid.UUID) {
	c.router.Unsubscribe(id)
}

// Engine exposes the sync engine for strategy and status control.
func (c *Client) Engine() *engine.Engine { return c.engine }

// Cache exposes the cache store.
func (c *Client) Cache() *cache.Store { return c.cache }

// Resolver exposes the conflict resolver.
func (c *Client) Resolver() *conflict.Resolver { return c.resolver }

// Router exposes the signal router.
func (c *Client) Router() *signal.Router { return c.router }

// Supervisor exposes the reconnection supervisor for offline mode and
// diagnostics.
func (c *Client) Supervisor() *reconnect.Supervisor { return c.supervisor }

// Gateway exposes the underlying gateway.
func (c *Client) Gateway() gateway.Gateway { return c.gw }

// Close shuts the client down in reverse dependency order and flushes
// pending persistence work.
func (c *Client) Close(ctx context.Context) error {
	var firstErr error

	// Supervisor first so nothing reconnects mid-shutdown; it closes the
	// gateway, which ends the router's consume loop.
	if err := c.supervisor.Close(ctx); err != nil {
		firstErr = err
	}
	c.engine.Close()
	c.router.Unsubscribe(c.engineSub)
	c.router.Close()
	if err := c.resolver.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.cache.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
