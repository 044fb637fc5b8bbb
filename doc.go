// Package localsync is a local-first data synchronization client.
//
// It keeps a bounded in-memory cache of immutable entry versions in sync
// with a remote backend over an asynchronous gateway. Reads are served from
// the cache when fresh; misses deduplicate against in-flight fetches, route
// divergent versions through a pluggable conflict resolver, and write the
// resolved entry back. Push signals from the backend invalidate affected
// entries and fan out, in arrival order, to application subscribers. A
// supervisor owns the connection state machine, reconnecting with capped
// exponential backoff and supporting an explicit offline mode.
//
// Minimal usage:
//
//	client, err := localsync.New(localsync.Params{
//		BaseURL: "wss://sync.example.com/rpc",
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	profile, err := client.SyncEntry(ctx, "profile", "profile:alice")
//
// The subpackages are usable on their own: pkg/cache, pkg/conflict,
// pkg/signal, pkg/engine, pkg/reconnect, pkg/gateway, and pkg/storage.
package localsync
