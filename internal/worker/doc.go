/*
Package worker serves start, sync, eval and callAddon.

A Worker owns the sandbox, the addon registry and the error formatter. It is
created during startup, stays closed until Ready is called, and from then on
answers every request. Each connected host gets an Endpoint whose scopes
route effects and record commits back to that host.

Every eval and addon call moves through Idle, Running, Succeeded or Failed,
and finally Synced when its records were flushed. Script and addon errors
never leave the worker raw: callers receive formatted, path-redacted text or
no value at all.

# Usage

	w := worker.New(runtime, registry, formatter, logger, worker.WithMetrics(metrics))
	// ... load addons into registry ...
	w.Ready(err)

	conn := rpc.NewConn(transport, rpc.CBOR, rpc.WithKeyFunc(worker.SessionKey))
	w.Register(conn)
	conn.Serve(ctx)
*/
package worker
