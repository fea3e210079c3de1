// Package api hosts the admin HTTP API of the stream engine.
//
// Handler exposes the operator actions (list, stop, cleanup, sync, stats,
// health, debug, clear redirects) and the viewer entry points (open, poll,
// close) as JSON over a chi router. Dependencies are injected through Config;
// the package holds no globals. Router assembles the middleware stack: request
// ids, request logging, HTTP metrics and the optional bearer token check that
// guards everything except /healthz and /metrics.
package api
