/*
Package httpserver runs the node's HTTP surface.

A Server mounts the routes of any number of handlers (peer RPC, quote API,
admin API) on one chi router, adds request logging and the health endpoints,
and optionally serves pprof and a separate Prometheus metrics listener.

# Health endpoints

  - GET /livez always reports alive
  - GET /readyz reports 503 while the node is draining or not yet ready
  - GET /drain and GET /undrain toggle readiness

Shutdown drains first, then stops the API and metrics listeners within
GracefulShutdownDuration.
*/
package httpserver
