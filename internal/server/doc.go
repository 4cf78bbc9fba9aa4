/*
Package server manages HTTP server lifecycle: non-blocking startup,
graceful shutdown and termination signal handling.

Manager wraps net/http.Server and owns the listener, the serve
goroutine and an asynchronous error channel. Start and StartTLS run
the server in the background; Shutdown drains in-flight requests
within the configured timeout; WaitForShutdown blocks until SIGINT or
SIGTERM and then shuts down.

The API listener and the Prometheus metrics listener each get their
own Manager instance.
*/
package server
