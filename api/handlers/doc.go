/*
Package handlers implements the DreamForge HTTP endpoints: pipeline
lifecycle and stage operations, credit account queries, the operator
preview surface, health probes and the WebSocket progress feed.

# Core types

  - PipelineHandler — pipeline CRUD, stage starts, polling and reset
  - CreditsHandler  — balance and transaction history for the caller
  - AdminHandler    — preview overlay, cross-user reset, credit grants
  - ProgressHandler — WebSocket feed for the image stage
  - HealthHandler   — /health, /healthz, /ready, /version
  - Response        — uniform JSON envelope (success + data + error)
  - ResponseWriter  — wraps http.ResponseWriter to capture status codes

# Shared helpers

  - WriteSuccess / WriteError / WriteJSON for the response envelope
  - DecodeJSONBody (1 MB cap, strict mode) and ValidateContentType
  - error code to HTTP status mapping (400/401/402/403/404/409/500)

Handlers never inspect tokens themselves; authentication middleware
places the user and operator ids in the request context and the
ctxkeys accessors read them back.
*/
package handlers
