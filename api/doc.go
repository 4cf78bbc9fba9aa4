// Package api defines the request and response DTOs exchanged over the
// DreamForge HTTP API.
//
// The API is a RESTful surface for:
//   - pipeline lifecycle: create, inspect, per-stage start and poll
//   - free capped single-angle regeneration and reset-to-step
//   - credit balance and transaction history
//   - operator preview, cross-user reset and credit grants
//
// Authenticated endpoints expect a bearer token:
//
//	Authorization: Bearer <jwt>
//
// Operator endpoints additionally require the token to carry the
// operator claim. The default base URL is http://localhost:8080.
package api
