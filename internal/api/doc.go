// Package api hosts HTTP handlers that front the chapter REST API.
//
// Handler delegates reads to a chapters.Service and bulk uploads to an
// ingest.Pipeline, both injected at construction time. The package does not
// reach for globals and expects callers to supply fully configured
// dependencies.
//
// Handlers assume upstream middleware from internal/server has already
// enforced rate limiting, admin authentication for writes, request ids,
// metrics, and logging. New routes should preserve that contract rather than
// repeating those checks here.
package api
