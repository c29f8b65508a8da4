// Package server hosts the chapter API from a single HTTP server.
//
// The server builds one middleware chain of request ids, logging, metrics,
// security headers, panic recovery, rate limiting, and admin authentication
// so every handler shares the same protections and instrumentation.
package server
