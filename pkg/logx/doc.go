// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger value (not a pointer); the zero value is a
// safe no-op. A Logger created from a Service stays live across Apply()
// calls, so sinks and levels can be swapped at runtime without re-wiring
// every component.
package logx
