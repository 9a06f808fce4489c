// Package sinks holds progress.Sink implementations: structured logging
// and Prometheus collectors.
package sinks
