// Package latency logs and records how long each request takes to be
// answered.
package latency
