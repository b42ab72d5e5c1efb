// Package ratelimit provides a per-client token-bucket request plugin.
package ratelimit
