// Package ttlcache provides a bounded, expiring, least-recently-used map.
package ttlcache
