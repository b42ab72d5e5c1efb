// Package cache answers repeated requests from a response store.
//
// The plugin computes a key per request. On a hit it injects the stored
// response through the pipeline's response sender and drops the request; on
// a miss it lets the request through and stores the backend's response when
// it comes back through the response chain.
//
// Stores are MemoryStore (bounded, TTL, LRU) and RedisStore, which lets
// several gateway instances share one cache.
package cache
