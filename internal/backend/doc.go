// Package backend defines the contract between the gateway and the services
// it fronts.
//
// Synchronous backends (httpbackend, grpcbackend) answer inside HandleRequest
// by calling the ResponseFunc before returning. Asynchronous backends
// (natsbackend, kafkabackend) publish the request stamped with correlation
// fields and answer later from a consumer goroutine; they implement
// [ConnectionObserver] and keep a correlation.Registry of open connections so
// replies can be matched to a connection or fanned out to a user.
package backend
