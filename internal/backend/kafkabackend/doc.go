// Package kafkabackend exchanges requests and replies with workers over
// Kafka topics.
//
// Requests are produced to the request topic keyed by connection id. Replies
// are read from every partition of the reply topic by every gateway
// instance; each instance delivers only replies for connections it holds,
// and pushes addressed to a user reach that user's connections on every
// instance.
package kafkabackend
