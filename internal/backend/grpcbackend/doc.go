// Package grpcbackend forwards requests to a worker over a unary gRPC call
// whose request and reply are google.protobuf.Struct messages.
package grpcbackend
