// Package plugin defines the middleware contract.
//
// A plugin is any value implementing one or more of [ConnectionHandler],
// [RequestHandler] and [ResponseHandler]. Handlers run in registration order
// and each one sees the item produced by the one before it. The result of a
// handler decides what happens next:
//
//	return nil, nil             // continue with the item unchanged
//	return replacement, nil     // continue with the replacement
//	return nil, Reject("msg")   // stop, tell the client "msg"
//	return nil, ErrDrop         // stop silently
//	return nil, err             // stop, log err, send the client a generic error
//
// Plugins that need to answer a request without the backend implement
// [ResponseSenderAware] and are handed a [SendResponse] at registration.
package plugin
