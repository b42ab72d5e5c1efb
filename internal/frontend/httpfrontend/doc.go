// Package httpfrontend serves plain HTTP clients.
//
// Each HTTP request opens a connection, runs it through the connection
// chain and submits a single request built by an Extractor (query
// parameters by default). The handler then waits for the first response
// addressed to that connection and writes it as the body.
//
// Status codes:
//
//	200  response body (JSON content type when the body is JSON)
//	204  the gateway dropped the request without answering
//	400  a plugin rejected the connection or request: {"error": "<message>"}
//	500  internal failure: {"error": "Unfortunately, an error occurred. ..."}
//	504  no response within ResponseTimeout
package httpfrontend
