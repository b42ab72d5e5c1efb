// Package auth authenticates client connections.
//
// # Tokens
//
// Two verifiers implement TokenVerifier:
//
//   - SignedTokenVerifier: tokens of the form s:<identity>.<signature>, where
//     the signature is the base64 HMAC-SHA256 of the identity with '+' and
//     '=' removed. This is the signed-cookie format of common web
//     frameworks, so a session cookie issued by an existing app can be used
//     as-is.
//
//   - JWTVerifier: HS256 JWTs that must carry "exp"; the "sub" claim is the user id.
//
// # Authenticator
//
// Authenticator is a connection-chain plugin. It reads a token with a
// TokenSource (query parameter, header or cookie) and, when the token
// verifies, sets the connection's user id:
//
//	signer := auth.NewSignedTokenVerifier([]byte(secret))
//	a := auth.NewAuthenticator(signer, auth.WithStrict(true))
//
// In strict mode a missing or invalid token rejects the connection with
// InvalidTokenMessage. Otherwise the connection is admitted without a user
// id and later plugins decide what anonymous clients may do.
package auth
