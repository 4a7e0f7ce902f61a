// Package auth authenticates the operator API.
//
// # Model
//
// The gateway has a single-operator trust model: one password, hashed with
// bcrypt in the config file, exchanged at /api/login for an HS256 JWT.
// Every protected endpoint takes that token as a bearer header; stream
// endpoints also accept a token query parameter because EventSource
// cannot set headers. Leaving jwt_secret unset disables auth entirely,
// which is only sane when the console listens on loopback.
//
// # Usage
//
//	a := auth.New(secret)
//	token, err := a.Generate("operator", ttl)
//	operator, err := a.Verify(token)
//
// Middleware wraps handlers, rejects bad tokens with a 401 JSON body, and
// attaches an Identity retrievable via FromContext.
package auth
