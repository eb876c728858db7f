// Package api provides the portal REST client used to obtain sessions for
// the realtime channel.
//
// Endpoints:
//   - POST /auth/login    email and password, returns a session
//   - POST /auth/refresh  bearer access token, returns a fresh session
package api
