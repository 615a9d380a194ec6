// Package auth authenticates bridge clients.
//
// An Authenticator checks one credential string, taken by the HTTP layer from
// an "Authorization: Bearer" header or an "apiKey" query parameter. Two
// implementations are provided and may be combined with AnyOf:
//
//   - APIKeyAuthenticator compares the credential with a shared API key,
//     optionally read from a file that is reloaded when it changes.
//   - NewFromDiscovery validates JWT access tokens against an OpenID
//     Connect issuer.
//
// Errors wrap ErrUnauthorized or ErrInsufficientScope; ChallengeFor maps them
// to the HTTP status and WWW-Authenticate header to send.
package auth
