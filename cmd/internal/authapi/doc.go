// Package authapi is the HTTP client for the docs server's auth endpoints
// (/auth/login/, /auth/refresh/, /auth/user/ ...).
//
// Credentials travel as cookies set by the server; the client keeps them in a
// cookie jar and never inspects token values. The only token metadata it
// surfaces is the declared access-token lifetime.
package authapi
