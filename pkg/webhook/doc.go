// Package webhook hosts the local HTTP endpoint a context broker delivers
// notifyContextRequest bodies to.
//
// A Receiver listens on one address and accepts POST requests on a single
// callback path, which defaults to an unguessable /notify/<uuid>. Bodies are
// handed to the callback given to Listen. Requests can additionally be
// required to carry a bearer credential: a static token, an HS256 JWT, or
// either.
package webhook
