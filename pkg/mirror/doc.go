// Package mirror keeps a queryable copy of what a stream delivers.
//
// Run drains a stream into a storage.Store, one snapshot per element, and
// Handler serves the archive over HTTP:
//
//	GET /v1/entities?type=Room&limit=50&after=Room/Room1
//	GET /v1/entities/{type}/{id}
//	GET /healthz
//
// Reads are scoped by the Fiware-Service request header, falling back to
// the tenant the mirror writes under.
package mirror
