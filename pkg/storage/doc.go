// Package storage archives the latest snapshot of every context element a
// stream delivered.
//
// Snapshots are scoped by tenant, the broker's Fiware-Service, which travels
// in the context (see SetTenant). Adapters live in the memory and postgres
// subpackages and implement Store.
package storage
