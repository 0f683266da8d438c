// Package store provides the key-value storage the gateway writes progress
// records into.
//
// # Architecture
//
// The Store interface is deliberately small: Get, Set and Delete by key. There
// are no transactions and no conditional writes, so callers that need
// read-modify-write ordering must supply it themselves.
//
// Four backends implement the interface:
//
//   - MemoryStore: in-process map, for development and tests
//   - SQLiteStore: one kv table, via modernc.org/sqlite
//   - BoltStore: one bucket in an embedded bbolt file
//   - RedisStore: plain keys with native expiry, via go-redis
//
// Open selects a backend from Options.Driver.
//
// # Values
//
// Every value is a JSON object. A top-level "ttl" field holding epoch seconds
// marks when the value expires:
//
//	{"ttl": 1767225600, "tokens": [...]}
//
// Expired values are never returned by Get. MemoryStore, SQLiteStore and
// BoltStore hide them on read and remove them in a periodic sweep; RedisStore
// maps the field onto EXPIREAT. A ttl of zero or a missing field means the
// value never expires.
//
// # Error Handling
//
//   - ErrNotFound: key is absent or expired
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMemoryStore(0) for unit tests. The conformance suite in store_test.go
// runs every backend, with Redis served by miniredis.
package store
