// Package storage defines the persistence contracts of the authorization
// server: the client registry, consent records, principals and the record store
// holding authorization codes and issued tokens.
//
// The record store is the single writer of codes and tokens. Implementations
// must make ConsumeAuthorizationCode and RotateRefreshToken atomic: of any set
// of concurrent callers presenting the same value, exactly one succeeds.
//
// Token values are never persisted. Records are keyed by HashToken(value).
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps, for development and tests
//   - storage/redis: go-redis backend with Lua scripts for the atomic paths
//   - storage/sqlite: modernc.org/sqlite backend with goose migrations
//   - storage/cache: read-through cache in front of any ClientStore
//   - storage/mock: failure-injecting fake for unit tests
package storage
