// Package redis provides a Redis-backed implementation of every storage
// interface using go-redis.
//
// Layout, relative to Config.KeyPrefix:
//
//	client:<id>                 sealed client JSON, created with SET NX
//	clients                     set of client ids
//	principal:<name>            sealed principal JSON
//	consent:<client>:<name>     set of approved scopes (SADD)
//	code:<sha256>               hash: data, consumed, consumed_at, expires_at
//	token:<sha256>              hash: data, type, grant_id, revoked, revoked_at, expires_at
//	grant:<grant id>            set of token hashes in the lineage
//	grant:<grant id>:revoked    revocation time of a revoked lineage
//
// Codes and tokens carry native TTLs of their expiry plus the clock skew
// grace. Consumption, rotation and revocation run as Lua scripts, so each is
// atomic on the server.
//
// When Config.Encryptor is set the "data" payloads are sealed with AES-GCM
// bound to their key name. State fields stay readable to the scripts.
//
//	store, err := redis.New(redis.Config{Addrs: []string{"localhost:6379"}})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package redis
