// Package sqlite provides a SQLite-backed implementation of every storage
// interface, using the pure-Go modernc.org/sqlite driver and goose
// migrations embedded in the binary.
//
// Code and token rows are keyed by the SHA-256 of their value. Consumption
// and rotation are single conditional UPDATE ... RETURNING statements, so a
// code or refresh token can be spent once no matter how many callers race.
// Revocation of a lineage is one UPDATE over the grant_id index.
//
// Expired rows are deleted by a background sweep (see Config.SweepInterval)
// or on demand with Sweep.
//
//	store, err := sqlite.Open(ctx, sqlite.Config{Path: "/var/lib/oidc/state.db"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package sqlite
