// Package memory provides an in-memory implementation of every storage
// interface.
//
// Maps are guarded by one sync.RWMutex. Code consumption and refresh
// rotation take the write lock, so they are atomic with respect to every
// other operation. A background loop sweeps records past their expiry plus
// the clock skew grace period.
//
// Suitable for development, tests and single-instance deployments. Use
// storage/redis or storage/sqlite when records must survive a restart.
//
//	store := memory.New()
//	defer store.Stop()
package memory
