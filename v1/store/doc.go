// Package store provides the shared key-value capability the queue lock
// coordinates through. Values are opaque byte blobs with an absolute
// expiration. Backends: an in-memory map with a background sweeper, Redis and
// Ristretto. Backends that can mutate a key atomically implement Updater.
package store
