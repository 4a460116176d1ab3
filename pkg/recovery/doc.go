// Package recovery implements backup export and staged restore. Backups are
// full store snapshots archived in a local bbolt database; restore is
// staged, optionally pruned task by task, then committed atomically over the
// live stores.
package recovery
