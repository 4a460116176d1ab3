// Package events carries post-commit notifications between scheduler
// components: task state changes feed the scheduling loop, deletions evict
// queued work, and StorageReady arms scheduling after recovery replay.
package events
