// Package job defines the persisted job record, its variants and behaviours,
// dependency edges, and the retry backoff shared by every queue.
package job
