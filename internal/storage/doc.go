// Package storage persists job records and their dependency edges.
//
// Two drivers share the Store/Tx contract:
//   - sqlite: durable, the default
//   - memory: for tests and throwaway runs
package storage
