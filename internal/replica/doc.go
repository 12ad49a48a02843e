// Package replica implements offline-first replicated tables over the
// shared store.
//
// A Table[T] keeps one logical table of JSON payloads in the local SQLite
// store and reconciles it with an authoritative remote store on Sync.
// Reads and writes work while disconnected:
//
//   - Clean rows expire after a TTL, but only while online. Dirty rows
//     (local changes not yet confirmed upstream) never expire and are
//     never evicted.
//   - Writes carry a version that increases by one per write. Set with
//     ExpectVersion gives optimistic concurrency; Update serializes writers
//     of the same row and retries on conflict.
//   - Subscribers receive debounced snapshots: the first change fires at
//     once, further changes in the window coalesce into one trailing fire.
//   - Sync fetches remote changes through a Source, merges each with the
//     local row through a Resolver, and writes the batch in one
//     transaction.
//
// Every Table shares one *store.Manager, created once per process.
package replica
