// Package usagecache persists each user's entitlement snapshot locally so
// the UI can answer "may I use this?" without a round-trip.
//
// A snapshot holds the subscription record, the daily credit counter and the
// trial ledger entry. It is stored as a versioned JSON blob under
// "usage_{userID}". Blobs written before versioning (a bare
// {count, lastUsedAt, resetTime} object) are migrated on read. The signed-in
// user's identity lives separately under "user_{userID}".
//
// Three Store backends are provided: MemoryStore, SQLiteStore for a local file
// and RedisStore for a shared cache. Cache sits on top of any of them with a
// bounded in-memory layer.
//
// Only Update mutates a snapshot. It holds a per-user lock for the
// read-modify-write so two spends never race on the same counter:
//
//	snap, err := cache.Update(ctx, userID, func(s *usagecache.Snapshot) error {
//		if s.Quota.Exhausted() {
//			return errNoCredits
//		}
//		s.Quota.Count++
//		return nil
//	})
//
// The daily reset is applied lazily on every Load and Update.
package usagecache
