// Package restriction holds the contextual restrictions the risk engine
// places on users.
//
// A restriction is keyed by (userID, scope). The empty scope means "any
// resource". Entries carry an absolute ValidUntil and disappear lazily on
// the first read after it passes; Compact and Run sweep the rest.
//
// The store is split into 32 shards selected by FNV-1a of the key, each
// with its own RWMutex. Restrictions are copied in and out, so callers may
// keep or mutate what they get back.
//
// Usage:
//
//	store := restriction.NewStore(nil)
//	store.Set(userID, "", r, time.Now().Add(time.Hour))
//
//	if r, ok := store.Effective(userID, scope); ok {
//	    if err := r.Permits(req); err != nil {
//	        // 403
//	    }
//	}
package restriction
