package risk

import (
	"context"
	"hash/fnv"
	"maps"
	"net"
	"sync"
	"time"
)

const (
	historyShards = 32

	// DefaultHistoryLimit bounds the IPs and devices kept per user.
	DefaultHistoryLimit = 16
)

// Profile is a copy of what History knows about one user.
type Profile struct {
	IPs     map[string]time.Time
	Devices map[string]time.Time
}

// KnownIP reports whether ip has been seen for this user.
func (p Profile) KnownIP(ip string) bool {
	_, ok := p.IPs[ip]
	return ok
}

// KnownDevice reports whether device has been seen for this user.
func (p Profile) KnownDevice(device string) bool {
	_, ok := p.Devices[device]
	return ok
}

// DistinctIPsSince counts IPs last seen at or after since.
func (p Profile) DistinctIPsSince(since time.Time) int {
	n := 0
	for _, at := range p.IPs {
		if !at.Before(since) {
			n++
		}
	}
	return n
}

// HistorySource supplies behaviour profiles to the engine.
type HistorySource interface {
	Profile(ctx context.Context, userID string) (Profile, error)
	Record(userID string, rc RequestContext)
}

type historyShard struct {
	mu    sync.RWMutex
	users map[string]*Profile
}

// History is the in-memory HistorySource. Each user keeps at most limit
// IPs and limit devices; the least recently seen is evicted first.
type History struct {
	shards [historyShards]*historyShard
	limit  int
}

// NewHistory creates an empty history. limit <= 0 uses DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	h := &History{limit: limit}
	for i := range h.shards {
		h.shards[i] = &historyShard{users: make(map[string]*Profile)}
	}
	return h
}

func (h *History) shardFor(userID string) *historyShard {
	f := fnv.New32a()
	f.Write([]byte(userID)) //nolint:errcheck // hash.Hash never fails
	return h.shards[f.Sum32()%historyShards]
}

// Profile returns a snapshot of userID's history. Unknown users get an
// empty profile.
func (h *History) Profile(ctx context.Context, userID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	sh := h.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	p, ok := sh.users[userID]
	if !ok {
		return Profile{IPs: map[string]time.Time{}, Devices: map[string]time.Time{}}, nil
	}
	return Profile{IPs: maps.Clone(p.IPs), Devices: maps.Clone(p.Devices)}, nil
}

// Record notes the IP and device of rc against userID. Missing or
// unparsable values are not recorded.
func (h *History) Record(userID string, rc RequestContext) {
	at := rc.At
	if at.IsZero() {
		at = time.Now()
	}

	sh := h.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.users[userID]
	if !ok {
		p = &Profile{IPs: make(map[string]time.Time), Devices: make(map[string]time.Time)}
		sh.users[userID] = p
	}
	if ip := net.ParseIP(rc.IP); ip != nil {
		touch(p.IPs, ip.String(), at, h.limit)
	}
	if rc.DeviceID != "" {
		touch(p.Devices, rc.DeviceID, at, h.limit)
	}
}

// Users returns how many users have history.
func (h *History) Users() int {
	n := 0
	for _, sh := range h.shards {
		sh.mu.RLock()
		n += len(sh.users)
		sh.mu.RUnlock()
	}
	return n
}

func touch(seen map[string]time.Time, value string, at time.Time, limit int) {
	if prev, ok := seen[value]; ok && prev.After(at) {
		return
	}
	seen[value] = at
	for len(seen) > limit {
		var (
			oldest   string
			oldestAt time.Time
		)
		for v, t := range seen {
			if oldest == "" || t.Before(oldestAt) || (t.Equal(oldestAt) && v < oldest) {
				oldest, oldestAt = v, t
			}
		}
		delete(seen, oldest)
	}
}
