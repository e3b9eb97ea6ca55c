package telemetry

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const stateShards = 32

type stateShard struct {
	mu     sync.RWMutex
	robots map[string]RobotState
}

// Store holds the current RobotState of every robot. Values are copied in
// and out. The ingestion path is its only writer.
type Store struct {
	shards [stateShards]*stateShard
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &stateShard{robots: make(map[string]RobotState)}
	}
	return s
}

func partition(robotID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(robotID)) //nolint:errcheck // hash.Hash never fails
	return int(h.Sum32() % uint32(n))
}

func (s *Store) shardFor(robotID string) *stateShard {
	return s.shards[partition(robotID, stateShards)]
}

// Get returns the state of robotID.
func (s *Store) Get(robotID string) (RobotState, bool) {
	sh := s.shardFor(robotID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.robots[robotID]
	if !ok {
		return RobotState{}, false
	}
	return st.Clone(), true
}

// GetCompany returns the state of robotID if companyID owns it.
func (s *Store) GetCompany(companyID, robotID string) (RobotState, bool) {
	st, ok := s.Get(robotID)
	if !ok || st.CompanyID != companyID {
		return RobotState{}, false
	}
	return st, true
}

// ListCompany returns the robots owned by companyID ordered by id.
func (s *Store) ListCompany(companyID string) []RobotState {
	out := []RobotState{}
	for _, st := range s.List() {
		if st.CompanyID == companyID {
			out = append(out, st)
		}
	}
	return out
}

// List returns every robot ordered by id.
func (s *Store) List() []RobotState {
	var out []RobotState
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, st := range sh.robots {
			out = append(out, st.Clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RobotID < out[j].RobotID })
	return out
}

// Len returns the number of known robots.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.robots)
		sh.mu.RUnlock()
	}
	return n
}

// Fleet counts online robots and robots per alarm level.
func (s *Store) Fleet() (online int, alarms map[string]int) {
	alarms = make(map[string]int, 3)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, st := range sh.robots {
			if st.Online() {
				online++
			}
			alarms[string(st.AlarmStatus)]++
		}
		sh.mu.RUnlock()
	}
	return online, alarms
}

// apply runs fn on the current state of robotID (nil if unknown) under the
// shard write lock and stores the result. fn must not block.
func (s *Store) apply(robotID string, fn func(prev *RobotState) RobotState) RobotState {
	st, _ := s.update(robotID, func(prev *RobotState) (RobotState, bool) {
		return fn(prev), true
	})
	return st
}

// update is apply with a veto: the result is stored and returned only when
// fn reports true.
func (s *Store) update(robotID string, fn func(prev *RobotState) (RobotState, bool)) (RobotState, bool) {
	sh := s.shardFor(robotID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var prev *RobotState
	if cur, ok := sh.robots[robotID]; ok {
		prev = &cur
	}
	next, ok := fn(prev)
	if !ok {
		return RobotState{}, false
	}
	sh.robots[robotID] = next.Clone()
	return next, true
}

// Restore loads persisted states. Every restored robot is marked offline
// until it reports again. Existing entries are left alone.
func (s *Store) Restore(states []RobotState) int {
	n := 0
	for _, st := range states {
		if st.RobotID == "" {
			continue
		}
		st = st.Clone()
		st.ConnectionStatus = Offline

		sh := s.shardFor(st.RobotID)
		sh.mu.Lock()
		if _, exists := sh.robots[st.RobotID]; !exists {
			sh.robots[st.RobotID] = st
			n++
		}
		sh.mu.Unlock()
	}
	return n
}

// staleCandidates returns the online robots last seen before cutoff.
func (s *Store) staleCandidates(cutoff time.Time) []string {
	var ids []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id, st := range sh.robots {
			if st.Online() && st.LastSeenAt.Before(cutoff) {
				ids = append(ids, id)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// expire flips robotID to offline if it is still online and was last seen
// before cutoff.
func (s *Store) expire(robotID string, cutoff, now time.Time) (RobotState, bool) {
	return s.update(robotID, func(prev *RobotState) (RobotState, bool) {
		if prev == nil || !prev.Online() || !prev.LastSeenAt.Before(cutoff) {
			return RobotState{}, false
		}
		st := prev.Clone()
		st.ConnectionStatus = Offline
		st.UpdatedAt = now
		return st, true
	})
}

// markStale flips robots last seen before cutoff to offline and returns
// the changed states. The age is re-checked under each shard lock.
func (s *Store) markStale(cutoff, now time.Time) []RobotState {
	var changed []RobotState
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, st := range sh.robots {
			if st.Online() && st.LastSeenAt.Before(cutoff) {
				st.ConnectionStatus = Offline
				st.UpdatedAt = now
				sh.robots[id] = st
				changed = append(changed, st.Clone())
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].RobotID < changed[j].RobotID })
	return changed
}
