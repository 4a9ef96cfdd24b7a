// Package dedup is the correctness boundary for "copy each trade exactly
// once". Upstream delivery is at-least-once (websocket replays after
// reconnect, poller overlap), so every event must win CheckAndMark before
// it can reach the executor; concurrent deliveries of the same ID admit
// exactly one winner.
//
// Each target keeps a bounded insertion-ordered set of trade IDs (cap 500).
// On overflow the oldest half is dropped in a single step so eviction cost
// amortizes. The set is persisted best-effort via the store's dedup.json;
// losing it is tolerable because the ingester's age gate stops a fresh start
// from replaying historical trades.
package dedup

import "sync"

const (
	maxIDsPerTarget = 500
)

// Store tracks (target, tradeID) pairs already observed.
type Store struct {
	mu      sync.Mutex
	seen    map[string]map[string]struct{} // target -> set of trade IDs
	order   map[string][]string            // target -> insertion order for eviction
	dirtyCb func()                         // invoked after every mutation (persistence hook)
}

// New creates an empty dedup store. onDirty, if non-nil, is called after
// each mutation so the owner can schedule a debounced save.
func New(onDirty func()) *Store {
	return &Store{
		seen:    make(map[string]map[string]struct{}),
		order:   make(map[string][]string),
		dirtyCb: onDirty,
	}
}

// HasSeen reports whether (target, tradeID) was already observed.
func (s *Store) HasSeen(target, tradeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[target][tradeID]
	return ok
}

// MarkSeen records (target, tradeID). Idempotent.
func (s *Store) MarkSeen(target, tradeID string) {
	s.CheckAndMark(target, tradeID)
}

// CheckAndMark atomically records (target, tradeID) if it was unseen and
// reports whether this call was the first observer. Check and mark happen
// under one lock so two goroutines racing on the same ID cannot both win.
func (s *Store) CheckAndMark(target, tradeID string) bool {
	s.mu.Lock()
	set, ok := s.seen[target]
	if !ok {
		set = make(map[string]struct{})
		s.seen[target] = set
	}
	if _, dup := set[tradeID]; dup {
		s.mu.Unlock()
		return false
	}
	set[tradeID] = struct{}{}
	s.order[target] = append(s.order[target], tradeID)

	if len(s.order[target]) > maxIDsPerTarget {
		s.evictLocked(target)
	}
	s.mu.Unlock()

	if s.dirtyCb != nil {
		s.dirtyCb()
	}
	return true
}

// Unmark forgets (target, tradeID) so a later redelivery is accepted
// again. Callers use it to release a CheckAndMark reservation whose event
// could not be handed off.
func (s *Store) Unmark(target, tradeID string) {
	s.mu.Lock()
	set, present := s.seen[target]
	if present {
		_, present = set[tradeID]
	}
	if present {
		delete(set, tradeID)
		ids := s.order[target]
		for i := len(ids) - 1; i >= 0; i-- {
			if ids[i] == tradeID {
				s.order[target] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if present && s.dirtyCb != nil {
		s.dirtyCb()
	}
}

// evictLocked drops the oldest half of a target's IDs in one step.
func (s *Store) evictLocked(target string) {
	ids := s.order[target]
	half := len(ids) / 2
	for _, id := range ids[:half] {
		delete(s.seen[target], id)
	}
	remaining := make([]string, len(ids)-half)
	copy(remaining, ids[half:])
	s.order[target] = remaining
}

// Count returns how many IDs are tracked for a target.
func (s *Store) Count(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order[target])
}

// Trim enforces the per-target cap across all targets and drops targets
// with no IDs. Called by the supervisor's memory reaper.
func (s *Store) Trim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for target, ids := range s.order {
		if len(ids) == 0 {
			delete(s.order, target)
			delete(s.seen, target)
			continue
		}
		if len(ids) > maxIDsPerTarget {
			s.evictLocked(target)
		}
	}
}

// Snapshot returns a serializable copy: target -> ordered trade IDs.
func (s *Store) Snapshot() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.order))
	for target, ids := range s.order {
		cp := make([]string, len(ids))
		copy(cp, ids)
		out[target] = cp
	}
	return out
}

// Restore replaces the store contents from a persisted snapshot,
// re-applying the per-target cap.
func (s *Store) Restore(snapshot map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]map[string]struct{}, len(snapshot))
	s.order = make(map[string][]string, len(snapshot))
	for target, ids := range snapshot {
		set := make(map[string]struct{}, len(ids))
		var kept []string
		for _, id := range ids {
			if _, dup := set[id]; dup {
				continue
			}
			set[id] = struct{}{}
			kept = append(kept, id)
		}
		s.seen[target] = set
		s.order[target] = kept
		if len(kept) > maxIDsPerTarget {
			s.evictLocked(target)
		}
	}
}
