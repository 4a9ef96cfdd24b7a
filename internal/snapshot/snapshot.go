// Package snapshot records periodic equity samples for charting.
//
// One recorder per history document: paper and live accounts chart
// separately. The supervisor samples every two minutes; history is bounded
// by decimating points older than twelve hours ten-to-one before falling
// back to dropping the oldest.
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

const (
	// PaperDoc and LiveDoc are the two history documents.
	PaperDoc = "chart-history.json"
	LiveDoc  = "live-chart-history.json"

	// SampleInterval is how often the supervisor records a point.
	SampleInterval = 2 * time.Minute

	maxPoints     = 5040 // one week at the sample interval
	decimateAfter = 12 * time.Hour
	decimateKeep  = 10 // keep every Nth old point
)

// Recorder appends equity samples to one history document.
type Recorder struct {
	store  *store.Store
	doc    string
	logger *slog.Logger

	mu     sync.Mutex
	points []types.Snapshot
	now    func() time.Time
}

// NewRecorder restores the history for doc and registers it with the store.
func NewRecorder(st *store.Store, doc string, logger *slog.Logger) (*Recorder, error) {
	r := &Recorder{
		store:  st,
		doc:    doc,
		logger: logger.With("component", "snapshot", "doc", doc),
		now:    time.Now,
	}

	if err := st.Load(doc, &r.points); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load history: %w", err)
	}

	st.Register(doc, func() any { return r.History() })

	r.logger.Debug("history restored", "points", len(r.points))
	return r, nil
}

// Record appends one sample. A zero timestamp is filled with the current
// time.
func (r *Recorder) Record(s types.Snapshot) {
	if s.Timestamp == 0 {
		s.Timestamp = r.now().UnixMilli()
	}
	s.TotalPnl = s.RealizedPnl + s.UnrealizedPnl

	r.mu.Lock()
	r.points = append(r.points, s)
	r.compactLocked()
	r.mu.Unlock()

	r.store.MarkDirty(r.doc)
}

// History returns a copy of the recorded points, oldest first.
func (r *Recorder) History() []types.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Snapshot, len(r.points))
	copy(out, r.points)
	return out
}

// Len returns the number of stored points.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

// compactLocked bounds the history. When over the cap, points older than
// the decimation horizon are thinned to every tenth sample; if that is not
// enough the oldest points are dropped outright.
func (r *Recorder) compactLocked() {
	if len(r.points) <= maxPoints {
		return
	}

	cutoff := r.now().Add(-decimateAfter).UnixMilli()
	compacted := make([]types.Snapshot, 0, len(r.points))
	oldKept := 0
	for i, p := range r.points {
		if p.Timestamp < cutoff {
			if i%decimateKeep != 0 {
				continue
			}
			oldKept++
		}
		compacted = append(compacted, p)
	}
	r.points = compacted

	if excess := len(r.points) - maxPoints; excess > 0 {
		r.points = r.points[excess:]
	}
	r.logger.Debug("history compacted", "points", len(r.points), "old_kept", oldKept)
}
