package timeline

import (
	"time"

	"github.com/tjfontaine/audit-timeline/internal/core/ports"
	"github.com/tjfontaine/audit-timeline/internal/domain"
)

// ResolveRunID derives a stable run identity from a record. First match wins:
// run_id, "{user_id}-{session_id}", session_id, user_id, then UnknownRunID.
func ResolveRunID(rec Record) string {
	if id := rec.Text("run_id"); id != "" {
		return id
	}

	user := rec.Text("user_id")
	session := rec.FirstText("session_id", "session")
	switch {
	case user != "" && session != "":
		return user + "-" + session
	case session != "":
		return session
	case user != "":
		return user
	default:
		return domain.UnknownRunID
	}
}

// RunIndex resolves run identities and seeds their metadata in a store.
type RunIndex struct {
	store ports.RunMetadataStore
}

// NewRunIndex creates a RunIndex backed by store.
func NewRunIndex(store ports.RunMetadataStore) *RunIndex {
	return &RunIndex{store: store}
}

// ResolveMetadata returns cached metadata for runID, seeding it from the record's
// scenario_id, run_tags and timestamp the first time the run is seen.
func (x *RunIndex) ResolveMetadata(runID string, rec Record, ts time.Time) domain.RunMetadata {
	if meta, ok := x.store.Get(runID); ok {
		return meta
	}
	meta, _ := x.store.LoadOrStore(domain.RunMetadata{
		RunID:      runID,
		ScenarioID: rec.Text("scenario_id"),
		StartedAt:  ts.UTC(),
		Tags:       rec.StringMap("run_tags"),
	})
	return meta
}

// Replace installs a new metadata value for a run.
func (x *RunIndex) Replace(meta domain.RunMetadata) {
	x.store.Replace(meta)
}

// Runs lists cached runs in discovery order.
func (x *RunIndex) Runs() []domain.RunMetadata {
	return x.store.List()
}
