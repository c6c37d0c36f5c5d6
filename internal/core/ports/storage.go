package ports

import (
	"github.com/tjfontaine/audit-timeline/internal/domain"
)

// RunMetadataStore caches run metadata derived from the audit log.
// Implementations: in-memory (default). The cache is reconstructible from the log,
// so implementations must not persist it.
type RunMetadataStore interface {
	// Get returns the cached metadata for runID.
	Get(runID string) (domain.RunMetadata, bool)

	// LoadOrStore returns the existing value for meta.RunID if present;
	// otherwise it stores meta. Concurrent callers converge on one value.
	LoadOrStore(meta domain.RunMetadata) (actual domain.RunMetadata, loaded bool)

	// Replace swaps in a new value for meta.RunID, keeping its discovery position.
	Replace(meta domain.RunMetadata)

	// List returns all runs in discovery order.
	List() []domain.RunMetadata
}
