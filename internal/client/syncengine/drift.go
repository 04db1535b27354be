package syncengine

import (
	"context"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
)

// DriftReport compares the device projection with the server store.
type DriftReport struct {
	// Checked is false when the comparison was skipped: pending entries
	// exist, or the server feed moved past the local cursor.
	Checked     bool
	LocalCursor string
	ServerHead  string
	Mismatched  []entities.Kind
}

// Drifted reports whether a checked comparison found differing kinds.
func (report DriftReport) Drifted() bool {
	return report.Checked && len(report.Mismatched) > 0
}

// CheckDrift compares per-kind digests of the projection with the server's.
// It is only meaningful when the log is empty and the device has pulled up to
// the server head.
func (e *Engine) CheckDrift(ctx context.Context) (DriftReport, error) {
	pending, err := e.log.Pending(ctx)
	if err != nil {
		return DriftReport{}, err
	}
	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return DriftReport{}, persistenceError(err)
	}
	report := DriftReport{LocalCursor: cursor}
	if pending > 0 {
		return report, nil
	}

	remote, err := e.transport.Digest(ctx)
	if err != nil {
		return DriftReport{}, err
	}
	report.ServerHead = remote.Cursor
	if remote.Cursor != cursor {
		return report, nil
	}

	hashes, err := e.store.EntityHashes(ctx)
	if err != nil {
		return DriftReport{}, persistenceError(err)
	}
	report.Checked = true
	for _, kind := range entities.Kinds() {
		if entities.Digest(hashes[kind]) != remote.Kinds[kind.String()] {
			report.Mismatched = append(report.Mismatched, kind)
		}
	}
	return report, nil
}
