package schedule

import (
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/carecal/internal/domain"
)

// planReconcile diffs the stored rows of a schedule against a fresh expansion.
//
// Live rows missing from fresh are soft-deleted. Fresh slots with no row are
// inserted. A fresh slot whose row was soft-deleted earlier is revived with
// its sent flag intact, so an alarm that already fired never fires again.
// Rows live on both sides are kept; when realarm is set their alarm instant
// is rewritten to the fresh one.
func planReconcile(fresh, existing []domain.Occurrence, realarm bool) domain.Diff {
	bySlot := make(map[domain.Slot]domain.Occurrence, len(existing))
	for _, o := range existing {
		bySlot[o.Slot()] = o
	}

	var diff domain.Diff
	wanted := make(map[domain.Slot]struct{}, len(fresh))
	for _, f := range fresh {
		slot := f.Slot()
		wanted[slot] = struct{}{}

		row, ok := bySlot[slot]
		switch {
		case !ok:
			diff.Insert = append(diff.Insert, f)
		case row.Deleted:
			diff.Revive = append(diff.Revive, domain.AlarmChange{ID: row.ID, AlarmAt: revivedAlarm(row, f)})
		case realarm && !row.Sent && !row.AlarmAt.Equal(f.AlarmAt):
			diff.Realarm = append(diff.Realarm, domain.AlarmChange{ID: row.ID, AlarmAt: f.AlarmAt})
		}
	}

	for _, o := range existing {
		if o.Deleted {
			continue
		}
		if _, ok := wanted[o.Slot()]; !ok {
			diff.Delete = append(diff.Delete, o.ID)
		}
	}
	return diff
}

// A sent row keeps the instant it actually rang at.
func revivedAlarm(row, fresh domain.Occurrence) time.Time {
	if row.Sent {
		return row.AlarmAt
	}
	return fresh.AlarmAt
}

func liveIDs(rows []domain.Occurrence) []uuid.UUID {
	var ids []uuid.UUID
	for _, o := range rows {
		if !o.Deleted {
			ids = append(ids, o.ID)
		}
	}
	return ids
}
