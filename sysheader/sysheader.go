// Package sysheader implements the _system header lifecycle (spec §4.5):
// the bookkeeping block every committed record carries (insertedAt,
// updatedAt, state, lineage, deletion markers) and the deep-merge-with-
// array-union algorithm enrich() uses to apply patches.
package sysheader

import "time"

// System is the _system header attached to every record payload.
type System struct {
	InsertedAt  time.Time  `json:"insertedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	State       string     `json:"state"`
	Deleted     bool       `json:"deleted,omitempty"`
	Parent      string     `json:"parent,omitempty"`
	Origin      string     `json:"origin,omitempty"`
	FunctionIDs []string   `json:"functionIds,omitempty"`
}

const stateNewNotSynched = "new-not-synched"

// OnCreate builds the header for a new record.
func OnCreate(now time.Time, parent, origin string) System {
	return System{
		InsertedAt: now,
		UpdatedAt:  now,
		State:      stateNewNotSynched,
		Parent:     parent,
		Origin:     origin,
	}
}

// OnUpdate refreshes updatedAt while preserving insertedAt and state.
func OnUpdate(prev System, now time.Time) System {
	next := prev
	next.UpdatedAt = now
	return next
}

// OnDelete marks a record tombstoned: updatedAt and deletedAt both advance
// to now, insertedAt is preserved.
func OnDelete(prev System, now time.Time) System {
	next := prev
	next.UpdatedAt = now
	next.DeletedAt = &now
	next.Deleted = true
	return next
}

// OnRestore builds the header for a restored version: insertedAt is
// preserved from the restore target, updatedAt refreshes to now, and
// deleted is preserved iff the target was itself deleted.
func OnRestore(target System, now time.Time) System {
	next := target
	next.UpdatedAt = now
	if !target.Deleted {
		next.DeletedAt = nil
	}
	return next
}

// WithFunctionID appends a function id to the header's lineage list if not
// already present (enrich() calls that attribute a patch to a function).
func (s System) WithFunctionID(id string) System {
	if id == "" {
		return s
	}
	for _, existing := range s.FunctionIDs {
		if existing == id {
			return s
		}
	}
	s.FunctionIDs = append(s.FunctionIDs, id)
	return s
}
