package sysheader

import (
	"testing"
	"time"
)

func TestOnCreateSetsInsertedEqualsUpdated(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := OnCreate(now, "", "")
	if !s.InsertedAt.Equal(s.UpdatedAt) {
		t.Errorf("OnCreate() insertedAt != updatedAt: %v vs %v", s.InsertedAt, s.UpdatedAt)
	}
	if s.State != stateNewNotSynched {
		t.Errorf("OnCreate() state = %s, want %s", s.State, stateNewNotSynched)
	}
}

func TestOnUpdatePreservesInsertedAt(t *testing.T) {
	inserted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := inserted.Add(time.Hour)
	s := OnCreate(inserted, "", "")
	updated := OnUpdate(s, later)
	if !updated.InsertedAt.Equal(inserted) {
		t.Errorf("OnUpdate() insertedAt = %v, want %v", updated.InsertedAt, inserted)
	}
	if !updated.UpdatedAt.Equal(later) {
		t.Errorf("OnUpdate() updatedAt = %v, want %v", updated.UpdatedAt, later)
	}
}

func TestOnDeleteSetsTombstoneFields(t *testing.T) {
	inserted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	deletedAt := inserted.Add(2 * time.Hour)
	s := OnCreate(inserted, "", "")
	deleted := OnDelete(s, deletedAt)
	if !deleted.Deleted {
		t.Error("OnDelete() should set Deleted = true")
	}
	if deleted.DeletedAt == nil || !deleted.DeletedAt.Equal(deletedAt) {
		t.Errorf("OnDelete() deletedAt = %v, want %v", deleted.DeletedAt, deletedAt)
	}
	if !deleted.InsertedAt.Equal(inserted) {
		t.Error("OnDelete() should preserve insertedAt")
	}
}

func TestOnRestorePreservesDeletedFlagFromTarget(t *testing.T) {
	inserted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	target := OnDelete(OnCreate(inserted, "", ""), inserted.Add(time.Hour))
	restored := OnRestore(target, inserted.Add(2*time.Hour))
	if !restored.Deleted {
		t.Error("OnRestore() should preserve deleted=true when target was deleted")
	}
}

func TestOnRestoreClearsDeletedWhenTargetWasLive(t *testing.T) {
	inserted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	target := OnCreate(inserted, "", "")
	restored := OnRestore(target, inserted.Add(time.Hour))
	if restored.Deleted || restored.DeletedAt != nil {
		t.Error("OnRestore() should not mark deleted when target was live")
	}
}

func TestWithFunctionIDDeduplicates(t *testing.T) {
	s := System{}
	s = s.WithFunctionID("fn-1")
	s = s.WithFunctionID("fn-2")
	s = s.WithFunctionID("fn-1")
	if len(s.FunctionIDs) != 2 {
		t.Errorf("FunctionIDs = %v, want 2 distinct entries", s.FunctionIDs)
	}
}
