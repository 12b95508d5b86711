package rules

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryRulesetRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewInMemoryRulesetRegistry()

	first, err := reg.Create(ctx, "first")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, _ := reg.Create(ctx, "second")

	if first.ID == second.ID || first.ID == "" {
		t.Fatalf("Create() should assign distinct IDs, got %q and %q", first.ID, second.ID)
	}

	got, err := reg.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "first" {
		t.Errorf("Name = %q, want first", got.Name)
	}

	list, _ := reg.List(ctx)
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("List() should return newest first, got %+v", list)
	}

	if err := reg.Delete(ctx, first.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := reg.Get(ctx, first.ID); !errors.Is(err, ErrRulesetNotFound) {
		t.Errorf("Get() after Delete() error = %v, want ErrRulesetNotFound", err)
	}
	if err := reg.Delete(ctx, first.ID); !errors.Is(err, ErrRulesetNotFound) {
		t.Errorf("second Delete() error = %v, want ErrRulesetNotFound", err)
	}
}

// TestInMemoryRulesetRegistryStore verifies each ruleset has its own store
func TestInMemoryRulesetRegistryStore(t *testing.T) {
	ctx := context.Background()
	reg := NewInMemoryRulesetRegistry()
	a, _ := reg.Create(ctx, "a")
	b, _ := reg.Create(ctx, "b")

	if err := reg.Store(a.ID).Add(&Rule{ID: "prix", Name: "prix", Active: true}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if _, err := reg.Store(a.ID).Get("prix"); err != nil {
		t.Errorf("Store() should return the same store on each call: %v", err)
	}
	if _, err := reg.Store(b.ID).Get("prix"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("ruleset b should not see ruleset a's rules, error = %v", err)
	}

	// Deleting a ruleset drops its rules
	reg.Delete(ctx, a.ID)
	if _, err := reg.Store(a.ID).Get("prix"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("rules of a deleted ruleset should be gone, error = %v", err)
	}
}
