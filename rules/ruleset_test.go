package rules

import (
	"errors"
	"testing"
	"time"
)

func newTestRuleset(t *testing.T, defs ...*Rule) *Ruleset {
	t.Helper()
	store, err := NewInMemoryRuleStoreWith(defs)
	if err != nil {
		t.Fatalf("NewInMemoryRuleStoreWith() failed: %v", err)
	}
	rs, err := NewRuleset("test", store)
	if err != nil {
		t.Fatalf("NewRuleset() failed: %v", err)
	}
	return rs
}

func TestNewRulesetEmpty(t *testing.T) {
	rs, err := NewRuleset("empty", NewInMemoryRuleStore())
	if err != nil {
		t.Fatalf("NewRuleset() failed: %v", err)
	}

	c, err := rs.Catalog()
	if err != nil {
		t.Fatalf("Catalog() failed: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestNewRulesetInvalid(t *testing.T) {
	store := NewInMemoryRuleStore()
	store.Add(&Rule{ID: "a", Name: "a", Formula: "b *", Active: true})

	if _, err := NewRuleset("broken", store); err == nil {
		t.Fatal("NewRuleset() with an invalid rule should fail")
	}
}

// TestRulesetCatalogCached verifies the catalog is compiled once until a mutation
func TestRulesetCatalogCached(t *testing.T) {
	rs := newTestRuleset(t, &Rule{Name: "a", Formula: "1.0"})

	first, _ := rs.Catalog()
	second, _ := rs.Catalog()
	if first != second {
		t.Error("Catalog() should return the cached catalog")
	}

	reloaded, err := rs.Reload()
	if err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if reloaded == first {
		t.Error("Reload() should recompile")
	}
}

func TestRulesetAddRule(t *testing.T) {
	rs := newTestRuleset(t, &Rule{Name: "a", Question: "A ?"})

	c, err := rs.AddRule(&Rule{ID: "b", Name: "b", Formula: "a * 2.0", Active: true})
	if err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if !c.Has("b") {
		t.Error("returned catalog should contain the new rule")
	}

	current, _ := rs.Catalog()
	if current != c {
		t.Error("Catalog() should return the catalog compiled by AddRule")
	}
}

// TestRulesetAddRuleAtomicity verifies an invalid rule leaves the store untouched
func TestRulesetAddRuleAtomicity(t *testing.T) {
	rs := newTestRuleset(t, &Rule{Name: "a", Question: "A ?"})
	before, _ := rs.Catalog()

	_, err := rs.AddRule(&Rule{ID: "b", Name: "b", Formula: "inconnue * 2.0", Active: true})
	if err == nil {
		t.Fatal("AddRule() with an undeclared reference should fail")
	}

	if _, err := rs.Store().Get("b"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("invalid rule should not be stored, Get() error = %v", err)
	}
	if after, _ := rs.Catalog(); after != before {
		t.Error("catalog should be unchanged after a failed AddRule()")
	}
}

func TestRulesetAddRuleDuplicate(t *testing.T) {
	rs := newTestRuleset(t, &Rule{Name: "a", Question: "A ?"})

	_, err := rs.AddRule(&Rule{ID: "a", Name: "autre", Active: true})
	if !errors.Is(err, ErrRuleExists) {
		t.Fatalf("AddRule() error = %v, want ErrRuleExists", err)
	}
}

// TestRulesetAddRules verifies a batch may reference rules of the same batch
func TestRulesetAddRules(t *testing.T) {
	rs := newTestRuleset(t)

	c, err := rs.AddRules([]*Rule{
		{ID: "b", Name: "b", Formula: "a * 2.0", Active: true},
		{ID: "a", Name: "a", Question: "A ?", Active: true},
	})
	if err != nil {
		t.Fatalf("AddRules() failed: %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestRulesetUpdateRule(t *testing.T) {
	rs := newTestRuleset(t,
		&Rule{Name: "a", Question: "A ?"},
		&Rule{Name: "b", Formula: "a * 2.0"},
	)

	c, err := rs.UpdateRule(&Rule{ID: "b", Name: "b", Formula: "a * 3.0", Active: true})
	if err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}

	en := NewEngine(c)
	en.SetSituation(map[string]any{"a": 2.0})
	if n, _ := en.Evaluate("b"); n.Value != 6.0 {
		t.Errorf("b = %v, want 6", n.Value)
	}
}

// TestRulesetUpdateRuleValidation verifies an update breaking a formula is rejected
func TestRulesetUpdateRuleValidation(t *testing.T) {
	rs := newTestRuleset(t,
		&Rule{Name: "a", Question: "A ?"},
		&Rule{Name: "b", Formula: "a * 2.0"},
	)

	// Renaming a breaks b
	_, err := rs.UpdateRule(&Rule{ID: "a", Name: "z", Question: "Z ?", Active: true})
	if err == nil {
		t.Fatal("UpdateRule() breaking a reference should fail")
	}

	stored, _ := rs.Store().Get("a")
	if stored.Name != "a" {
		t.Errorf("stored rule should be unchanged, Name = %q", stored.Name)
	}
}

// TestRulesetDeleteRule verifies referenced rules cannot be deleted
func TestRulesetDeleteRule(t *testing.T) {
	rs := newTestRuleset(t,
		&Rule{Name: "a", Question: "A ?"},
		&Rule{Name: "b", Formula: "a * 2.0"},
		&Rule{Name: "c", Formula: "1.0"},
	)

	if _, err := rs.DeleteRule("a"); err == nil {
		t.Error("DeleteRule() of a referenced rule should fail")
	}

	c, err := rs.DeleteRule("c")
	if err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if c.Has("c") {
		t.Error("deleted rule should not be in the catalog")
	}

	if _, err := rs.DeleteRule("c"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("DeleteRule() of a missing rule error = %v, want ErrRuleNotFound", err)
	}
}

func TestInMemoryCatalogCache(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewInMemoryCatalogCache(CacheConfig{TTL: time.Minute})
	cache.now = func() time.Time { return now }

	if cache.IsValid() || cache.Get() != nil {
		t.Fatal("new cache should be empty")
	}

	c := mustCatalog(t, &Rule{Name: "a"})
	cache.Set(c)
	if cache.Get() != c || !cache.IsValid() {
		t.Fatal("cache should return the stored catalog")
	}

	now = now.Add(2 * time.Minute)
	if cache.Get() != nil || cache.IsValid() {
		t.Error("cache entry should expire after the TTL")
	}

	cache.Set(c)
	cache.Invalidate()
	if cache.Get() != nil {
		t.Error("Invalidate() should clear the cache")
	}
}

func TestInMemoryCatalogCacheNoTTL(t *testing.T) {
	cache := NewInMemoryCatalogCache(DefaultCacheConfig())
	start := time.Now()
	cache.now = func() time.Time { return start }

	c := mustCatalog(t, &Rule{Name: "a"})
	cache.Set(c)

	cache.now = func() time.Time { return start.Add(24 * time.Hour) }
	if cache.Get() != c {
		t.Error("cache without TTL should never expire")
	}
}
