package registry

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subscriptions.json")

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(r.All()) != 0 {
		t.Fatalf("All() = %v, want empty", r.All())
	}
}

func TestAddPersistsAndDeduplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subscriptions.json")

	r, _ := Load(path)
	if err := r.Add("NSE:RELIANCE"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add("NSE:RELIANCE"); err != nil {
		t.Fatalf("Add (dup): %v", err)
	}
	if len(r.All()) != 1 {
		t.Fatalf("All() = %v, want one entry", r.All())
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.All()) != 1 || reloaded.All()[0] != "NSE:RELIANCE" {
		t.Fatalf("reloaded.All() = %v", reloaded.All())
	}
}

func TestRemovePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subscriptions.json")

	r, _ := Load(path)
	r.Add("NSE:RELIANCE")
	r.Add("NSE:TCS")
	if err := r.Remove("NSE:RELIANCE"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	reloaded, _ := Load(path)
	all := reloaded.All()
	if len(all) != 1 || all[0] != "NSE:TCS" {
		t.Fatalf("All() = %v, want [NSE:TCS]", all)
	}
}

func TestOrderIsPreservedAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subscriptions.json")

	r, _ := Load(path)
	r.Add("NSE:TCS")
	r.Add("NSE:RELIANCE")
	r.Add("NSE:INFY")

	reloaded, _ := Load(path)
	want := []string{"NSE:TCS", "NSE:RELIANCE", "NSE:INFY"}
	got := reloaded.All()
	if len(got) != len(want) {
		t.Fatalf("All() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("All()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
