package store

import (
	"path/filepath"
	"testing"

	"github.com/nugget/park2mqtt/internal/twopark"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "park2mqtt.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProductsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	products, err := s.LoadProducts()
	if err != nil {
		t.Fatalf("LoadProducts on empty store: %v", err)
	}
	if products != nil {
		t.Errorf("LoadProducts = %+v, want nil before first save", products)
	}

	saved := []twopark.Product{
		{ID: "BDABZRG_1317$100", Name: "Visitor parking", Options: "FLPN", Location: "BDA1317"},
		{ID: "BDABZRG_1317$200", Name: "Resident permit", Options: "LPN"},
	}
	if err := s.SaveProducts(saved); err != nil {
		t.Fatalf("SaveProducts: %v", err)
	}

	loaded, err := s.LoadProducts()
	if err != nil {
		t.Fatalf("LoadProducts: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d products, want 2", len(loaded))
	}
	for i := range saved {
		if loaded[i].ID != saved[i].ID || loaded[i].Location != saved[i].Location {
			t.Errorf("product[%d] = %+v, want %+v", i, loaded[i], saved[i])
		}
	}
}

func TestSaveProductsReplacesCatalog(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveProducts([]twopark.Product{{ID: "old", Name: "Old"}}); err != nil {
		t.Fatalf("SaveProducts: %v", err)
	}
	if err := s.SaveProducts([]twopark.Product{{ID: "new", Name: "New"}}); err != nil {
		t.Fatalf("SaveProducts: %v", err)
	}

	loaded, err := s.LoadProducts()
	if err != nil {
		t.Fatalf("LoadProducts: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "new" {
		t.Errorf("loaded = %+v, want only the replacement catalog", loaded)
	}
}

func TestRefreshInterval(t *testing.T) {
	s := openTestStore(t)

	minutes, err := s.RefreshInterval()
	if err != nil {
		t.Fatalf("RefreshInterval on empty store: %v", err)
	}
	if minutes != 0 {
		t.Errorf("RefreshInterval = %d, want 0 when never set", minutes)
	}

	if err := s.SetRefreshInterval(15); err != nil {
		t.Fatalf("SetRefreshInterval: %v", err)
	}
	minutes, err = s.RefreshInterval()
	if err != nil {
		t.Fatalf("RefreshInterval: %v", err)
	}
	if minutes != 15 {
		t.Errorf("RefreshInterval = %d, want 15", minutes)
	}

	// Overwrites, does not accumulate.
	if err := s.SetRefreshInterval(30); err != nil {
		t.Fatalf("SetRefreshInterval: %v", err)
	}
	minutes, _ = s.RefreshInterval()
	if minutes != 30 {
		t.Errorf("RefreshInterval = %d, want 30", minutes)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "park2mqtt.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetRefreshInterval(10); err != nil {
		t.Fatalf("SetRefreshInterval: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	minutes, err := s2.RefreshInterval()
	if err != nil {
		t.Fatalf("RefreshInterval: %v", err)
	}
	if minutes != 10 {
		t.Errorf("RefreshInterval = %d after reopen, want 10", minutes)
	}
}
