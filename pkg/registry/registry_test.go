package registry

import (
	"fmt"
	"testing"
)

// TestItem is a simple struct for testing
type TestItem struct {
	ID   string
	Name string
}

func TestBaseRegistry_Register(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()

	tests := []struct {
		name    string
		item    TestItem
		wantErr bool
	}{
		{
			name: "register valid item",
			item: TestItem{
				ID:   "test-1",
				Name: "Test Item 1",
			},
			wantErr: false,
		},
		{
			name: "register item with empty name",
			item: TestItem{
				ID:   "",
				Name: "Test Item",
			},
			wantErr: true,
		},
		{
			name: "register duplicate item",
			item: TestItem{
				ID:   "test-1", // Same ID as first test
				Name: "Test Item 2",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Register(tt.item.ID, tt.item)
			if (err != nil) != tt.wantErr {
				t.Errorf("BaseRegistry.Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBaseRegistry_Get(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()

	testItem := TestItem{
		ID:   "test-1",
		Name: "Test Item 1",
	}
	if err := registry.Register("test-1", testItem); err != nil {
		t.Fatalf("Failed to register test item: %v", err)
	}

	tests := []struct {
		name     string
		itemID   string
		wantItem TestItem
		wantOk   bool
	}{
		{
			name:     "get existing item",
			itemID:   "test-1",
			wantItem: testItem,
			wantOk:   true,
		},
		{
			name:     "get non-existing item",
			itemID:   "non-existing",
			wantItem: TestItem{},
			wantOk:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := registry.Get(tt.itemID)
			if ok != tt.wantOk {
				t.Errorf("BaseRegistry.Get() ok = %v, want %v", ok, tt.wantOk)
			}
			if item != tt.wantItem {
				t.Errorf("BaseRegistry.Get() item = %v, want %v", item, tt.wantItem)
			}
		})
	}
}

func TestBaseRegistry_ListPreservesRegistrationOrder(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()

	items := registry.List()
	if len(items) != 0 {
		t.Errorf("BaseRegistry.List() length = %v, want %v", len(items), 0)
	}

	// Registration order deliberately not alphabetical.
	testItems := []TestItem{
		{ID: "zeta", Name: "Item Z"},
		{ID: "alpha", Name: "Item A"},
		{ID: "mid", Name: "Item M"},
	}

	for _, item := range testItems {
		if err := registry.Register(item.ID, item); err != nil {
			t.Fatalf("Failed to register item %s: %v", item.ID, err)
		}
	}

	items = registry.List()
	if len(items) != len(testItems) {
		t.Fatalf("BaseRegistry.List() length = %v, want %v", len(items), len(testItems))
	}
	for i, expected := range testItems {
		if items[i] != expected {
			t.Errorf("BaseRegistry.List()[%d] = %v, want %v", i, items[i], expected)
		}
	}

	names := registry.Names()
	wantNames := []string{"zeta", "alpha", "mid"}
	for i, want := range wantNames {
		if names[i] != want {
			t.Errorf("BaseRegistry.Names()[%d] = %v, want %v", i, names[i], want)
		}
	}
}

func TestBaseRegistry_NamesIsACopy(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()
	if err := registry.Register("a", TestItem{ID: "a"}); err != nil {
		t.Fatal(err)
	}

	names := registry.Names()
	names[0] = "mutated"

	if got := registry.Names()[0]; got != "a" {
		t.Errorf("BaseRegistry.Names() internal order mutated: got %v, want a", got)
	}
}

func TestBaseRegistry_Remove(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()

	for _, id := range []string{"test-1", "test-2", "test-3"} {
		if err := registry.Register(id, TestItem{ID: id}); err != nil {
			t.Fatalf("Failed to register test item: %v", err)
		}
	}

	if err := registry.Remove("test-2"); err != nil {
		t.Errorf("BaseRegistry.Remove() error = %v, want nil", err)
	}
	if err := registry.Remove("non-existing"); err == nil {
		t.Errorf("BaseRegistry.Remove() error = nil, want error")
	}

	if _, exists := registry.Get("test-2"); exists {
		t.Errorf("BaseRegistry.Remove() item test-2 still exists after removal")
	}

	// Order closes over the removed item.
	names := registry.Names()
	want := []string{"test-1", "test-3"}
	if len(names) != len(want) {
		t.Fatalf("BaseRegistry.Names() length = %v, want %v", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("BaseRegistry.Names()[%d] = %v, want %v", i, names[i], want[i])
		}
	}
}

func TestBaseRegistry_Count(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()

	if count := registry.Count(); count != 0 {
		t.Errorf("BaseRegistry.Count() = %v, want %v", count, 0)
	}

	testItems := []TestItem{
		{ID: "test-1", Name: "Test Item 1"},
		{ID: "test-2", Name: "Test Item 2"},
	}

	for i, item := range testItems {
		if err := registry.Register(item.ID, item); err != nil {
			t.Fatalf("Failed to register item %s: %v", item.ID, err)
		}

		expectedCount := i + 1
		if count := registry.Count(); count != expectedCount {
			t.Errorf("BaseRegistry.Count() = %v, want %v", count, expectedCount)
		}
	}
}

func TestBaseRegistry_Clear(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()

	testItems := []TestItem{
		{ID: "test-1", Name: "Test Item 1"},
		{ID: "test-2", Name: "Test Item 2"},
	}

	for _, item := range testItems {
		if err := registry.Register(item.ID, item); err != nil {
			t.Fatalf("Failed to register item %s: %v", item.ID, err)
		}
	}

	registry.Clear()

	if count := registry.Count(); count != 0 {
		t.Errorf("BaseRegistry.Count() after clear = %v, want %v", count, 0)
	}
	if names := registry.Names(); len(names) != 0 {
		t.Errorf("BaseRegistry.Names() after clear length = %v, want %v", len(names), 0)
	}
	for _, item := range testItems {
		if _, exists := registry.Get(item.ID); exists {
			t.Errorf("BaseRegistry.Get() item %s still exists after clear", item.ID)
		}
	}
}

func TestBaseRegistry_Concurrency(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()

	done := make(chan bool, 2)

	go func() {
		defer func() { done <- true }()
		for i := 0; i < 100; i++ {
			item := TestItem{
				ID:   fmt.Sprintf("writer-%d", i),
				Name: fmt.Sprintf("Item %d", i),
			}
			_ = registry.Register(item.ID, item)
		}
	}()

	go func() {
		defer func() { done <- true }()
		for i := 0; i < 100; i++ {
			registry.List()
			registry.Names()
			registry.Count()
		}
	}()

	<-done
	<-done

	if count := registry.Count(); count != 100 {
		t.Errorf("BaseRegistry.Count() after concurrent writes = %v, want %v", count, 100)
	}
}
