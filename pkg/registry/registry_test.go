package registry

import "testing"

type testItem struct {
	ID   string
	Name string
}

func TestBaseRegistry_Register(t *testing.T) {
	registry := NewBaseRegistry[testItem]()

	tests := []struct {
		name    string
		item    testItem
		wantErr bool
	}{
		{
			name:    "register valid item",
			item:    testItem{ID: "test-1", Name: "Test Item 1"},
			wantErr: false,
		},
		{
			name:    "register item with empty name",
			item:    testItem{ID: "", Name: "Test Item"},
			wantErr: true,
		},
		{
			name:    "register duplicate item",
			item:    testItem{ID: "test-1", Name: "Test Item 2"},
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

func TestBaseRegistry_Replace(t *testing.T) {
	registry := NewBaseRegistry[testItem]()

	if err := registry.Register("a", testItem{ID: "a", Name: "one"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	registry.Replace("a", testItem{ID: "a", Name: "two"})

	item, ok := registry.Get("a")
	if !ok {
		t.Fatal("Get() item not found after Replace")
	}
	if item.Name != "two" {
		t.Errorf("Get() Name = %v, want %v", item.Name, "two")
	}
}

func TestBaseRegistry_NamesOrdered(t *testing.T) {
	registry := NewBaseRegistry[testItem]()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := registry.Register(id, testItem{ID: id}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}

	names := registry.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("Names() length = %d, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %v, want %v", i, names[i], want[i])
		}
	}
}

func TestBaseRegistry_Remove(t *testing.T) {
	registry := NewBaseRegistry[testItem]()

	if err := registry.Remove("missing"); err == nil {
		t.Error("Remove() expected error for missing item")
	}

	if err := registry.Register("a", testItem{ID: "a"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := registry.Remove("a"); err != nil {
		t.Errorf("Remove() error = %v", err)
	}
	if registry.Count() != 0 {
		t.Errorf("Count() = %d, want 0", registry.Count())
	}
}
