package registry

import (
	"sync"
	"testing"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()

	if err := r.Register("a", 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	v, ok := r.Get("a")
	if !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v; want 1, true", v, ok)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should return false")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewBaseRegistry[string]()

	if err := r.Register("x", "first"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("x", "second"); err == nil {
		t.Error("expected error on duplicate registration")
	}
	if err := r.Register("", "empty"); err == nil {
		t.Error("expected error on empty name")
	}
}

func TestNamesSorted(t *testing.T) {
	r := NewBaseRegistry[int]()
	for i, name := range []string{"zebra", "alpha", "mid"} {
		if err := r.Register(name, i); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	names := r.Names()
	want := []string{"alpha", "mid", "zebra"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestRemoveAndCount(t *testing.T) {
	r := NewBaseRegistry[int]()
	_ = r.Register("a", 1)
	_ = r.Register("b", 2)

	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
	if err := r.Remove("a"); err != nil {
		t.Errorf("Remove(a) failed: %v", err)
	}
	if err := r.Remove("a"); err == nil {
		t.Error("expected error removing a twice")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}

	r.Clear()
	if r.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", r.Count())
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewBaseRegistry[int]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := string(rune('a' + n%26))
			_ = r.Register(name, n)
			_, _ = r.Get(name)
			_ = r.List()
		}(i)
	}
	wg.Wait()

	if r.Count() == 0 {
		t.Error("expected some registrations to survive concurrent access")
	}
}
