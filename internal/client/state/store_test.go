package state

import (
	"testing"
)

func TestStore_GetSet(t *testing.T) {
	s := NewStore(1)
	if got := s.Get(); got != 1 {
		t.Fatalf("Get = %d", got)
	}
	s.Set(2)
	if got := s.Get(); got != 2 {
		t.Fatalf("Get after Set = %d", got)
	}
}

func TestStore_SubscribeFiresImmediately(t *testing.T) {
	s := NewStore("initial")
	var seen []string
	cancel := s.Subscribe(func(v string) { seen = append(seen, v) })
	defer cancel()

	if len(seen) != 1 || seen[0] != "initial" {
		t.Fatalf("seen = %v, want immediate initial", seen)
	}

	s.Set("next")
	if len(seen) != 2 || seen[1] != "next" {
		t.Fatalf("seen = %v", seen)
	}
}

func TestStore_EqualValueSkipsEmission(t *testing.T) {
	s := NewStore(5)
	emissions := 0
	cancel := s.Subscribe(func(int) { emissions++ })
	defer cancel()

	s.Set(5)
	s.Set(5)
	if emissions != 1 {
		t.Errorf("emissions = %d, want 1 (initial only)", emissions)
	}
	s.Set(6)
	if emissions != 2 {
		t.Errorf("emissions = %d, want 2", emissions)
	}
}

func TestStore_UnsubscribeStopsDelivery(t *testing.T) {
	s := NewStore(0)
	calls := 0
	cancel := s.Subscribe(func(int) { calls++ })
	cancel()

	s.Set(1)
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (immediate only)", calls)
	}
}

func TestStore_UpdateSamePointerSkips(t *testing.T) {
	type box struct{ n int }
	initial := &box{n: 1}
	s := NewStore(initial)

	emissions := 0
	cancel := s.Subscribe(func(*box) { emissions++ })
	defer cancel()

	// Reducer returning the same pointer means no change.
	s.Update(func(b *box) *box { return b })
	if emissions != 1 {
		t.Errorf("emissions = %d after no-op update", emissions)
	}

	s.Update(func(b *box) *box { return &box{n: b.n + 1} })
	if emissions != 2 {
		t.Errorf("emissions = %d after real update", emissions)
	}
	if s.Get().n != 2 {
		t.Errorf("value = %+v", s.Get())
	}
}
