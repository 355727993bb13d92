package state

import "testing"

func TestSelector_MemoizesOnSameInput(t *testing.T) {
	calls := 0
	sel := NewSelector(func(s *TopicsState) int {
		calls++
		return len(s.Topics)
	})

	s := &TopicsState{Topics: []Topic{{ID: 1}, {ID: 2}}}
	if got := sel.Select(s); got != 2 {
		t.Fatalf("Select = %d", got)
	}
	sel.Select(s)
	sel.Select(s)
	if calls != 1 {
		t.Errorf("fn called %d times for same input", calls)
	}

	// A new pointer means a recompute even with equal contents.
	sel.Select(&TopicsState{Topics: s.Topics})
	if calls != 2 {
		t.Errorf("fn called %d times after input change", calls)
	}
}

func TestSelectedTopic(t *testing.T) {
	sel := SelectedTopic()

	tests := []struct {
		name  string
		state *TopicsState
		want  int64 // 0 means nil expected
	}{
		{"nil state", nil, 0},
		{"nothing selected", &TopicsState{Topics: []Topic{{ID: 1}}}, 0},
		{"selected present", &TopicsState{Topics: []Topic{{ID: 1}, {ID: 2}}, SelectedID: 2}, 2},
		{"selected missing", &TopicsState{Topics: []Topic{{ID: 1}}, SelectedID: 9}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sel.Select(tt.state)
			if tt.want == 0 {
				if got != nil {
					t.Errorf("got %+v, want nil", got)
				}
				return
			}
			if got == nil || got.ID != tt.want {
				t.Errorf("got %+v, want id %d", got, tt.want)
			}
		})
	}
}

func TestTopicCount(t *testing.T) {
	sel := TopicCount()
	if got := sel.Select(nil); got != 0 {
		t.Errorf("nil state count = %d", got)
	}
	if got := sel.Select(&TopicsState{Topics: []Topic{{ID: 1}, {ID: 2}, {ID: 3}}}); got != 3 {
		t.Errorf("count = %d", got)
	}
}

func TestPendingApprovalCount(t *testing.T) {
	a := NewApp()
	sel := PendingApprovalCount()
	if got := sel.Select(a.Approvals.Get()); got != 0 {
		t.Errorf("empty count = %d", got)
	}
}

func TestCompose_OuterCacheKeysOnInnerResult(t *testing.T) {
	outerCalls := 0
	sel := Compose(TopicCount(), func(n int) string {
		outerCalls++
		if n == 1 {
			return "1 topic"
		}
		return "many"
	})

	a := &TopicsState{Topics: []Topic{{ID: 1}}}
	b := &TopicsState{Topics: []Topic{{ID: 2}}}

	if got := sel.Select(a); got != "1 topic" {
		t.Fatalf("Select = %q", got)
	}
	// Different input pointer, same inner count: outer stays cached.
	sel.Select(b)
	if outerCalls != 1 {
		t.Errorf("outer called %d times, want 1", outerCalls)
	}

	sel.Select(&TopicsState{Topics: []Topic{{ID: 1}, {ID: 2}}})
	if outerCalls != 2 {
		t.Errorf("outer called %d times, want 2", outerCalls)
	}
}
