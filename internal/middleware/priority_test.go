package middleware

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSortByPriorityScenario(t *testing.T) {
	t.Parallel()
	priority := []string{"First", "Second", "Third"}
	in := []string{
		"Something",
		"Something",
		"Something",
		"Something",
		"Second",
		"Something",
		"Something",
		"First:api",
		"Third:foo",
		"First:foo,bar",
		"Third",
		"Second",
	}
	want := []string{
		"Something",
		"Something",
		"Something",
		"Something",
		"First:api",
		"First:foo,bar",
		"Second",
		"Something",
		"Something",
		"Second",
		"Third:foo",
		"Third",
	}
	if diff := cmp.Diff(want, sortNames(priority, in)); diff != "" {
		t.Fatalf("sortNames mismatch (-want +got):\n%s", diff)
	}
}

func TestSortByPriorityEdgeCases(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		priority []string
		in       []string
		want     []string
	}{
		{name: "empty entries", priority: []string{"First"}, in: []string{}, want: []string{}},
		{name: "single", priority: []string{"First"}, in: []string{"First"}, want: []string{"First"}},
		{name: "swap", priority: []string{"First", "Second"}, in: []string{"Second", "First"}, want: []string{"First", "Second"}},
		{name: "suffix ignored", priority: []string{"First"}, in: []string{"First:api"}, want: []string{"First:api"}},
		{name: "no priority", priority: nil, in: []string{"Third", "First", "Second"}, want: []string{"Third", "First", "Second"}},
		{name: "unlisted stay put", priority: []string{"A", "B"}, in: []string{"x", "B", "y", "A", "z"}, want: []string{"x", "A", "B", "y", "z"}},
		{name: "equal names keep order", priority: []string{"A", "B"}, in: []string{"B:1", "B:2", "A"}, want: []string{"A", "B:1", "B:2"}},
		{name: "empty prefix is not a match", priority: []string{"", "A"}, in: []string{"A", ":x"}, want: []string{"A", ":x"}},
		{name: "duplicate priority first wins", priority: []string{"B", "A", "B"}, in: []string{"A", "B"}, want: []string{"B", "A"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := sortNames(tt.priority, tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("sortNames(%v, %v) mismatch (-want +got):\n%s", tt.priority, tt.in, diff)
			}
		})
	}
}

func TestSortByPriorityLeavesOpaqueEntries(t *testing.T) {
	t.Parallel()
	handler := &struct{ id int }{id: 1}
	in := []Entry{Named("Second"), Opaque(handler)}
	got := SortByPriority([]string{"First", "Second"}, in)
	if len(got) != 2 || got[0].Ref() != "Second" || got[1].Value() != handler {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestSortByPriorityDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	in := Names("B", "A")
	_ = SortByPriority([]string{"A", "B"}, in)
	if in[0].Ref() != "B" || in[1].Ref() != "A" {
		t.Fatalf("input mutated: %v", in)
	}
}

// TestSortByPriorityProperties checks the ordering invariants on random lists.
func TestSortByPriorityProperties(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	priority := []string{"P0", "P1", "P2", "P3"}
	rank := map[string]int{"P0": 0, "P1": 1, "P2": 2, "P3": 3}
	pool := []string{"P0", "P1", "P2", "P3", "u1", "u2", "u3"}

	for iter := 0; iter < 500; iter++ {
		n := rng.Intn(12)
		in := make([]Entry, n)
		// Tag every entry with its input position so identity survives reordering.
		for i := range in {
			if rng.Intn(6) == 0 {
				in[i] = Opaque(i)
				continue
			}
			in[i] = Named(fmt.Sprintf("%s:%d", pool[rng.Intn(len(pool))], i))
		}
		out := SortByPriority(priority, in)

		if len(out) != len(in) {
			t.Fatalf("length changed: %d -> %d", len(in), len(out))
		}
		pos := make(map[string]int, len(out))
		for i, e := range out {
			pos[key(e)] = i
		}
		if len(pos) != len(in) {
			t.Fatalf("output is not a permutation of %v: %v", in, out)
		}
		for _, e := range in {
			if _, ok := pos[key(e)]; !ok {
				t.Fatalf("entry %v lost: %v", e, out)
			}
		}

		for i := 0; i < len(in); i++ {
			for j := i + 1; j < len(in); j++ {
				a, b := in[i], in[j]
				ra, aListed := rankOf(rank, a)
				rb, bListed := rankOf(rank, b)
				pa, pb := pos[key(a)], pos[key(b)]
				switch {
				case aListed && bListed && ra != rb:
					if (ra < rb) != (pa < pb) {
						t.Fatalf("priority order violated for %v,%v in %v", a, b, out)
					}
				case aListed && bListed:
					if pa > pb {
						t.Fatalf("equal-rank order violated for %v,%v in %v", a, b, out)
					}
				case !aListed && !bListed:
					if pa > pb {
						t.Fatalf("unlisted order violated for %v,%v in %v", a, b, out)
					}
				}
			}
		}
	}
}

func key(e Entry) string {
	if e.IsNamed() {
		return e.Ref()
	}
	return fmt.Sprintf("opaque:%v", e.Value())
}

// restartWalk is the plain form of the ordering: after every move the walk
// starts over from the head of the list.
func restartWalk(priority []string, entries []Entry) []Entry {
	rank := map[string]int{}
	for i, name := range priority {
		if _, seen := rank[name]; name != "" && !seen {
			rank[name] = i
		}
	}
	out := append([]Entry(nil), entries...)
	for {
		last, lastRank, moved := -1, 0, false
		for i, e := range out {
			r, ok := rankOf(rank, e)
			if !ok {
				continue
			}
			if last >= 0 && r < lastRank {
				moveBefore(out, i, last)
				moved = true
				break
			}
			last, lastRank = i, r
		}
		if !moved {
			return out
		}
	}
}

func TestSortByPriorityMatchesRestartWalk(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	pool := []string{"a", "b", "c", "d", "e", "x", "y"}

	for iter := 0; iter < 2000; iter++ {
		priority := make([]string, rng.Intn(6))
		for i := range priority {
			priority[i] = pool[rng.Intn(5)]
		}
		in := make([]Entry, rng.Intn(10))
		for i := range in {
			in[i] = Named(fmt.Sprintf("%s:%d", pool[rng.Intn(len(pool))], i))
		}
		want := restartWalk(priority, in)
		got := SortByPriority(priority, in)
		if diff := cmp.Diff(refs(want), refs(got)); diff != "" {
			t.Fatalf("priority %v, input %v (-want +got):\n%s", priority, refs(in), diff)
		}
	}
}

func TestSortByPriorityReversedList(t *testing.T) {
	t.Parallel()
	const n = 500
	priority := make([]string, n)
	in := make([]string, n)
	for i := range priority {
		priority[i] = fmt.Sprintf("m%03d", i)
		in[n-1-i] = priority[i]
	}
	if diff := cmp.Diff(priority, sortNames(priority, in)); diff != "" {
		t.Fatalf("reversed list not sorted (-want +got):\n%s", diff)
	}
}

func sortNames(priority []string, names []string) []string {
	return refs(SortByPriority(priority, Names(names...)))
}
