package middleware

// SortByPriority returns entries reordered so that every entry named in
// priority appears in priority order relative to the other listed entries.
// Unlisted and opaque entries keep their original relative order. The input
// slice is not modified; the result is always a new slice with the same entries.
//
// The first occurrence of a name in priority defines its rank.
func SortByPriority(priority []string, entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	if len(priority) == 0 || len(out) < 2 {
		return out
	}

	rank := make(map[string]int, len(priority))
	for i, name := range priority {
		if name == "" {
			continue
		}
		if _, seen := rank[name]; !seen {
			rank[name] = i
		}
	}

	// Walk the list keeping the listed entries seen so far on a stack. When a
	// listed entry outranks the top, slide it to sit right before the top and
	// walk on from there: the entries ahead of that index did not change.
	type seen struct{ at, rank int }
	var stack []seen
	for i := 0; i < len(out); i++ {
		r, ok := rankOf(rank, out[i])
		if !ok {
			continue
		}
		if n := len(stack); n > 0 && r < stack[n-1].rank {
			last := stack[n-1].at
			moveBefore(out, i, last)
			stack = stack[:n-1]
			i = last - 1
			continue
		}
		stack = append(stack, seen{at: i, rank: r})
	}
	return out
}

func rankOf(rank map[string]int, e Entry) (int, bool) {
	name, ok := e.Name()
	if !ok {
		return 0, false
	}
	r, ok := rank[name]
	return r, ok
}

// moveBefore moves s[from] to index to (to < from), shifting s[to:from] right.
func moveBefore(s []Entry, from, to int) {
	e := s[from]
	copy(s[to+1:from+1], s[to:from])
	s[to] = e
}
