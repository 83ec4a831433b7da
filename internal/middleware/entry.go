package middleware

import "strings"

// Entry is one item of a middleware list: a named reference such as
// "First" or "First:foo,bar", or an opaque value that carries no name.
type Entry struct {
	ref    string
	opaque any
	named  bool
}

// Named returns an entry for a name reference. Anything after the first ':'
// is a parameter list and is ignored when comparing names.
func Named(ref string) Entry { return Entry{ref: ref, named: true} }

// Opaque wraps a value that has no name (for example an inline Middleware).
// Opaque entries never match a priority name and are never moved.
func Opaque(v any) Entry { return Entry{opaque: v} }

// Names converts plain references to entries.
func Names(refs ...string) []Entry {
	out := make([]Entry, len(refs))
	for i, r := range refs {
		out[i] = Named(r)
	}
	return out
}

func (e Entry) IsNamed() bool { return e.named }

// Ref returns the full reference, parameters included ("" for opaque entries).
func (e Entry) Ref() string { return e.ref }

// Value returns the wrapped value of an opaque entry.
func (e Entry) Value() any { return e.opaque }

// Name returns the comparable name: the reference up to the first ':'.
func (e Entry) Name() (string, bool) {
	if !e.named {
		return "", false
	}
	name, _, _ := strings.Cut(e.ref, ":")
	return name, true
}

// Args returns the comma separated parameters after the first ':'.
func (e Entry) Args() []string {
	if !e.named {
		return nil
	}
	_, raw, ok := strings.Cut(e.ref, ":")
	if !ok || raw == "" {
		return nil
	}
	args := strings.Split(raw, ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}
	return args
}

func (e Entry) String() string {
	if e.named {
		return e.ref
	}
	return "<inline>"
}
