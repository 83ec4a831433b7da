// Package middleware resolves and orders HTTP middleware pipelines.
//
// Routes reference middleware by name, optionally with parameters after a
// colon ("throttle:60,1m"), by group name ("api"), or inline as an opaque
// value built in code. A Registry expands groups, drops duplicate references,
// orders the result against a configured priority list (SortByPriority) and
// chains the instantiated handlers, first entry outermost.
//
// # Priority ordering
//
// Entries whose name appears in the priority list end up in priority order
// relative to each other. Everything else (unlisted names and inline values)
// keeps its original position relative to the other unlisted entries.
package middleware
