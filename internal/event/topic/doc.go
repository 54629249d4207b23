// Package topic provides hierarchical topic names and pattern matching for
// the event bus.
//
// Topics use dot notation:
//
//	debug.session.state
//	debug.runstate.changed
//	debug.breakpoint.hit
//
// Patterns may contain wildcards:
//
//   - "*" matches exactly one segment
//   - "**" matches zero or more segments
//
// Examples:
//
//	debug.*          matches debug.cache (not debug.cache.changed)
//	debug.**         matches every debug topic
//	*.*.changed      matches debug.cache.changed, debug.runstate.changed
package topic
