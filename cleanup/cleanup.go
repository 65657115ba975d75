// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cleanup implements the LIFO teardown stack used by a Program under
// construction. Every resource acquired during bootstrap (file descriptors,
// ELF handles, DWARF indices, heap allocations) registers a cleanup action
// immediately after acquisition; the stack unwinds those actions in reverse
// order on Program.Destroy, or partially on a bootstrap failure.
package cleanup

// Func is a teardown action. It must not panic.
type Func func()

// entry is a registered cleanup, identified by a monotonically increasing id
// so Remove can match exactly the registration that Add returned, even if two
// registrations share the same underlying closure value.
type entry struct {
	id int
	fn Func
}

// Stack is a LIFO list of pending cleanup actions.
type Stack struct {
	entries []entry
	nextID  int
}

// ID identifies one registration returned by Add, for use with Remove.
type ID int

// Add pushes fn onto the stack and returns an identity that can later be
// passed to Remove to cancel it before it runs.
func (s *Stack) Add(fn Func) ID {
	id := s.nextID
	s.nextID++
	s.entries = append(s.entries, entry{id: id, fn: fn})
	return ID(id)
}

// Remove cancels a previously registered cleanup by identity. It reports
// whether id was found and had not yet run (Unwind). Removing an id that
// was already invoked or never registered is a no-op returning false.
func (s *Stack) Remove(id ID) bool {
	for i, e := range s.entries {
		if e.id == int(id) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Unwind invokes every still-registered cleanup in LIFO order and empties the
// stack. Safe to call on an empty or already-unwound stack.
func (s *Stack) Unwind() {
	for i := len(s.entries) - 1; i >= 0; i-- {
		s.entries[i].fn()
	}
	s.entries = nil
}

// Len reports the number of cleanups currently registered.
func (s *Stack) Len() int {
	return len(s.entries)
}
