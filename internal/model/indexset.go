package model

import "sort"

// IndexSet is a set of playlist entry indices. Indices are 1-based, matching
// the numbering the engine reports for playlist items.
type IndexSet map[int]struct{}

// NewIndexSet creates a set holding the given indices
func NewIndexSet(indices ...int) IndexSet {
	s := make(IndexSet, len(indices))
	for _, i := range indices {
		s[i] = struct{}{}
	}
	return s
}

// Add inserts an index into the set
func (s IndexSet) Add(i int) {
	s[i] = struct{}{}
}

// Remove deletes an index from the set
func (s IndexSet) Remove(i int) {
	delete(s, i)
}

// Has reports whether the index is in the set
func (s IndexSet) Has(i int) bool {
	_, ok := s[i]
	return ok
}

// Len returns the number of indices in the set
func (s IndexSet) Len() int {
	return len(s)
}

// Values returns the indices in ascending order
func (s IndexSet) Values() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Clone returns an independent copy of the set
func (s IndexSet) Clone() IndexSet {
	if s == nil {
		return nil
	}
	out := make(IndexSet, len(s))
	for i := range s {
		out[i] = struct{}{}
	}
	return out
}

// RetainOnly removes every index not present in keep. A nil keep set means
// no restriction and leaves the set untouched.
func (s IndexSet) RetainOnly(keep IndexSet) {
	if keep == nil {
		return
	}
	for i := range s {
		if !keep.Has(i) {
			delete(s, i)
		}
	}
}

// SubsetOf reports whether every index in s is also in other. A nil other
// means no restriction, so any set is a subset of it.
func (s IndexSet) SubsetOf(other IndexSet) bool {
	if other == nil {
		return true
	}
	for i := range s {
		if !other.Has(i) {
			return false
		}
	}
	return true
}
