package message

// Ref is a handle to an arena slot. Refs to freed slots are detected by their
// generation and never alias a later occupant.
type Ref struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether r is the zero Ref, which never points at a record.
func (r Ref) IsZero() bool { return r.gen == 0 }

type slot struct {
	rec  Record
	gen  uint32
	refs int
}

// Arena stores records in reusable slots with reference counting. Slots are
// heap-allocated, so a *Record from Get stays valid while later Allocs grow
// the arena; it is only invalidated when the last reference is released.
// Not safe for concurrent use.
type Arena struct {
	slots []*slot
	free  []uint32
	live  int
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Alloc stores rec and returns a Ref holding one reference.
func (a *Arena) Alloc(rec Record) Ref {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, &slot{})
		idx = uint32(len(a.slots) - 1)
	}
	s := a.slots[idx]
	s.gen++
	s.rec = rec
	s.refs = 1
	a.live++
	return Ref{slot: idx, gen: s.gen}
}

func (a *Arena) lookup(r Ref) *slot {
	if r.gen == 0 || int(r.slot) >= len(a.slots) {
		return nil
	}
	s := a.slots[r.slot]
	if s.gen != r.gen || s.refs == 0 {
		return nil
	}
	return s
}

// Get returns the record behind r for in-place mutation.
func (a *Arena) Get(r Ref) (*Record, bool) {
	s := a.lookup(r)
	if s == nil {
		return nil, false
	}
	return &s.rec, true
}

// Retain adds a reference to r.
func (a *Arena) Retain(r Ref) bool {
	s := a.lookup(r)
	if s == nil {
		return false
	}
	s.refs++
	return true
}

// Release drops a reference to r, freeing the slot when none remain.
func (a *Arena) Release(r Ref) {
	s := a.lookup(r)
	if s == nil {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	s.rec = Record{}
	a.free = append(a.free, r.slot)
	a.live--
}

// Len returns the number of live records.
func (a *Arena) Len() int {
	return a.live
}
