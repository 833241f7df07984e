package server

import (
	"math"
	"math/rand/v2"
)

// IDAllocator hands out session ids from [0, max]. A candidate is drawn at
// random and probed linearly, wrapping at max, until one is free. Ids are
// never negative, so the allocator cannot produce protocol.NoClientID.
//
// IDAllocator holds no state of its own; the caller supplies the occupancy
// test and must hold whatever lock makes that test stable.
type IDAllocator struct {
	max  int64
	draw func() int64
}

// NewIDAllocator creates an allocator over [0, max]. A non-positive max
// selects the full non-negative int64 range.
func NewIDAllocator(max int64) *IDAllocator {
	if max <= 0 {
		max = math.MaxInt64
	}
	a := &IDAllocator{max: max}
	if max == math.MaxInt64 {
		a.draw = rand.Int64
	} else {
		a.draw = func() int64 { return rand.Int64N(max + 1) }
	}
	return a
}

// Max returns the largest id the allocator may return.
func (a *IDAllocator) Max() int64 {
	return a.max
}

// Next returns the first id at or after a random start for which taken
// reports false. It returns ErrIDSpaceExhausted after probing every id.
func (a *IDAllocator) Next(taken func(id int64) bool) (int64, error) {
	start := a.draw()
	id := start
	for {
		if !taken(id) {
			return id, nil
		}
		if id == a.max {
			id = 0
		} else {
			id++
		}
		if id == start {
			return 0, ErrIDSpaceExhausted
		}
	}
}
