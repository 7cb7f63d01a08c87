package wire

import (
	"math/rand/v2"
	"strconv"
	"time"
)

// IDGen issues client-side message ids of the form <epoch-ms><random 0-9999>.
// Ids are unique for the generator's lifetime. Not safe for concurrent use.
type IDGen struct {
	now    func() time.Time
	rand   func(n int) int
	issued map[string]struct{}
}

// NewIDGen creates a generator reading time from now.
func NewIDGen(now func() time.Time) *IDGen {
	return &IDGen{
		now:    now,
		rand:   rand.IntN,
		issued: make(map[string]struct{}),
	}
}

// Next returns a fresh message id.
func (g *IDGen) Next() string {
	for {
		ms := g.now().UnixMilli()
		id := strconv.FormatInt(ms, 10) + strconv.Itoa(g.rand(10000))
		if _, dup := g.issued[id]; dup {
			continue
		}
		g.issued[id] = struct{}{}
		return id
	}
}
