package fleet

import (
	"math/rand"
	"sync"
	"time"
)

const (
	minUserID = 100000
	maxUserID = 999999
	idSpace   = maxUserID - minUserID + 1
)

// IDGenerator draws user IDs uniformly from [100000, 999999] and supplies
// the write-interval jitter. It is safe for concurrent use.
type IDGenerator struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	unique bool
	used   map[int]struct{}
}

// NewIDGenerator seeds the generator; seed 0 picks one from the clock. With
// unique set, Next never returns the same ID twice.
func NewIDGenerator(seed int64, unique bool) *IDGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	g := &IDGenerator{
		rnd:    rand.New(rand.NewSource(seed)),
		unique: unique,
	}
	if unique {
		g.used = make(map[int]struct{})
	}
	return g
}

// Next returns a user ID. In unique mode it panics once the ID space is
// exhausted; configuration validation keeps the population below that.
func (g *IDGenerator) Next() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.unique {
		return minUserID + g.rnd.Intn(idSpace)
	}
	if len(g.used) >= idSpace {
		panic("fleet: user id space exhausted")
	}
	for {
		id := minUserID + g.rnd.Intn(idSpace)
		if _, taken := g.used[id]; taken {
			continue
		}
		g.used[id] = struct{}{}
		return id
	}
}

// Jitter returns a value in [0,1).
func (g *IDGenerator) Jitter() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Float64()
}
