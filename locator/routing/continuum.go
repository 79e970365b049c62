// Package routing implements the weighted Ketama-style consistent-hashing
// continuum the locator uses to pick a remote instance for a routing group,
// grounded on original_source's
// src/service/locator/routing.cpp (continuum_t): each group member is
// plotted onto a ring as a number of (MD5-derived) points proportional to
// its weight, and lookups binary-search the ring for the next point at or
// above a hashed key, wrapping to the first point if the key hashes past
// the end.
package routing

import (
	"crypto/md5"
	"encoding/binary"
	"math"
	"math/rand"
	"sort"
)

// pointsPerMember is the original implementation's per-member step count at
// equal weight. Each step hashes one MD5 digest and plots all four of its
// 32-bit words, so an equally weighted member gets 4*pointsPerMember points.
const pointsPerMember = 64

// point is one location on the ring: a signed 32-bit coordinate plus the
// continuum member it resolves to.
type point struct {
	coord int32
	value string
}

// Continuum is an immutable, sorted ring built from a weighted member set.
type Continuum struct {
	points []point
	rng    *rand.Rand
}

// Member is one weighted entry fed into Build.
type Member struct {
	Value  string
	Weight float64
}

// Build constructs a Continuum the same way continuum_t's constructor does:
// proportional point counts per member, each point's coordinate derived
// from MD5(value || step_index), sorted for binary search.
func Build(members []Member, seed int64) *Continuum {
	total := 0.0
	for _, m := range members {
		total += m.Weight
	}

	var pts []point
	if total > 0 {
		length := len(members)
		for _, m := range members {
			slice := m.Weight / total
			steps := int(math.Round(slice * float64(pointsPerMember*length)))
			for step := 0; step < steps; step++ {
				h := md5.New()
				h.Write([]byte(m.Value))
				var stepBuf [8]byte
				binary.LittleEndian.PutUint64(stepBuf[:], uint64(step))
				h.Write(stepBuf[:])
				digest := h.Sum(nil)
				for part := 0; part < 4; part++ {
					coord := int32(binary.LittleEndian.Uint32(digest[part*4 : part*4+4]))
					pts = append(pts, point{coord: coord, value: m.Value})
				}
			}
		}
	}

	sort.Slice(pts, func(i, j int) bool { return pts[i].coord < pts[j].coord })

	return &Continuum{points: pts, rng: rand.New(rand.NewSource(seed))}
}

// Empty reports whether the continuum carries no points (no members, or
// every member had zero total weight).
func (c *Continuum) Empty() bool { return len(c.points) == 0 }

// Get resolves key to a continuum member: hash key to a point, then return
// the value at the next ring point at or above it (wrapping to the first
// point past the end), matching continuum_t::get(key).
func (c *Continuum) Get(key string) (string, bool) {
	if c.Empty() {
		return "", false
	}
	sum := md5.Sum([]byte(key))
	var coord int32
	for part := 0; part < 4; part++ {
		coord ^= int32(binary.LittleEndian.Uint32(sum[part*4 : part*4+4]))
	}
	return c.resolve(coord), true
}

// GetRandom resolves a uniformly random point on the ring, matching
// continuum_t::get() (no key): used when a caller wants any instance from
// the group without a stable routing key.
func (c *Continuum) GetRandom() (string, bool) {
	if c.Empty() {
		return "", false
	}
	coord := int32(c.rng.Uint32())
	return c.resolve(coord), true
}

func (c *Continuum) resolve(coord int32) string {
	idx := sort.Search(len(c.points), func(i int) bool { return c.points[i].coord >= coord })
	if idx == len(c.points) {
		idx = 0
	}
	return c.points[idx].value
}
