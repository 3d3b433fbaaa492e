package obs

import (
	"sync/atomic"
	"time"
)

// LinkIDs hands out monotonically increasing transport link IDs for log lines.
type LinkIDs struct {
	next uint64
}

// NewLinkIDs returns a generator seeded with the given value.
func NewLinkIDs(seed uint64) *LinkIDs {
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	return &LinkIDs{next: seed}
}

// Next returns the next link ID.
func (g *LinkIDs) Next() uint64 {
	if g == nil {
		return 0
	}
	return atomic.AddUint64(&g.next, 1)
}
