package store

import "time"

// ExpirationMode identifies which of the three expiration flavours an entry
// carries (spec §3).
type ExpirationMode uint8

const (
	ExpireNone ExpirationMode = iota
	ExpireAbsolute
	ExpireSliding
)

// RemovalReason identifies why an entry left the engine, for removal-event
// consumers.
type RemovalReason uint8

const (
	ReasonRemoved RemovalReason = iota
	ReasonExpired
	ReasonEvicted
	ReasonCleared
)

// RemovalEvent is emitted (best-effort, non-blocking) for entries created
// with NotifyRemoved=true whenever they disappear for any reason (spec §3,
// §7).
type RemovalEvent struct {
	Key    string
	Reason RemovalReason
}

// entry is the internal representation of spec §3's CacheEntry. Exported
// fields of AddOrUpdate's options are copied in at insertion time; entry
// itself never crosses the package boundary — callers only ever see Key and
// Payload via the public API.
type entry struct {
	key     string
	payload []byte

	mode       ExpirationMode
	absoluteAt time.Time     // ExpireAbsolute only
	slidingTTL time.Duration // ExpireSliding only
	lastAccess time.Time     // ExpireSliding only; refreshed on every GET hit

	interned      bool
	tag           string
	notifyRemoved bool

	// seq is a monotonically increasing counter bumped at insertion, on
	// update and on every successful GET. Nothing reads it: eviction order
	// comes from the position of the entry in the engine's lru list.
	seq int64

	// heapIdx is this entry's position in the expiry min-heap, or -1 if the
	// entry does not participate (interned, or ExpireNone).
	heapIdx int

	// lruElem links the entry into the eviction list; nil for interned
	// entries, which are exempt from eviction (spec §3 invariant b).
	lruElem *lruElement
}

// nextExpiry returns the instant at which this entry should be swept, or the
// zero Time if it never expires on its own (ExpireNone or interned).
func (e *entry) nextExpiry() time.Time {
	switch e.mode {
	case ExpireAbsolute:
		return e.absoluteAt
	case ExpireSliding:
		return e.lastAccess.Add(e.slidingTTL)
	default:
		return time.Time{}
	}
}

// AddOptions bundles the optional knobs accepted by AddOrUpdate(Many).
type AddOptions struct {
	Mode          ExpirationMode
	AbsoluteAt    time.Time
	SlidingTTL    time.Duration
	Tag           string
	Interned      bool
	NotifyRemoved bool
}
