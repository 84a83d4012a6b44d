// Package membership holds the Manager's authoritative view of the cluster:
// the live Cache Host list used to build routing rings (spec §4.3) and to
// answer cluster snapshot queries (spec §4.6).
package membership

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// HostDescriptor is what the Manager knows about one registered Cache Host.
type HostDescriptor struct {
	Address      string
	Port         int
	Ordinal      int // position used by the routing ring (spec §4.3)
	RegisteredAt time.Time
	LastSeenAt   time.Time

	// Latest self-reported performance sample (spec §4.6 ClusterSnapshot).
	ItemCount        int64
	UsageBytes       int64
	MemoryLimitPct   int
	ConsecutiveMisses int
}

func (h HostDescriptor) key() string {
	return h.Address + ":" + strconv.Itoa(h.Port)
}

// Table is the Manager's host registry. One RWMutex guards it (spec §5).
type Table struct {
	mu    sync.RWMutex
	hosts map[string]*HostDescriptor
	order []string // insertion order, source of Ordinal assignment
}

func New() *Table {
	return &Table{hosts: make(map[string]*HostDescriptor)}
}

// Register adds or refreshes a host, assigning it the next free ordinal on
// first sight. Returns true when this was a new registration.
func (t *Table) Register(addr string, port int) (desc HostDescriptor, isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := HostDescriptor{Address: addr, Port: port}
	k := h.key()
	now := nowFunc()
	if existing, ok := t.hosts[k]; ok {
		existing.LastSeenAt = now
		existing.ConsecutiveMisses = 0
		return *existing, false
	}

	h.Ordinal = len(t.order)
	h.RegisteredAt = now
	h.LastSeenAt = now
	t.hosts[k] = &h
	t.order = append(t.order, k)
	t.renumberLocked()
	return h, true
}

// Deregister removes a host. Returns true if it was present.
func (t *Table) Deregister(addr string, port int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := (HostDescriptor{Address: addr, Port: port}).key()
	if _, ok := t.hosts[k]; !ok {
		return false
	}
	delete(t.hosts, k)
	for i, ok := range t.order {
		if ok == k {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.renumberLocked()
	return true
}

// renumberLocked reassigns Ordinal from insertion order so the routing ring
// (spec §4.3) always sees a dense [0,N) ordinal space.
func (t *Table) renumberLocked() {
	for i, k := range t.order {
		t.hosts[k].Ordinal = i
	}
}

// UpdatePerformance records a host's self-reported counters from a poll.
func (t *Table) UpdatePerformance(addr string, port int, itemCount, usageBytes int64, memLimitPct int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := (HostDescriptor{Address: addr, Port: port}).key()
	h, ok := t.hosts[k]
	if !ok {
		return false
	}
	h.ItemCount = itemCount
	h.UsageBytes = usageBytes
	h.MemoryLimitPct = memLimitPct
	h.LastSeenAt = nowFunc()
	h.ConsecutiveMisses = 0
	return true
}

// NoteMissedPoll increments a host's consecutive-miss counter and reports
// the new value, letting a caller decide whether to auto-deregister it
// (see DESIGN.md's resolution of the corresponding Open Question).
func (t *Table) NoteMissedPoll(addr string, port int) (misses int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := (HostDescriptor{Address: addr, Port: port}).key()
	h, present := t.hosts[k]
	if !present {
		return 0, false
	}
	h.ConsecutiveMisses++
	return h.ConsecutiveMisses, true
}

// Snapshot returns a defensive copy of all hosts ordered by Ordinal, for the
// Manager's ClusterSnapshot/Board endpoint (spec §4.6).
func (t *Table) Snapshot() []HostDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]HostDescriptor, 0, len(t.hosts))
	for _, h := range t.hosts {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// Addresses returns the "host:port" strings in ordinal order, the exact
// input the routing ring's Recompute expects (spec §4.3).
func (t *Table) Addresses() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	for _, k := range t.order {
		out[t.hosts[k].Ordinal] = k
	}
	return out
}

// Count returns the number of registered hosts.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.hosts)
}

// nowFunc is a seam for tests; production always uses time.Now.
var nowFunc = time.Now
