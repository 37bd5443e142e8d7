package membership

import (
	"fmt"
	"time"

	"github.com/granary-io/granary/pkg/types"
)

// Suspicion records one peer's vote that a silo is dead.
type Suspicion struct {
	By types.SiloAddress `json:"by"`
	At time.Time         `json:"at"`
}

// Entry is one silo's row in the membership table.
type Entry struct {
	Silo         types.SiloAddress `json:"silo"`
	HostName     string            `json:"host_name"`
	Role         string            `json:"role"`
	Status       types.SiloStatus  `json:"status"`
	StartTime    time.Time         `json:"start_time"`
	IAmAliveTime time.Time         `json:"i_am_alive_time"`
	UpdateZone   int               `json:"update_zone"`
	FaultZone    int               `json:"fault_zone"`
	Suspectors   []Suspicion       `json:"suspectors,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Suspectors = append([]Suspicion(nil), e.Suspectors...)
	return &c
}

// FreshSuspicions returns the suspicions cast within the sliding window
// ending at now, newest last.
func (e *Entry) FreshSuspicions(window time.Duration, now time.Time) []Suspicion {
	var fresh []Suspicion
	for _, s := range e.Suspectors {
		if now.Sub(s.At) <= window {
			fresh = append(fresh, s)
		}
	}
	return fresh
}

// AddSuspicion records a vote, replacing a stale vote from the same
// suspector.
func (e *Entry) AddSuspicion(by types.SiloAddress, at time.Time) {
	for i, s := range e.Suspectors {
		if s.By.Equal(by) {
			e.Suspectors[i].At = at
			return
		}
	}
	e.Suspectors = append(e.Suspectors, Suspicion{By: by, At: at})
}

// TableVersion is the monotonically increasing version of the whole
// table, with the backend's opaque concurrency tag.
type TableVersion struct {
	Version int    `json:"version"`
	Etag    string `json:"etag"`
}

// Next returns the version a successful write must install.
func (v TableVersion) Next() TableVersion {
	return TableVersion{Version: v.Version + 1, Etag: v.Etag}
}

func (v TableVersion) String() string {
	return fmt.Sprintf("<%d, %s>", v.Version, v.Etag)
}

// Row pairs an entry with its row-level concurrency tag.
type Row struct {
	Entry *Entry `json:"entry"`
	Etag  string `json:"etag"`
}

// Table is a consistent snapshot of the membership table.
type Table struct {
	Version TableVersion `json:"version"`
	Rows    []Row        `json:"rows"`
}

// Get returns the row for a silo, or nil.
func (t *Table) Get(silo types.SiloAddress) *Row {
	for i := range t.Rows {
		if t.Rows[i].Entry.Silo.Equal(silo) {
			return &t.Rows[i]
		}
	}
	return nil
}

// ActiveSilos returns the addresses of all Active rows.
func (t *Table) ActiveSilos() []types.SiloAddress {
	var active []types.SiloAddress
	for _, r := range t.Rows {
		if r.Entry.Status == types.StatusActive {
			active = append(active, r.Entry.Silo)
		}
	}
	return active
}

// WithoutDuplicateDeads filters rows superseded by a newer generation on
// the same endpoint, keeping only the most recent row per endpoint plus
// any live rows.
func (t *Table) WithoutDuplicateDeads() []Row {
	out := make([]Row, 0, len(t.Rows))
	for _, r := range t.Rows {
		if r.Entry.Status != types.StatusDead {
			out = append(out, r)
			continue
		}
		superseded := false
		for _, other := range t.Rows {
			if other.Entry.Silo.SameEndpoint(r.Entry.Silo) &&
				other.Entry.Silo.Generation > r.Entry.Silo.Generation {
				superseded = true
				break
			}
		}
		if !superseded {
			out = append(out, r)
		}
	}
	return out
}
