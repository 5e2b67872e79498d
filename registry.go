// Copyright 2024 the Locksmith authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package locksmith

import (
	"fmt"
	"sync"
)

// LockID identifies a live lock. Ids are nonzero and monotonically
// assigned; an address reused after destroy receives a fresh id, which
// is what discards the destroyed lock's ordering history.
type LockID uint64

// lockRecord is the registry's view of one live lock. The graph is
// embedded: before holds the ids observed held while this lock was
// acquired, after holds the ids acquired while this lock was held.
// Both directions are kept so cycle queries walk forward edges directly.
type lockRecord struct {
	id        LockID
	addr      any
	name      string
	sleepable bool

	before map[LockID]struct{}
	after  map[LockID]struct{}
}

// kind annotates reports only; mutexes and spin locks share one graph.
func (r *lockRecord) kind() string {
	if r.sleepable {
		return "mutex"
	}
	return "spin lock"
}

// registry owns every live lockRecord, keyed by the primitive's opaque
// address. Its mutex serializes all graph mutation and cycle queries so
// acyclicity checks are atomic with their insertions. This lock is
// implementation-private and never appears in the tracked graph.
var registry = struct {
	sync.Mutex
	byAddr map[any]*lockRecord
	byID   map[LockID]*lockRecord
	nextID LockID
}{
	byAddr: make(map[any]*lockRecord),
	byID:   make(map[LockID]*lockRecord),
}

// internLocked returns the live record for addr, creating one if none
// exists. Idempotent per live record: a second intern returns the
// original and ignores the suggested name. Caller holds the registry
// lock.
func internLocked(addr any, name string, sleepable bool) (rec *lockRecord, existed bool) {
	if rec = registry.byAddr[addr]; rec != nil {
		return rec, true
	}
	registry.nextID++
	if name == "" {
		name = fmt.Sprintf("%p", addr)
	}
	rec = &lockRecord{
		id:        registry.nextID,
		addr:      addr,
		name:      name,
		sleepable: sleepable,
		before:    make(map[LockID]struct{}),
		after:     make(map[LockID]struct{}),
	}
	registry.byAddr[addr] = rec
	registry.byID[rec.id] = rec
	return rec, false
}

// lookupLocked returns the live record for addr, or nil.
func lookupLocked(addr any) *lockRecord {
	return registry.byAddr[addr]
}

// forgetLocked removes the record. The caller has already verified that
// no goroutine holds it and severed its graph edges.
func forgetLocked(rec *lockRecord) {
	delete(registry.byAddr, rec.addr)
	delete(registry.byID, rec.id)
}

// namesLocked renders a held set for reports. Ids whose records were
// destroyed concurrently render by number.
func namesLocked(ids []LockID) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += ", "
		}
		if rec := registry.byID[id]; rec != nil {
			s += rec.name
		} else {
			s += fmt.Sprintf("#%d", id)
		}
	}
	return s
}
