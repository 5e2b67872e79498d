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
	"errors"
	"sync"
)

var (
	errAlreadyHeld = errors.New("lock already held by this goroutine")
	errNotHeld     = errors.New("lock not held by this goroutine")
)

// threadState tracks one goroutine's view of the verifier: the locks it
// currently holds, in acquisition order, and whether it is executing
// inside the error callback.
type threadState struct {
	held   []LockID
	bypass bool
}

// threads maps goroutine ids to their state. Slots are created on first
// use and reclaimed as soon as they drain; Go offers no goroutine-exit
// hook, and a goroutine that exits while holding locks is itself a bug
// this tool exists to surface.
//
// The threads mutex is ordered after the registry lock: code holding it
// must never go on to take the registry lock.
var threads = struct {
	sync.Mutex
	m map[int64]*threadState
}{m: make(map[int64]*threadState)}

func threadFor(gid int64) *threadState {
	ts := threads.m[gid]
	if ts == nil {
		ts = &threadState{}
		threads.m[gid] = ts
	}
	return ts
}

// reapLocked drops the goroutine's slot once nothing references it.
func reapLocked(gid int64, ts *threadState) {
	if len(ts.held) == 0 && !ts.bypass {
		delete(threads.m, gid)
	}
}

// pushHeld appends id to the goroutine's held list. Each lock may
// appear at most once per goroutine; recursive holding is a policy
// violation caught in prelock, so a duplicate here is an internal error.
func pushHeld(gid int64, id LockID) error {
	threads.Lock()
	defer threads.Unlock()
	ts := threadFor(gid)
	for _, h := range ts.held {
		if h == id {
			return errAlreadyHeld
		}
	}
	ts.held = append(ts.held, id)
	return nil
}

func removeHeld(gid int64, id LockID) error {
	threads.Lock()
	defer threads.Unlock()
	ts := threads.m[gid]
	if ts == nil {
		return errNotHeld
	}
	for i, h := range ts.held {
		if h == id {
			ts.held = append(ts.held[:i], ts.held[i+1:]...)
			reapLocked(gid, ts)
			return nil
		}
	}
	return errNotHeld
}

// snapshotHeld copies the goroutine's held list so graph updates can
// run under the registry lock without pinning the per-thread state.
func snapshotHeld(gid int64) []LockID {
	threads.Lock()
	defer threads.Unlock()
	ts := threads.m[gid]
	if ts == nil || len(ts.held) == 0 {
		return nil
	}
	out := make([]LockID, len(ts.held))
	copy(out, ts.held)
	return out
}

// anyoneHolds reports whether any goroutine currently holds id.
func anyoneHolds(id LockID) bool {
	threads.Lock()
	defer threads.Unlock()
	for _, ts := range threads.m {
		for _, h := range ts.held {
			if h == id {
				return true
			}
		}
	}
	return false
}

// setBypass flags the goroutine as inside the error callback. While the
// flag is set every verifier hook no-ops, so callbacks may take locks
// without reentering the core.
func setBypass(gid int64, v bool) {
	threads.Lock()
	defer threads.Unlock()
	if v {
		threadFor(gid).bypass = true
		return
	}
	if ts := threads.m[gid]; ts != nil {
		ts.bypass = false
		reapLocked(gid, ts)
	}
}

func bypassed(gid int64) bool {
	threads.Lock()
	defer threads.Unlock()
	ts := threads.m[gid]
	return ts != nil && ts.bypass
}

func containsID(ids []LockID, id LockID) bool {
	for _, h := range ids {
		if h == id {
			return true
		}
	}
	return false
}
