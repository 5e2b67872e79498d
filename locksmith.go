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

// Package locksmith is a runtime lock-order verifier.
//
// The verifier maintains, for the lifetime of the process, a directed
// "lock-before" graph whose vertices are live lock instances and whose
// edges record observed acquisition orderings: an edge A -> B means
// some goroutine held A and then acquired B. Whenever a goroutine
// attempts to acquire a lock while already holding others, the verifier
// checks that the new edges would not close a cycle. A cycle is a
// potential deadlock (the classic AB/BA inversion, or longer), and is
// reported through a user-installable error callback. Try-style
// acquisitions that would close a cycle additionally fail with a
// distinguished would-deadlock status; blocking acquisitions are
// permitted and only reported, so the verifier never perturbs the
// behavior it is observing.
//
// Most users interact through the drop-in wrappers:
//
//	var mu locksmith.Mutex        // zero value is ready to use
//	a := locksmith.NewMutex("a")  // or name locks for readable reports
//	b := locksmith.NewMutex("b")
//
//	a.Lock()
//	b.Lock()          // records the ordering a -> b
//	b.Unlock()
//	a.Unlock()
//
//	b.Lock()
//	err := a.TryLock() // would close b -> a: reported, ErrWouldDeadlock
//
// The hook layer underneath (OptionalInit, Destroy, PreLock, PostLock,
// PreUnlock, PostUnlock) is exported so callers with their own
// primitives can compose the same bracketing the wrappers use:
//
//	status = PreLock(...); if status != nil && mayFail { return status }
//	real acquisition
//	PostLock(..., realStatus)
//
// Violations flow through the callback installed with SetErrorCallback;
// the default formats to Opts.Logger. The callback runs with the
// calling goroutine's interception bypassed, so it may itself take
// locks without reentering the verifier, and it must be
// reentrancy-safe.
//
// The verifier models mutexes and spin locks in one shared graph. It
// does not model reader/writer locks, condition-variable wait graphs,
// or barriers; it reports violations of orderings actually executed and
// proves nothing about orderings that never ran.
package locksmith

import (
	"fmt"
	"sync"

	"github.com/petermattis/goid"
)

var initOnce sync.Once

// Init performs one-shot setup of the dispatch table of underlying
// primitive operations. Idempotent and safe for concurrent use; every
// hook calls it lazily, so explicit calls are only needed to front-load
// the work.
func Init() error {
	initOnce.Do(installDefaultOps)
	return nil
}

// OptionalInit registers the lock at addr, creating a record on first
// sight. Returns ErrAlreadyInitialized if a live record exists; lazy
// callers treat that as success, explicit re-init under Opts.Strict is
// also reported. sleepable annotates reports only (true for mutexes,
// false for spin locks).
func OptionalInit(addr any, sleepable bool) error {
	return optionalInit(addr, "", sleepable)
}

func optionalInit(addr any, name string, sleepable bool) error {
	Init()
	gid := goid.Get()
	if bypassed(gid) {
		return nil
	}
	registry.Lock()
	rec, existed := internLocked(addr, name, sleepable)
	recName := rec.name
	registry.Unlock()
	if existed {
		if Opts.Strict {
			report(CodeAlreadyInitialized, "goroutine %d: repeated init of %s", gid, recName)
		}
		return ErrAlreadyInitialized
	}
	return nil
}

// Destroy removes the lock at addr from the verifier. Returns
// ErrNotFound if the address was never tracked (acceptable for
// statically-initialized locks that never interacted with the core) and
// ErrBusy, with a report, if any goroutine still holds it; destruction
// is then refused. On success the vertex and all its edges are gone, so
// an address recycled by a later init starts with no history.
func Destroy(addr any) error {
	Init()
	gid := goid.Get()
	if bypassed(gid) {
		return nil
	}
	registry.Lock()
	rec := lookupLocked(addr)
	if rec == nil {
		registry.Unlock()
		return ErrNotFound
	}
	if anyoneHolds(rec.id) {
		name, kind := rec.name, rec.kind()
		registry.Unlock()
		report(CodeBusy, "goroutine %d: cannot destroy %s %s: still held", gid, kind, name)
		return ErrBusy
	}
	removeVertexLocked(rec)
	forgetLocked(rec)
	registry.Unlock()
	return nil
}

// PreLock runs before an acquisition of the lock at addr. It interns
// unseen addresses, verifies the acquisition against the caller's held
// set and the global graph, and tentatively records the new orderings.
//
// A recursive acquisition returns ErrWouldDeadlock and is reported. An
// acquisition that would close a cycle is reported exactly once per
// attempt; it returns ErrWouldDeadlock when mayFail is set (try-style
// callers bypass the primitive and surface the status) and nil
// otherwise (blocking callers proceed so the verifier does not alter
// execution). The cycle-closing edges are never inserted, keeping the
// graph acyclic.
func PreLock(addr any, sleepable bool, mayFail bool) error {
	Init()
	gid := goid.Get()
	if bypassed(gid) {
		return nil
	}
	held := snapshotHeld(gid)

	var (
		code Code
		msg  string
		ret  error
	)
	registry.Lock()
	rec, _ := internLocked(addr, "", sleepable)
	if containsID(held, rec.id) {
		code = CodeDeadlock
		msg = fmt.Sprintf("goroutine %d: recursive acquisition of %s %s, which it already holds",
			gid, rec.kind(), rec.name)
		ret = ErrWouldDeadlock
	} else if path, cyc := wouldAddCycleLocked(rec, held); cyc {
		code = CodeDeadlock
		msg = fmt.Sprintf("goroutine %d: lock inversion: acquiring %s %s while holding {%s} would close the cycle %s",
			gid, rec.kind(), rec.name, namesLocked(held), pathStringLocked(path))
		if mayFail {
			ret = ErrWouldDeadlock
		}
	} else {
		addEdgesLocked(rec, held)
	}
	registry.Unlock()

	if msg != "" {
		report(code, "%s", msg)
	}
	return ret
}

// PostLock runs after the underlying acquisition. A nil underlying
// result adds the lock to the caller's held set; any other result means
// the acquisition did not happen and the verifier records nothing.
func PostLock(addr any, underlying error) {
	Init()
	gid := goid.Get()
	if bypassed(gid) || underlying != nil {
		return
	}
	registry.Lock()
	rec, _ := internLocked(addr, "", true)
	id, name := rec.id, rec.name
	registry.Unlock()
	if err := pushHeld(gid, id); err != nil {
		report(CodeInvalid, "goroutine %d: postlock of %s: %v", gid, name, err)
	}
}

// PreUnlock runs before the underlying release. Returns ErrNotOwner,
// with a PERM report, if the calling goroutine does not hold a tracked
// lock. For a lock the verifier has never seen it also returns
// ErrNotOwner, reporting INVAL only under Opts.Strict. The held-set
// update itself is deferred to PostUnlock so a failing underlying
// release leaves the verifier consistent.
func PreUnlock(addr any) error {
	Init()
	gid := goid.Get()
	if bypassed(gid) {
		return nil
	}
	registry.Lock()
	rec := lookupLocked(addr)
	registry.Unlock()
	if rec == nil {
		if Opts.Strict {
			report(CodeInvalid, "goroutine %d: unlock of untracked lock %p", gid, addr)
		}
		return ErrNotOwner
	}
	if !containsID(snapshotHeld(gid), rec.id) {
		report(CodePerm, "goroutine %d: attempted to unlock %s %s, which it does not hold", gid, rec.kind(), rec.name)
		return ErrNotOwner
	}
	return nil
}

// PostUnlock removes the lock at addr from the caller's held set. Graph
// edges survive; only destroy prunes them.
func PostUnlock(addr any) {
	Init()
	gid := goid.Get()
	if bypassed(gid) {
		return
	}
	registry.Lock()
	rec := lookupLocked(addr)
	registry.Unlock()
	if rec == nil {
		if Opts.Strict {
			report(CodeInvalid, "goroutine %d: postunlock of untracked lock %p", gid, addr)
		}
		return
	}
	if err := removeHeld(gid, rec.id); err != nil && Opts.Strict {
		report(CodeInvalid, "goroutine %d: postunlock of %s: %v", gid, rec.name, err)
	}
}
