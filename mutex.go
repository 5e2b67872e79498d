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
	"sync/atomic"
)

// primitiveOps is the dispatch table of real primitive operations the
// wrappers call through to. The wrapper layer, not the core, owns it;
// Init installs the defaults and tests may swap entries to fault the
// underlying operation.
type primitiveOps struct {
	mutexLock    func(*sync.Mutex)
	mutexTryLock func(*sync.Mutex) bool
	mutexUnlock  func(*sync.Mutex)
	spinLock     func(*atomic.Uint32)
	spinTryLock  func(*atomic.Uint32) bool
	spinUnlock   func(*atomic.Uint32)
}

var ops primitiveOps

func installDefaultOps() {
	ops = primitiveOps{
		mutexLock:    (*sync.Mutex).Lock,
		mutexTryLock: (*sync.Mutex).TryLock,
		mutexUnlock:  (*sync.Mutex).Unlock,
		spinLock:     spinAcquire,
		spinTryLock:  spinTryAcquire,
		spinUnlock:   spinRelease,
	}
}

// Mutex is a drop-in sleepable lock checked by the verifier. The zero
// value is ready to use; the lock registers itself on first
// acquisition, the same way a statically-initialized primitive would.
type Mutex struct {
	mu sync.Mutex
}

// NewMutex registers a mutex up front under a debug name, which reports
// use instead of the stringified address.
func NewMutex(name string) *Mutex {
	m := &Mutex{}
	// Already-initialized is soft success on this path.
	if err := optionalInit(m, name, true); err != nil && !errors.Is(err, ErrAlreadyInitialized) {
		panic(err)
	}
	return m
}

// Lock acquires the mutex, blocking until it is available.
//
// A recursive acquisition is reported and returned as ErrWouldDeadlock
// without touching the underlying mutex. An acquisition that would
// close an ordering cycle is reported but still performed, so checked
// code behaves exactly like unchecked code.
func (m *Mutex) Lock() error {
	if err := PreLock(m, true, false); err != nil {
		return err
	}
	ops.mutexLock(&m.mu)
	PostLock(m, nil)
	return nil
}

// TryLock attempts the mutex without blocking. Returns nil on success,
// ErrWouldDeadlock if the acquisition would close an ordering cycle
// (the underlying mutex is left untouched), and ErrBusy if the mutex is
// contended.
func (m *Mutex) TryLock() error {
	if err := PreLock(m, true, true); err != nil {
		return err
	}
	if !ops.mutexTryLock(&m.mu) {
		PostLock(m, ErrBusy)
		return ErrBusy
	}
	PostLock(m, nil)
	return nil
}

// Unlock releases the mutex. An unlock by a goroutine that does not
// hold it is reported and returned as ErrNotOwner, but the release is
// still forwarded to the underlying mutex so native semantics decide
// the outcome; the verifier's held state for the true owner is
// untouched.
func (m *Mutex) Unlock() error {
	err := PreUnlock(m)
	ops.mutexUnlock(&m.mu)
	if err != nil {
		return err
	}
	PostUnlock(m)
	return nil
}

// Destroy retires the mutex from the verifier, refusing (ErrBusy) while
// any goroutine holds it. A mutex that never interacted with the
// verifier destroys cleanly.
func (m *Mutex) Destroy() error {
	err := Destroy(m)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
