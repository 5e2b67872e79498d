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
	"runtime"
	"sync/atomic"
	"time"
)

const startingBackoff = 50 * time.Microsecond
const maxBackoff = 500 * time.Millisecond
const backoffFactor = 2

// How many CAS failures to tolerate before the spinner stops merely
// yielding and starts sleeping with backoff.
const spinsBeforeBackoff = 64

// spinAcquire spins on a CAS of the state word. Each failed attempt in
// the first burst yields the processor; after the burst it sleeps,
// backing off exponentially so a long-held lock does not burn a core.
func spinAcquire(state *atomic.Uint32) {
	backoff := startingBackoff
	for spins := 0; !state.CompareAndSwap(0, 1); spins++ {
		if spins < spinsBeforeBackoff {
			runtime.Gosched()
			continue
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= backoffFactor
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func spinTryAcquire(state *atomic.Uint32) bool {
	return state.CompareAndSwap(0, 1)
}

func spinRelease(state *atomic.Uint32) {
	state.Store(0)
}

// SpinLock is a drop-in non-sleepable lock checked by the verifier.
// It participates in the same lock-order graph as Mutex; reports
// annotate it as a spin lock. The zero value is ready to use.
type SpinLock struct {
	state atomic.Uint32
}

// NewSpinLock registers a spin lock up front under a debug name.
func NewSpinLock(name string) *SpinLock {
	s := &SpinLock{}
	if err := optionalInit(s, name, false); err != nil && !errors.Is(err, ErrAlreadyInitialized) {
		panic(err)
	}
	return s
}

// Lock acquires the spin lock, spinning until it is available. Ordering
// violations behave as for Mutex.Lock.
func (s *SpinLock) Lock() error {
	if err := PreLock(s, false, false); err != nil {
		return err
	}
	ops.spinLock(&s.state)
	PostLock(s, nil)
	return nil
}

// TryLock attempts the spin lock with a single CAS. Returns nil,
// ErrWouldDeadlock, or ErrBusy as for Mutex.TryLock.
func (s *SpinLock) TryLock() error {
	if err := PreLock(s, false, true); err != nil {
		return err
	}
	if !ops.spinTryLock(&s.state) {
		PostLock(s, ErrBusy)
		return ErrBusy
	}
	PostLock(s, nil)
	return nil
}

// Unlock releases the spin lock; not-owner semantics as for
// Mutex.Unlock.
func (s *SpinLock) Unlock() error {
	err := PreUnlock(s)
	ops.spinUnlock(&s.state)
	if err != nil {
		return err
	}
	PostUnlock(s)
	return nil
}

// Destroy retires the spin lock from the verifier.
func (s *SpinLock) Destroy() error {
	err := Destroy(s)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
