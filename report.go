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
	"sync/atomic"

	"github.com/petermattis/goid"
	"go.uber.org/zap"
)

// Code classifies a reported violation or status.
type Code int

const (
	// CodeDeadlock marks an acquisition that would close a cycle in the
	// lock-order graph, or a recursive acquisition by the holder.
	CodeDeadlock Code = iota + 1
	// CodeBusy marks a destroy attempted while the lock is held.
	CodeBusy
	// CodePerm marks an unlock attempted by a goroutine that does not
	// hold the lock.
	CodePerm
	// CodeNotFound marks an operation on a lock the verifier has never
	// seen. Not reported; surfaced only as a return status.
	CodeNotFound
	// CodeAlreadyInitialized marks a repeated explicit init. Soft
	// success on the lazy path; reported only under Opts.Strict.
	CodeAlreadyInitialized
	// CodeInvalid marks internal state that should be impossible, such
	// as releasing a lock the held list has no entry for.
	CodeInvalid
)

func (c Code) String() string {
	switch c {
	case CodeDeadlock:
		return "DEADLK"
	case CodeBusy:
		return "BUSY"
	case CodePerm:
		return "PERM"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeAlreadyInitialized:
		return "ALREADY_INITIALIZED"
	case CodeInvalid:
		return "INVAL"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

type statusError struct {
	code Code
	msg  string
}

func (e *statusError) Error() string { return e.msg }

// Code returns the classification carried by the error.
func (e *statusError) Code() Code { return e.code }

// Sentinel statuses returned by the verifier hooks. Compare with
// errors.Is; each carries the Code surfaced to the error callback.
var (
	ErrWouldDeadlock      error = &statusError{CodeDeadlock, "acquisition would deadlock"}
	ErrBusy               error = &statusError{CodeBusy, "lock is busy"}
	ErrNotOwner           error = &statusError{CodePerm, "lock is not held by the caller"}
	ErrNotFound           error = &statusError{CodeNotFound, "lock is not tracked"}
	ErrAlreadyInitialized error = &statusError{CodeAlreadyInitialized, "lock is already initialized"}
	ErrInvalid            error = &statusError{CodeInvalid, "invalid lock state"}
)

// ErrorCallback receives every violation the verifier records. The
// callback runs outside the registry lock and must be reentrancy-safe:
// lock operations performed inside it bypass the verifier entirely.
type ErrorCallback func(code Code, msg string)

// Opts control reporting. Set once at startup, before locks are used.
var Opts = struct {
	// Logger is the sink for the default error callback. Replace it to
	// change verbosity or destination.
	Logger *zap.Logger
	// Strict widens reporting: repeated explicit init reports
	// ALREADY_INITIALIZED, and unlocks of untracked locks report INVAL.
	// Admission decisions are unaffected.
	Strict bool
}{
	Logger: zap.Must(zap.NewDevelopment()),
}

// errorCB holds the installed ErrorCallback. Replacement is racy with
// respect to in-flight reports; the last writer wins.
var errorCB atomic.Value

// SetErrorCallback installs fn as the process-global violation handler.
// Passing nil restores the default handler, which writes to Opts.Logger.
func SetErrorCallback(fn ErrorCallback) {
	if fn == nil {
		fn = defaultErrorCallback
	}
	errorCB.Store(fn)
}

func defaultErrorCallback(code Code, msg string) {
	Opts.Logger.Error(msg, zap.Stringer("code", code))
}

// report formats a violation and invokes the callback. The caller must
// not hold the registry lock. The calling goroutine's bypass flag is
// set for the duration so that lock operations inside the callback do
// not reenter the verifier.
func report(code Code, format string, args ...any) {
	fn, _ := errorCB.Load().(ErrorCallback)
	if fn == nil {
		fn = defaultErrorCallback
	}
	gid := goid.Get()
	setBypass(gid, true)
	defer setBypass(gid, false)
	fn(code, fmt.Sprintf(format, args...))
}
