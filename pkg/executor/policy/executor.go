// Package policy runs an interpreted policy script via an embedded
// ECMAScript interpreter, mirroring the WASM executor's input/output
// contract: argv in, captured stdout out. The interpreter is given
// nothing beyond its arguments and a print primitive — no filesystem,
// network, or parent-environment access.
//
// The source system embeds a Python interpreter for this role; no such
// interpreter exists in the dependency pack or its lineage, so this
// package substitutes dop251/goja, a pure-Go ECMAScript engine, at the
// same contract boundary. Deployments in a TEE guest SHOULD still nest
// this executor in a separate process or seccomp sandbox, since an
// embedded-interpreter isolation layer is acknowledged as weak.
package policy

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"
)

// Kind classifies why a policy script execution did not produce a result.
type Kind int

const (
	KindNone Kind = iota
	KindInvalidGuest
	KindTimeout
	KindGuestTrap
)

// Error reports why a policy script failed to run to completion.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func invalidGuest(msg string) *Error { return &Error{Kind: KindInvalidGuest, msg: msg} }
func timeoutErr(msg string) *Error   { return &Error{Kind: KindTimeout, msg: msg} }
func guestTrap(msg string) *Error    { return &Error{Kind: KindGuestTrap, msg: msg} }

// Limits bound a single script execution.
type Limits struct {
	WallClockTimeout time.Duration
}

var DefaultLimits = Limits{WallClockTimeout: 5 * time.Second}

func (l Limits) withDefaults() Limits {
	if l.WallClockTimeout == 0 {
		l.WallClockTimeout = DefaultLimits.WallClockTimeout
	}
	return l
}

// timeoutSentinel is what the interpreter panics with via Interrupt; it is
// checked for after Run to classify the failure without matching on
// arbitrary error text.
const timeoutSentinel = "policy executor: wall-clock timeout exceeded"

// Executor runs interpreted policy scripts. Every call constructs a fresh
// goja runtime; nothing is shared across invocations.
type Executor struct{}

// New constructs a policy script executor.
func New() *Executor { return &Executor{} }

// Run validates scriptBytes as UTF-8, then executes it with argv bound as
// a global array and a print primitive writing to a captured buffer. It
// returns the captured output with at most one trailing line terminator
// stripped.
func (e *Executor) Run(ctx context.Context, scriptBytes []byte, argv []string) ([]byte, error) {
	return e.RunWithLimits(ctx, scriptBytes, argv, DefaultLimits)
}

// RunWithLimits is Run with explicit resource bounds.
func (e *Executor) RunWithLimits(ctx context.Context, scriptBytes []byte, argv []string, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()

	if !utf8.Valid(scriptBytes) {
		return nil, invalidGuest("policy executor: script is not valid UTF-8")
	}
	source := string(scriptBytes)

	vm := goja.New()

	var out bytes.Buffer
	if err := vm.Set("args", argv); err != nil {
		return nil, fmt.Errorf("policy executor: bind args: %w", err)
	}
	if err := vm.Set("print", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		out.WriteString(strings.Join(parts, " "))
		out.WriteByte('\n')
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("policy executor: bind print: %w", err)
	}

	timer := time.AfterFunc(limits.WallClockTimeout, func() {
		vm.Interrupt(timeoutSentinel)
	})
	defer timer.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := vm.RunString(source)
		done <- err
	}()

	select {
	case <-ctx.Done():
		vm.Interrupt(timeoutSentinel)
		<-done
		return nil, timeoutErr(timeoutSentinel)
	case err := <-done:
		if err != nil {
			if ie, ok := err.(*goja.InterruptedError); ok {
				if v, ok := ie.Value().(string); ok && v == timeoutSentinel {
					return nil, timeoutErr(timeoutSentinel)
				}
			}
			return nil, guestTrap(fmt.Sprintf("policy executor: script error: %v", err))
		}
	}

	return trimTrailingNewline(out.Bytes()), nil
}

func trimTrailingNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return b[:len(b)-1]
	}
	return b
}
