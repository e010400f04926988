// Package check provides fatal contract assertions.
//
// A failed check means a caller broke a threading or lifecycle contract.
// Continuing would risk unsynchronized access to owner-affine state, so the
// process logs the violation and exits. Checks never panic: a panic could be
// recovered by a task loop and silently swallowed.
package check

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ExitCode is the process status used for contract violations.
const ExitCode = 2

var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// That terminates the process when cond is false.
func That(cond bool, format string, args ...any) {
	if cond {
		return
	}
	fail(2, format, args...)
}

// Failf terminates the process unconditionally.
func Failf(format string, args ...any) {
	fail(2, format, args...)
}

func fail(skip int, format string, args ...any) {
	caller := "unknown"
	if _, file, line, ok := runtime.Caller(skip); ok {
		caller = fmt.Sprintf("%s:%d", file, line)
	}
	msg := fmt.Sprintf("check failed: "+format, args...)
	stack := debug.Stack()
	if zerolog.GlobalLevel() > zerolog.FatalLevel {
		// logging is switched off; the violation still has to be seen
		fmt.Fprintf(stderr, "FATAL %s caller=%s\n%s", msg, caller, stack)
	} else {
		log.WithLevel(zerolog.FatalLevel).
			Str("caller", caller).
			Str("stack", string(stack)).
			Msg(msg)
	}
	exit(ExitCode)
}
