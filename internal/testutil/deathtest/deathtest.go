// Package deathtest runs code that is expected to terminate the process in a
// child copy of the current test binary.
package deathtest

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"

	"github.com/danmuck/affinity/internal/check"
	"github.com/danmuck/affinity/internal/logging"
)

const envChild = "AFFINITY_DEATH_TEST"

// Expect runs body in a child process and requires it to exit through the
// check package with output containing want. Only top-level tests may call it.
func Expect(t *testing.T, want string, body func()) {
	t.Helper()
	if os.Getenv(envChild) == t.Name() {
		logging.ConfigureTests()
		body()
		os.Exit(0)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^"+regexp.QuoteMeta(t.Name())+"$", "-test.count=1")
	cmd.Env = append(os.Environ(), envChild+"="+t.Name())
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected child to die, err=%v output=%s", err, out.String())
	}
	if code := exitErr.ExitCode(); code != check.ExitCode {
		t.Fatalf("unexpected exit code %d output=%s", code, out.String())
	}
	if !strings.Contains(out.String(), want) {
		t.Fatalf("child output missing %q: %s", want, out.String())
	}
}
