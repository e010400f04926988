package sequence

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Location records where a task was posted from.
type Location struct {
	Function string
	File     string
	Line     int
}

// FromHere captures the caller's location. skip counts extra frames above the
// immediate caller, so FromHere(0) names the function that called FromHere.
func FromHere(skip int) Location {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Location{}
	}
	loc := Location{File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		loc.Function = fn.Name()
	}
	return loc
}

func (l Location) String() string {
	if l.File == "" {
		return "unknown"
	}
	if l.Function == "" {
		return fmt.Sprintf("%s:%d", filepath.Base(l.File), l.Line)
	}
	return fmt.Sprintf("%s@%s:%d", l.Function, filepath.Base(l.File), l.Line)
}
