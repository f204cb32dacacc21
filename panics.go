package stepflow

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError wraps a recovered panic from a handler or step body so it can
// travel the normal error path and be serialized like any other failure.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("recovered panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// CapturePanic converts a panic into an error on the named return. Use it as
// a deferred call at the top of handler and step-body goroutines:
//
//	defer stepflow.CapturePanic(&err)
func CapturePanic(err *error) {
	if r := recover(); r != nil {
		fullStack := make([]byte, 8096)
		n := runtime.Stack(fullStack, false)
		*err = &PanicError{
			Value: r,
			Stack: cleanStackTrace(fullStack[:n]),
		}
	}
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	// we find the index after the panic line
	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// then remove everything before it
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		// remove the panic() call line & file reference line
		// panic({0x101fc1100?, 0x14000817248?})
		//         ./go/src/runtime/panic.go:785 +0x124
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
