package ebmsg

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// MaxHeaderStackFrames caps the trace a header may carry. Stack traces exist
// to point at the caller that produced a bad message, not to archive the
// whole call history.
const MaxHeaderStackFrames = 16

// StackFrame is one entry of a header trace.
type StackFrame struct {
	File       string `json:"file"`
	Function   string `json:"function"`
	LineNumber int    `json:"line_number"`
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s\n    %s\n        %d.", f.File, f.Function, f.LineNumber)
}

// Header carries caller information along with a message, like the headers of
// an HTTP request.
type Header struct {
	CallerApplication string       `json:"caller_application"`
	CallerFunction    string       `json:"caller_function"`
	Caller            string       `json:"caller"`
	Date              string       `json:"date"`
	Host              string       `json:"host"`
	Trace             []StackFrame `json:"trace,omitempty"`
}

// NewHeader captures the current caller state. The trace is only captured
// when includeStack is set, and is capped at MaxHeaderStackFrames.
func NewHeader(datetimeFormat string, includeStack bool) *Header {
	if datetimeFormat == "" {
		datetimeFormat = DefaultDatetimeFormat
	}

	hostname, _ := os.Hostname()
	h := &Header{
		CallerApplication: filepath.Base(os.Args[0]),
		CallerFunction:    callerFunction(3),
		Caller:            hostname,
		Date:              time.Now().Format(datetimeFormat),
		Host:              hostname,
	}

	if includeStack {
		h.Trace = captureStack(3)
	}
	return h
}

func callerFunction(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return ""
	}
	return filepath.Base(fn.Name())
}

func captureStack(skip int) []StackFrame {
	pcs := make([]uintptr, MaxHeaderStackFrames)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]StackFrame, 0, n)
	for {
		frame, more := frames.Next()
		stack = append(stack, StackFrame{
			File:       filepath.Base(frame.File),
			Function:   filepath.Base(frame.Function),
			LineNumber: frame.Line,
		})
		if !more || len(stack) >= MaxHeaderStackFrames {
			break
		}
	}
	return stack
}
