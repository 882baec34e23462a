package ihex

import "fmt"

// FormatError reports a malformed or inconsistent firmware record stream.
type FormatError struct {
	Line   int // 1-based line number, 0 when not line-specific
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("record format error, line %v : %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("record format error : %s", e.Reason)
}

func formatErrorf(line int, format string, args ...any) *FormatError {
	return &FormatError{Line: line, Reason: fmt.Sprintf(format, args...)}
}
