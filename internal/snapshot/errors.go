package snapshot

import "fmt"

// FormatError reports a snapshot that is missing, unreadable or malformed.
// It aborts an import before any server mutation.
type FormatError struct {
	Path string
	Msg  string
	Err  error
}

func (e *FormatError) Error() string {
	prefix := "invalid snapshot"
	if e.Path != "" {
		prefix += " " + e.Path
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
