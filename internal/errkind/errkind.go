// Package errkind classifies the failures that can occur while running
// the annotator across a batch of files, so that the retry controller
// and state manager can agree on a single vocabulary instead of each
// matching on ad-hoc error strings.
package errkind

// Kind enumerates the classes of failure a Job can end in.
type Kind int

const (
	// Unknown covers any error that did not match a more specific kind.
	Unknown Kind = iota
	// Timeout means the annotator child process exceeded its per-file deadline.
	Timeout
	// Parse means the annotator's XML output was malformed or structurally absent.
	Parse
	// DaemonUnreachable means the tagger or WSD daemon refused a TCP probe during a job.
	DaemonUnreachable
	// IO means the input was unreadable, the output unwritable, or a temp file operation failed.
	IO
	// PoolExhausted means a lease could not be obtained within the configured timeout.
	PoolExhausted
)

// String renders the kind the way it appears in state files and logs.
func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Parse:
		return "parse"
	case DaemonUnreachable:
		return "daemon_unreachable"
	case IO:
		return "io"
	case PoolExhausted:
		return "pool_exhausted"
	default:
		return "unknown"
	}
}

// ParseKind converts a persisted string back into a Kind. Unrecognized
// strings map to Unknown rather than erroring, since the state file may
// have been written by an older or newer build.
func ParseKind(s string) Kind {
	switch s {
	case "timeout":
		return Timeout
	case "parse":
		return Parse
	case "daemon_unreachable":
		return DaemonUnreachable
	case "io":
		return IO
	case "pool_exhausted":
		return PoolExhausted
	default:
		return Unknown
	}
}

// Retriable reports whether a failure of this kind should be re-enqueued
// by the retry controller. Parse is the only non-retriable kind: a
// structurally bad annotator output will not self-heal.
func (k Kind) Retriable() bool {
	return k != Parse
}

// Error wraps an underlying error with its classification and the job
// context that produced it, following the small-typed-error-with-
// Error()-method shape used elsewhere in this codebase.
type Error struct {
	Kind  Kind
	Path  string // absolute path of the file being processed
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String() + ": " + e.Path
	}
	return e.Kind.String() + ": " + e.Path + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a classified Error.
func New(kind Kind, path string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Cause: cause}
}
