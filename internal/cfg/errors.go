package cfg

import (
	"errors"
	"fmt"
)

var (
	ErrUnresolvedTarget  = errors.New("unresolved jump target")
	ErrMalformedHandler  = errors.New("malformed exception handler")
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
	ErrFallOffEnd        = errors.New("control falls off the end of the method")
	ErrInvariant         = errors.New("graph invariant violated")
	ErrNoCode            = errors.New("method has no code")
	ErrInconsistentStack = errors.New("inconsistent operand stack at merge point")
	ErrMalformedBytecode = errors.New("malformed bytecode")
)

// GraphError reports a failure to build or validate one method's graph.
// Sibling methods are unaffected.
type GraphError struct {
	Method string
	Cause  error
}

func (e *GraphError) Error() string { return fmt.Sprintf("graph of %s: %v", e.Method, e.Cause) }
func (e *GraphError) Unwrap() error { return e.Cause }

func invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
