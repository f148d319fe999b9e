package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so callers can compare
// them by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Code is the negative status reported across a privilege boundary when
	// this error is returned to a caller in a lower privilege level. A zero
	// Code is reported as -1.
	Code int64
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Status returns the negative integer status that represents e at a call
// boundary. A nil error maps to 0.
func (e *Error) Status() int64 {
	switch {
	case e == nil:
		return 0
	case e.Code < 0:
		return e.Code
	case e.Code > 0:
		return -e.Code
	default:
		return -1
	}
}
