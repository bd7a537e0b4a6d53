// Package kernel contains the definitions shared by every kernel subsystem.
package kernel

// Error describes a kernel error. Kernel errors are declared as global
// variables that are pointers to the Error structure so that they can be
// compared by identity and returned from paths that must not allocate.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
