package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. Error paths inside the
// scheduler and the address-space manager may run with interrupts disabled and
// while holding spinlocks so they must never allocate.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Code is the negative errno value reported back to user-space when
	// this error terminates a syscall. A zero code maps to EINVAL.
	Code int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Errno values understood by the syscall layer.
const (
	ESRCH  = 3
	EINTR  = 4
	EBADF  = 9
	ECHILD = 10
	EAGAIN = 11
	ENOMEM = 12
	EFAULT = 14
	EINVAL = 22
	EMFILE = 24
)

// Errno converts err into the value returned by a failing syscall. A nil
// error maps to 0.
func Errno(err *Error) int {
	switch {
	case err == nil:
		return 0
	case err.Code == 0:
		return -EINVAL
	default:
		return err.Code
	}
}
