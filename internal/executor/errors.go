package executor

import (
	"errors"
	"fmt"
)

var (
	ErrSpawn      = errors.New("failed to create child process")
	ErrWriteStdin = errors.New("failed to write to stdin")
	ErrWait       = errors.New("failed to wait for output")
)

type Op int

const (
	OpSpawn Op = iota
	OpWriteStdin
	OpWait
)

func (op Op) String() string {
	switch op {
	case OpSpawn:
		return "spawn"
	case OpWriteStdin:
		return "write_stdin"
	case OpWait:
		return "wait"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

func (op Op) sentinel() error {
	switch op {
	case OpSpawn:
		return ErrSpawn
	case OpWriteStdin:
		return ErrWriteStdin
	default:
		return ErrWait
	}
}

// Error is an infrastructure failure of a single invocation.
// errors.Is matches the sentinel of its Op, errors.As reaches the OS error.
type Error struct {
	Op  Op
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op.sentinel(), e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Op.sentinel(), e.Err}
}
