package insts

import (
	"errors"
	"fmt"
)

var (
	// ErrFetch reports that instruction bytes could not be read at RIP.
	ErrFetch = errors.New("fetch fault")

	// ErrDecode reports bytes that do not form a legal instruction.
	ErrDecode = errors.New("decode error")

	// ErrTruncated reports that the supplied bytes end mid-instruction.
	ErrTruncated = fmt.Errorf("%w: truncated instruction", ErrDecode)

	// ErrBadScale reports a memory operand scale outside {1, 2, 4, 8}.
	ErrBadScale = fmt.Errorf("%w: bad scale", ErrDecode)
)
