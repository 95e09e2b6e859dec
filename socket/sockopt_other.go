// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

//go:build !unix

package socket

import (
	"errors"
	"syscall"
)

func setOptions(fd uintptr, o Options) error { return nil }

// IsInterrupted reports whether err is an interrupted system call, which is
// retried rather than treated as a failure.
func IsInterrupted(err error) bool { return errors.Is(err, syscall.EINTR) }
