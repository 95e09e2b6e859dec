// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func setOptions(fd uintptr, o Options) error {
	s := int(fd)
	if o.SendBuffer > 0 {
		if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, o.SendBuffer); err != nil {
			return fmt.Errorf("set SO_SNDBUF: %w", err)
		}
	}
	if o.RecvBuffer > 0 {
		if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBuffer); err != nil {
			return fmt.Errorf("set SO_RCVBUF: %w", err)
		}
	}
	if o.TOS > 0 {
		if err := unix.SetsockoptInt(s, unix.IPPROTO_IP, unix.IP_TOS, o.TOS); err != nil {
			return fmt.Errorf("set IP_TOS: %w", err)
		}
		if err := setPriority(s, o.TOS); err != nil {
			return fmt.Errorf("set priority: %w", err)
		}
	}
	return nil
}

// IsInterrupted reports whether err is an interrupted system call, which is
// retried rather than treated as a failure.
func IsInterrupted(err error) bool { return errors.Is(err, unix.EINTR) }
