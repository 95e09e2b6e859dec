// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package socket

import "golang.org/x/sys/unix"

// setPriority sets the socket priority band implied by a TOS byte.
// Priorities above 6 require CAP_NET_ADMIN, so only the unprivileged
// bands are used.
func setPriority(fd, tos int) error {
	prio := 0 // best effort
	switch {
	case tos&IPTOSLowDelay != 0:
		prio = 6 // interactive
	case tos&0x08 != 0:
		prio = 2 // bulk
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, prio)
}
