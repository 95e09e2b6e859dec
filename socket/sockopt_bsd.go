// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

//go:build unix && !linux

package socket

// SO_PRIORITY is Linux-specific; IP_TOS alone carries the priority.
func setPriority(fd, tos int) error { return nil }
