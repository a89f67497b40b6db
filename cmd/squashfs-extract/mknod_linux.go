package main

import (
	"io/fs"

	"golang.org/x/sys/unix"
)

func mknod(target string, mode fs.FileMode, major, minor uint32) error {
	m := uint32(mode.Perm())
	switch mode.Type() {
	case fs.ModeDevice:
		m |= unix.S_IFBLK
	case fs.ModeDevice | fs.ModeCharDevice:
		m |= unix.S_IFCHR
	case fs.ModeNamedPipe:
		m |= unix.S_IFIFO
	case fs.ModeSocket:
		m |= unix.S_IFSOCK
	}
	return unix.Mknod(target, m, int(unix.Mkdev(major, minor)))
}
