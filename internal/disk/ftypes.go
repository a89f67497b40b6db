package disk

import "io/fs"

const (
	permSetuid = 0o4000
	permSetgid = 0o2000
	permSticky = 0o1000
)

// Converts SquashFS inode types to Go FileMode type bits
func TypeToFileMode(t uint16) fs.FileMode {
	switch BasicType(t) {
	case InodeDir:
		return fs.ModeDir
	case InodeFile:
		return 0
	case InodeSymlink:
		return fs.ModeSymlink
	case InodeBlockDev:
		return fs.ModeDevice
	case InodeCharDev:
		return fs.ModeDevice | fs.ModeCharDevice
	case InodeFifo:
		return fs.ModeNamedPipe
	case InodeSocket:
		return fs.ModeSocket
	default:
		return fs.ModeIrregular
	}
}

// TypeFromFileMode returns the basic inode type for a file mode, or 0
// when the mode has no SquashFS representation.
func TypeFromFileMode(mode fs.FileMode) uint16 {
	switch mode & fs.ModeType {
	case 0:
		return InodeFile
	case fs.ModeDir:
		return InodeDir
	case fs.ModeSymlink:
		return InodeSymlink
	case fs.ModeDevice:
		return InodeBlockDev
	case fs.ModeDevice | fs.ModeCharDevice:
		return InodeCharDev
	case fs.ModeNamedPipe:
		return InodeFifo
	case fs.ModeSocket:
		return InodeSocket
	default:
		return 0
	}
}

// FileModeFromInode combines an inode type and permission field into a
// Go FileMode.
func FileModeFromInode(t uint16, perm uint16) fs.FileMode {
	mode := TypeToFileMode(t) | fs.FileMode(perm&0o777)
	if perm&permSetuid != 0 {
		mode |= fs.ModeSetuid
	}
	if perm&permSetgid != 0 {
		mode |= fs.ModeSetgid
	}
	if perm&permSticky != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// PermFromFileMode returns the inode permission field for a file mode.
func PermFromFileMode(mode fs.FileMode) uint16 {
	perm := uint16(mode & 0o777)
	if mode&fs.ModeSetuid != 0 {
		perm |= permSetuid
	}
	if mode&fs.ModeSetgid != 0 {
		perm |= permSetgid
	}
	if mode&fs.ModeSticky != 0 {
		perm |= permSticky
	}
	return perm
}
