package disk

const (
	SizeDirHeader = 12
	SizeDirEntry  = 8

	// MaxDirEntries is the largest entry count a single directory
	// header may cover.
	MaxDirEntries = 256

	// MaxNameLen is the longest directory entry name in bytes.
	MaxNameLen = 256

	// EmptyDirSize is the listing size recorded for a directory with no
	// entries. Directory inode sizes carry a fixed bias of 3 over the
	// actual listing length, mirroring the hidden "." and ".." entries.
	EmptyDirSize = 3
)

// DirHeader introduces a run of directory entries whose inodes share a
// single metadata block. Count is stored as one less than the number of
// entries that follow. InodeNumber is the base the per entry signed
// deltas apply to.
type DirHeader struct {
	Count       uint32
	BlockStart  uint32
	InodeNumber uint32
}

// DirEntry is followed on disk by NameSize+1 bytes of name, not NUL
// terminated. Offset locates the entry's inode within the uncompressed
// metadata block given by the header's BlockStart. Type is the basic
// inode type even when the inode itself is extended.
type DirEntry struct {
	Offset      uint16
	InodeOffset int16
	Type        uint16
	NameSize    uint16
}
