package disk

// Inode types. The extended variants carry the same payload as their
// basic counterpart plus 64-bit or xattr fields.
const (
	InodeDir         = 1
	InodeFile        = 2
	InodeSymlink     = 3
	InodeBlockDev    = 4
	InodeCharDev     = 5
	InodeFifo        = 6
	InodeSocket      = 7
	InodeExtDir      = 8
	InodeExtFile     = 9
	InodeExtSymlink  = 10
	InodeExtBlockDev = 11
	InodeExtCharDev  = 12
	InodeExtFifo     = 13
	InodeExtSocket   = 14
)

const (
	SizeInodeHeader    = 16
	SizeDirInode       = 16
	SizeExtDirInode    = 24
	SizeFileInode      = 16
	SizeExtFileInode   = 40
	SizeSymlinkInode   = 8
	SizeDeviceInode    = 8
	SizeExtDeviceInode = 12
	SizeIPCInode       = 4
	SizeExtIPCInode    = 8

	// NoFragment marks a file inode without a tail end fragment.
	NoFragment = 0xffffffff
	// NoXattr marks an extended inode without xattrs.
	NoXattr = 0xffffffff
)

// BasicType maps an inode type to its basic (non extended) form, which
// is also the type stored in directory entries.
func BasicType(t uint16) uint16 {
	if t > InodeSocket {
		return t - InodeSocket
	}
	return t
}

// InodeRef locates an inode record as the offset of its metadata block
// relative to the inode table start in the upper 48 bits and the offset
// of the record within the uncompressed block in the lower 16 bits.
type InodeRef uint64

func NewInodeRef(block uint32, offset uint16) InodeRef {
	return InodeRef(uint64(block)<<16 | uint64(offset))
}

func (r InodeRef) Block() uint32 {
	return uint32(r >> 16)
}

func (r InodeRef) Offset() uint16 {
	return uint16(r)
}

// InodeHeader is common to all inode records. UID and GID are indexes
// into the id table, not raw ids.
type InodeHeader struct {
	Type        uint16
	Permissions uint16
	UID         uint16
	GID         uint16
	ModTime     uint32
	Number      uint32
}

// DirInode is the payload of a basic directory inode. Size is the
// uncompressed byte length of the directory listing plus 3, so an empty
// directory has size 3. BlockStart and Offset locate the listing in the
// directory table analogous to an InodeRef.
type DirInode struct {
	BlockStart  uint32
	LinkCount   uint32
	Size        uint16
	Offset      uint16
	ParentInode uint32
}

type ExtDirInode struct {
	LinkCount   uint32
	Size        uint32
	BlockStart  uint32
	ParentInode uint32
	IndexCount  uint16
	Offset      uint16
	XattrIndex  uint32
}

// FileInode is the payload of a basic file inode. It is followed on
// disk by one uint32 size word per data block. FragmentOffset is the
// byte offset of the tail end within the decompressed fragment block.
type FileInode struct {
	BlocksStart    uint32
	FragmentIndex  uint32
	FragmentOffset uint32
	Size           uint32
}

type ExtFileInode struct {
	BlocksStart    uint64
	Size           uint64
	Sparse         uint64
	LinkCount      uint32
	FragmentIndex  uint32
	FragmentOffset uint32
	XattrIndex     uint32
}

// SymlinkInode is followed on disk by TargetSize bytes of target path,
// not NUL terminated. The extended variant stores a uint32 xattr index
// after the target.
type SymlinkInode struct {
	LinkCount  uint32
	TargetSize uint32
}

type DeviceInode struct {
	LinkCount uint32
	Device    uint32
}

type ExtDeviceInode struct {
	LinkCount  uint32
	Device     uint32
	XattrIndex uint32
}

type IPCInode struct {
	LinkCount uint32
}

type ExtIPCInode struct {
	LinkCount  uint32
	XattrIndex uint32
}

// DeviceNumber packs a major and minor number the way the Linux kernel
// packs dev_t: the minor is split around the 12 bit major.
func DeviceNumber(major, minor uint32) uint32 {
	return (major << 8) | (minor & 0xff) | ((minor &^ 0xff) << 12)
}

func DeviceMajor(dev uint32) uint32 {
	return (dev >> 8) & 0xfff
}

func DeviceMinor(dev uint32) uint32 {
	return (dev & 0xff) | ((dev >> 12) &^ 0xff)
}
