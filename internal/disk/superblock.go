package disk

const (
	// MagicNumber is "hsqs" read as a little endian uint32.
	MagicNumber = 0x73717368

	VersionMajor = 4
	VersionMinor = 0

	SizeSuperBlock = 96

	// MetadataBlockSize is the fixed uncompressed size of metadata
	// blocks holding inodes, directory listings and lookup tables.
	MetadataBlockSize = 8192

	// MetadataUncompressed is set in a metadata block length word when
	// the payload is stored without compression.
	MetadataUncompressed = 0x8000

	MinBlockSize     = 1 << 12
	MaxBlockSize     = 1 << 20
	DefaultBlockSize = 1 << 17

	// PadSize is the device block boundary images are padded to.
	PadSize = 4096

	// NoTable marks an absent optional table reference.
	NoTable = 0xffffffffffffffff
)

// Superblock flags.
const (
	FlagInodesUncompressed    = 0x0001
	FlagDataUncompressed      = 0x0002
	FlagFragmentsUncompressed = 0x0008
	FlagFragmentsUnused       = 0x0010
	FlagFragmentsAlways       = 0x0020
	FlagDuplicates            = 0x0040
	FlagExportable            = 0x0080
	FlagXattrsUncompressed    = 0x0100
	FlagNoXattrs              = 0x0200
	FlagCompressorOptions     = 0x0400
	FlagIDsUncompressed       = 0x0800
)

type SuperBlock struct {
	MagicNumber    uint32
	InodeCount     uint32
	ModTime        uint32
	BlockSize      uint32
	FragmentCount  uint32
	Compression    uint16
	BlockLog       uint16
	Flags          uint16
	IDCount        uint16
	VersionMajor   uint16
	VersionMinor   uint16
	RootInode      InodeRef
	BytesUsed      uint64
	IDTable        uint64
	XattrTable     uint64
	InodeTable     uint64
	DirectoryTable uint64
	FragmentTable  uint64
	ExportTable    uint64
}
