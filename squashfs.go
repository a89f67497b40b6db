// Package squashfs reads and writes SquashFS 4.0 images.
//
// A Reader decodes an image from an io.ReaderAt and exposes its
// contents through the io/fs interfaces, decompressing metadata and
// data blocks on demand. Reader.Tree materializes the hierarchy into a
// mutable Tree whose Add, Replace and SetAttr methods derive modified
// trees without touching their originals, and Write serializes a tree
// back into a complete image.
package squashfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"math/bits"
	"path"
	"sync"
	"time"

	"github.com/dmcgowan/go-squashfs/compression"
	"github.com/dmcgowan/go-squashfs/internal/disk"
)

var (
	// ErrInvalidSuperblock indicates the image does not begin with a
	// well formed superblock.
	ErrInvalidSuperblock = errors.New("invalid superblock")

	// ErrUnsupportedVersion indicates a SquashFS version other than 4.0.
	ErrUnsupportedVersion = errors.New("unsupported filesystem version")

	// ErrCorruptBlock indicates a metadata, data or fragment block
	// that cannot be read back consistently with its description.
	ErrCorruptBlock = errors.New("corrupt block")

	// ErrMalformedTree indicates structurally invalid inode or
	// directory records.
	ErrMalformedTree = errors.New("malformed filesystem tree")

	// ErrEncodingOverflow indicates a value that does not fit its
	// on disk field.
	ErrEncodingOverflow = errors.New("value exceeds encodable limit")
)

// Reader provides access to a SquashFS image. It implements fs.FS over
// the image contents and is safe for concurrent use.
type Reader struct {
	ra    io.ReaderAt
	sb    disk.SuperBlock
	codec compression.Codec

	ids      []uint32
	frags    []disk.Fragment
	exports  []disk.InodeRef
	compOpts []byte
	root     *inode
	zero     []byte

	mu        sync.RWMutex
	metaCache map[int64]metaEntry
	fragCache map[uint32][]byte
}

// Open reads the superblock and lookup tables of the image in ra. The
// reader performs further reads from ra on demand; ra must remain open
// for the lifetime of the reader and any trees built from it.
func Open(ra io.ReaderAt) (*Reader, error) {
	return OpenAt(ra, 0)
}

// OpenAt reads an image embedded at offset within ra.
func OpenAt(ra io.ReaderAt, offset int64) (*Reader, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative image offset %d", offset)
	}
	if offset > 0 {
		ra = io.NewSectionReader(ra, offset, math.MaxInt64-offset)
	}
	r := &Reader{
		ra:        ra,
		metaCache: map[int64]metaEntry{},
		fragCache: map[uint32][]byte{},
	}

	var buf [disk.SizeSuperBlock]byte
	if _, err := ra.ReadAt(buf[:], 0); err != nil {
		return nil, fmt.Errorf("reading superblock: %v: %w", err, ErrInvalidSuperblock)
	}
	if _, err := binary.Decode(buf[:], binary.LittleEndian, &r.sb); err != nil {
		return nil, err
	}
	sb := &r.sb
	if sb.MagicNumber != disk.MagicNumber {
		return nil, fmt.Errorf("magic number %#x: %w", sb.MagicNumber, ErrInvalidSuperblock)
	}
	if sb.VersionMajor != disk.VersionMajor || sb.VersionMinor != disk.VersionMinor {
		return nil, fmt.Errorf("version %d.%d: %w", sb.VersionMajor, sb.VersionMinor, ErrUnsupportedVersion)
	}
	if sb.BlockSize < disk.MinBlockSize || sb.BlockSize > disk.MaxBlockSize || bits.OnesCount32(sb.BlockSize) != 1 {
		return nil, fmt.Errorf("block size %d: %w", sb.BlockSize, ErrInvalidSuperblock)
	}
	if uint32(1)<<sb.BlockLog != sb.BlockSize {
		return nil, fmt.Errorf("block log %d does not match block size %d: %w", sb.BlockLog, sb.BlockSize, ErrInvalidSuperblock)
	}
	if sb.InodeCount == 0 {
		return nil, fmt.Errorf("no inodes: %w", ErrInvalidSuperblock)
	}

	// The codec is resolved before any table is read so unsupported
	// algorithms fail cleanly regardless of image contents.
	codec, err := compression.Get(compression.Type(sb.Compression))
	if err != nil {
		return nil, err
	}
	r.codec = codec
	r.zero = make([]byte, sb.BlockSize)

	if err := r.checkTableLayout(); err != nil {
		return nil, err
	}
	if sb.Flags&disk.FlagCompressorOptions != 0 {
		opts, _, err := r.metaBlock(disk.SizeSuperBlock)
		if err != nil {
			return nil, fmt.Errorf("compressor options: %w", err)
		}
		r.compOpts = opts
	}
	if err := r.readIDs(); err != nil {
		return nil, err
	}
	if err := r.readFragments(); err != nil {
		return nil, err
	}
	if err := r.readExports(); err != nil {
		return nil, err
	}

	root, err := r.inodeAt(sb.RootInode)
	if err != nil {
		return nil, fmt.Errorf("root inode: %w", err)
	}
	if !root.mode().IsDir() {
		return nil, fmt.Errorf("root inode type %d: %w", root.hdr.Type, ErrMalformedTree)
	}
	r.root = root
	return r, nil
}

// checkTableLayout verifies that the table offsets recorded in the
// superblock are ordered and within the image.
func (r *Reader) checkTableLayout() error {
	sb := &r.sb
	if sb.BytesUsed < disk.SizeSuperBlock {
		return fmt.Errorf("bytes used %d: %w", sb.BytesUsed, ErrInvalidSuperblock)
	}
	if sb.InodeTable < disk.SizeSuperBlock || sb.InodeTable >= sb.DirectoryTable {
		return fmt.Errorf("inode table at %#x: %w", sb.InodeTable, ErrInvalidSuperblock)
	}
	prev := sb.DirectoryTable
	for _, table := range []struct {
		name string
		off  uint64
		used bool
	}{
		{"fragment", sb.FragmentTable, sb.FragmentCount > 0},
		{"export", sb.ExportTable, sb.ExportTable != disk.NoTable},
		{"id", sb.IDTable, true},
	} {
		if !table.used {
			continue
		}
		if table.off == disk.NoTable || table.off < prev || table.off >= sb.BytesUsed {
			return fmt.Errorf("%s table at %#x: %w", table.name, table.off, ErrInvalidSuperblock)
		}
		prev = table.off
	}
	if sb.IDCount == 0 {
		return fmt.Errorf("empty id table: %w", ErrInvalidSuperblock)
	}
	return nil
}

// lookupTable reads an indirect table: an array of absolute pointers
// to metadata blocks which concatenate to count entries of entrySize
// bytes.
func (r *Reader) lookupTable(base uint64, count, entrySize int) ([]byte, error) {
	blocks := (count*entrySize + disk.MetadataBlockSize - 1) / disk.MetadataBlockSize
	ptrs := make([]byte, 8*blocks)
	if _, err := r.ra.ReadAt(ptrs, int64(base)); err != nil {
		return nil, fmt.Errorf("table index at %#x: %v: %w", base, err, ErrCorruptBlock)
	}
	data := make([]byte, 0, count*entrySize)
	for i := 0; i < blocks; i++ {
		off := binary.LittleEndian.Uint64(ptrs[i*8:])
		if off >= r.sb.BytesUsed {
			return nil, fmt.Errorf("table block pointer %#x: %w", off, ErrCorruptBlock)
		}
		b, _, err := r.metaBlock(int64(off))
		if err != nil {
			return nil, err
		}
		data = append(data, b...)
	}
	if len(data) < count*entrySize {
		return nil, fmt.Errorf("table holds %d bytes, need %d: %w", len(data), count*entrySize, ErrCorruptBlock)
	}
	return data[:count*entrySize], nil
}

func (r *Reader) readIDs() error {
	count := int(r.sb.IDCount)
	data, err := r.lookupTable(r.sb.IDTable, count, 4)
	if err != nil {
		return fmt.Errorf("id table: %w", err)
	}
	r.ids = make([]uint32, count)
	if _, err := binary.Decode(data, binary.LittleEndian, r.ids); err != nil {
		return err
	}
	return nil
}

func (r *Reader) readFragments() error {
	count := int(r.sb.FragmentCount)
	if count == 0 {
		return nil
	}
	data, err := r.lookupTable(r.sb.FragmentTable, count, disk.SizeFragment)
	if err != nil {
		return fmt.Errorf("fragment table: %w", err)
	}
	r.frags = make([]disk.Fragment, count)
	if _, err := binary.Decode(data, binary.LittleEndian, r.frags); err != nil {
		return err
	}
	for i, frag := range r.frags {
		size, _ := disk.DataSize(frag.Size)
		if size == 0 || size > r.sb.BlockSize || frag.Start >= r.sb.BytesUsed {
			return fmt.Errorf("fragment %d at %#x size %d: %w", i, frag.Start, size, ErrCorruptBlock)
		}
	}
	return nil
}

func (r *Reader) readExports() error {
	if r.sb.Flags&disk.FlagExportable == 0 || r.sb.ExportTable == disk.NoTable {
		return nil
	}
	count := int(r.sb.InodeCount)
	data, err := r.lookupTable(r.sb.ExportTable, count, 8)
	if err != nil {
		return fmt.Errorf("export table: %w", err)
	}
	r.exports = make([]disk.InodeRef, count)
	if _, err := binary.Decode(data, binary.LittleEndian, r.exports); err != nil {
		return err
	}
	return nil
}

func (r *Reader) id(idx uint16) (uint32, error) {
	if int(idx) >= len(r.ids) {
		return 0, fmt.Errorf("id index %d outside table of %d: %w", idx, len(r.ids), ErrMalformedTree)
	}
	return r.ids[idx], nil
}

// Info summarizes superblock level attributes of the image.
type Info struct {
	Inodes      uint32
	ModTime     time.Time
	BlockSize   uint32
	Fragments   uint32
	Compression compression.Type
	Flags       uint16
	IDCount     uint16
	BytesUsed   int64
}

func (r *Reader) Info() Info {
	return Info{
		Inodes:      r.sb.InodeCount,
		ModTime:     time.Unix(int64(r.sb.ModTime), 0),
		BlockSize:   r.sb.BlockSize,
		Fragments:   r.sb.FragmentCount,
		Compression: compression.Type(r.sb.Compression),
		Flags:       r.sb.Flags,
		IDCount:     r.sb.IDCount,
		BytesUsed:   int64(r.sb.BytesUsed),
	}
}

// CompressorOptions returns the raw compressor options payload stored
// after the superblock, or nil when the image carries none. Images
// written by this package never carry one.
func (r *Reader) CompressorOptions() []byte {
	if r.compOpts == nil {
		return nil
	}
	out := make([]byte, len(r.compOpts))
	copy(out, r.compOpts)
	return out
}

// Open opens the named file for reading. Directories implement
// fs.ReadDirFile, regular files stream their content block by block.
func (r *Reader) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := r.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	info, err := r.fileInfo(path.Base(name), ino)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	if ino.mode().IsDir() {
		return &dirFile{r: r, info: info, data: ino.dir, path: name}, nil
	}
	f := &file{r: r, info: info}
	if ino.mode().IsRegular() {
		f.data = ino.file
	}
	return f, nil
}

// Stat implements fs.StatFS.
func (r *Reader) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := r.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	info, err := r.fileInfo(path.Base(name), ino)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return info, nil
}

// ReadLink returns the target of the named symbolic link.
func (r *Reader) ReadLink(name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := r.lookup(name)
	if err != nil {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: err}
	}
	if ino.mode()&fs.ModeSymlink == 0 {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: errors.New("not a symbolic link")}
	}
	return ino.target, nil
}
