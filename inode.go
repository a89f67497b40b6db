package squashfs

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"strings"

	"github.com/dmcgowan/go-squashfs/internal/disk"
)

// inode is the decoded, variant normalized form of an inode record.
type inode struct {
	hdr   disk.InodeHeader
	links uint32

	dir    dirData  // directory types
	file   fileData // regular file types
	target string   // symlink types
	device uint32   // device types
}

func (i *inode) mode() fs.FileMode {
	return disk.FileModeFromInode(i.hdr.Type, i.hdr.Permissions)
}

// dirData normalizes basic and extended directory payloads. size keeps
// the on disk bias of 3 over the listing byte length.
type dirData struct {
	start  uint32
	offset uint16
	size   uint32
	parent uint32
}

// fileData normalizes basic and extended file payloads.
type fileData struct {
	start      uint64
	size       uint64
	fragIndex  uint32
	fragOffset uint32
	blockSizes []uint32
}

func (r *Reader) inodeAt(ref disk.InodeRef) (*inode, error) {
	c := r.metaCursor(int64(r.sb.InodeTable), ref.Block(), ref.Offset())
	return r.decodeInode(c)
}

func (r *Reader) decodeInode(c *metaCursor) (*inode, error) {
	ino := &inode{links: 1}
	if err := c.decode(&ino.hdr, disk.SizeInodeHeader); err != nil {
		return nil, err
	}
	if ino.hdr.Number < 1 || ino.hdr.Number > r.sb.InodeCount {
		return nil, fmt.Errorf("inode number %d of %d: %w", ino.hdr.Number, r.sb.InodeCount, ErrMalformedTree)
	}

	switch ino.hdr.Type {
	case disk.InodeDir:
		var d disk.DirInode
		if err := c.decode(&d, disk.SizeDirInode); err != nil {
			return nil, err
		}
		ino.links = d.LinkCount
		ino.dir = dirData{start: d.BlockStart, offset: d.Offset, size: uint32(d.Size), parent: d.ParentInode}

	case disk.InodeExtDir:
		var d disk.ExtDirInode
		if err := c.decode(&d, disk.SizeExtDirInode); err != nil {
			return nil, err
		}
		ino.links = d.LinkCount
		ino.dir = dirData{start: d.BlockStart, offset: d.Offset, size: d.Size, parent: d.ParentInode}

	case disk.InodeFile:
		var f disk.FileInode
		if err := c.decode(&f, disk.SizeFileInode); err != nil {
			return nil, err
		}
		sizes, err := r.readBlockSizes(c, uint64(f.Size), f.FragmentIndex)
		if err != nil {
			return nil, err
		}
		ino.file = fileData{
			start:      uint64(f.BlocksStart),
			size:       uint64(f.Size),
			fragIndex:  f.FragmentIndex,
			fragOffset: f.FragmentOffset,
			blockSizes: sizes,
		}

	case disk.InodeExtFile:
		var f disk.ExtFileInode
		if err := c.decode(&f, disk.SizeExtFileInode); err != nil {
			return nil, err
		}
		sizes, err := r.readBlockSizes(c, f.Size, f.FragmentIndex)
		if err != nil {
			return nil, err
		}
		ino.links = f.LinkCount
		ino.file = fileData{
			start:      f.BlocksStart,
			size:       f.Size,
			fragIndex:  f.FragmentIndex,
			fragOffset: f.FragmentOffset,
			blockSizes: sizes,
		}

	case disk.InodeSymlink, disk.InodeExtSymlink:
		var s disk.SymlinkInode
		if err := c.decode(&s, disk.SizeSymlinkInode); err != nil {
			return nil, err
		}
		if s.TargetSize == 0 || s.TargetSize > 0xffff {
			return nil, fmt.Errorf("symlink target size %d: %w", s.TargetSize, ErrMalformedTree)
		}
		target := make([]byte, s.TargetSize)
		if err := c.read(target); err != nil {
			return nil, err
		}
		ino.links = s.LinkCount
		ino.target = string(target)

	case disk.InodeBlockDev, disk.InodeCharDev:
		var d disk.DeviceInode
		if err := c.decode(&d, disk.SizeDeviceInode); err != nil {
			return nil, err
		}
		ino.links = d.LinkCount
		ino.device = d.Device

	case disk.InodeExtBlockDev, disk.InodeExtCharDev:
		var d disk.ExtDeviceInode
		if err := c.decode(&d, disk.SizeExtDeviceInode); err != nil {
			return nil, err
		}
		ino.links = d.LinkCount
		ino.device = d.Device

	case disk.InodeFifo, disk.InodeSocket:
		var p disk.IPCInode
		if err := c.decode(&p, disk.SizeIPCInode); err != nil {
			return nil, err
		}
		ino.links = p.LinkCount

	case disk.InodeExtFifo, disk.InodeExtSocket:
		var p disk.ExtIPCInode
		if err := c.decode(&p, disk.SizeExtIPCInode); err != nil {
			return nil, err
		}
		ino.links = p.LinkCount

	default:
		return nil, fmt.Errorf("inode type %d: %w", ino.hdr.Type, ErrMalformedTree)
	}
	return ino, nil
}

// readBlockSizes reads the data block size words following a file
// inode. Files with a tail end fragment store only their full blocks,
// files without round the final block up.
func (r *Reader) readBlockSizes(c *metaCursor, size uint64, fragIndex uint32) ([]uint32, error) {
	bs := uint64(r.sb.BlockSize)
	var count uint64
	if fragIndex != disk.NoFragment {
		count = size / bs
	} else {
		count = (size + bs - 1) / bs
	}
	if count == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*count)
	if err := c.read(buf); err != nil {
		return nil, err
	}
	sizes := make([]uint32, count)
	if _, err := binary.Decode(buf, binary.LittleEndian, sizes); err != nil {
		return nil, err
	}
	for i, word := range sizes {
		if stored, _ := disk.DataSize(word); stored > r.sb.BlockSize {
			return nil, fmt.Errorf("data block %d size %d: %w", i, stored, ErrCorruptBlock)
		}
	}
	return sizes, nil
}

// dirent is a single directory entry.
type dirent struct {
	name   string
	mode   fs.FileMode
	ref    disk.InodeRef
	number uint32
	etype  uint16
}

// readDirectory decodes a directory listing. Entries are returned in
// stored order, which sorts by name in images this package writes.
func (r *Reader) readDirectory(d dirData) ([]dirent, error) {
	if d.size <= disk.EmptyDirSize {
		return nil, nil
	}
	c := r.metaCursor(int64(r.sb.DirectoryTable), d.start, d.offset)
	remaining := int64(d.size) - disk.EmptyDirSize

	var entries []dirent
	for remaining > 0 {
		var hdr disk.DirHeader
		remaining -= disk.SizeDirHeader
		if remaining < 0 {
			return nil, fmt.Errorf("truncated directory header: %w", ErrMalformedTree)
		}
		if err := c.decode(&hdr, disk.SizeDirHeader); err != nil {
			return nil, err
		}
		count := int(hdr.Count) + 1
		if count > disk.MaxDirEntries {
			return nil, fmt.Errorf("directory header of %d entries: %w", count, ErrMalformedTree)
		}
		for i := 0; i < count; i++ {
			var e disk.DirEntry
			remaining -= disk.SizeDirEntry
			if remaining < 0 {
				return nil, fmt.Errorf("truncated directory entry: %w", ErrMalformedTree)
			}
			if err := c.decode(&e, disk.SizeDirEntry); err != nil {
				return nil, err
			}
			nameLen := int(e.NameSize) + 1
			if nameLen > disk.MaxNameLen {
				return nil, fmt.Errorf("entry name of %d bytes: %w", nameLen, ErrMalformedTree)
			}
			remaining -= int64(nameLen)
			if remaining < 0 {
				return nil, fmt.Errorf("entry name overruns listing: %w", ErrMalformedTree)
			}
			nb := make([]byte, nameLen)
			if err := c.read(nb); err != nil {
				return nil, err
			}
			name := string(nb)
			if !validEntryName(name) {
				return nil, fmt.Errorf("entry name %q: %w", name, ErrMalformedTree)
			}
			number := int64(hdr.InodeNumber) + int64(e.InodeOffset)
			if number < 1 || number > int64(r.sb.InodeCount) {
				return nil, fmt.Errorf("entry %q inode %d of %d: %w", name, number, r.sb.InodeCount, ErrMalformedTree)
			}
			entries = append(entries, dirent{
				name:   name,
				mode:   disk.TypeToFileMode(e.Type),
				ref:    disk.NewInodeRef(hdr.BlockStart, e.Offset),
				number: uint32(number),
				etype:  e.Type,
			})
		}
	}
	return entries, nil
}

func validEntryName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}

// lookup resolves a slash separated path to its inode, following io/fs
// conventions where "." names the root.
func (r *Reader) lookup(name string) (*inode, error) {
	ino := r.root
	if name == "." {
		return ino, nil
	}
	for _, part := range strings.Split(name, "/") {
		if !ino.mode().IsDir() {
			return nil, fs.ErrNotExist
		}
		entries, err := r.readDirectory(ino.dir)
		if err != nil {
			return nil, err
		}
		next, err := r.lookupEntry(entries, part)
		if err != nil {
			return nil, err
		}
		ino = next
	}
	return ino, nil
}

func (r *Reader) lookupEntry(entries []dirent, name string) (*inode, error) {
	for _, e := range entries {
		if e.name != name {
			continue
		}
		ino, err := r.inodeAt(e.ref)
		if err != nil {
			return nil, err
		}
		if disk.BasicType(ino.hdr.Type) != e.etype {
			return nil, fmt.Errorf("entry %q type %d against inode type %d: %w", name, e.etype, ino.hdr.Type, ErrMalformedTree)
		}
		return ino, nil
	}
	return nil, fs.ErrNotExist
}
