package squashfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/dmcgowan/go-squashfs/internal/disk"
)

// Stat carries SquashFS attributes not represented in fs.FileInfo. It
// is returned by fs.FileInfo.Sys for files opened through a Reader.
type Stat struct {
	Inode uint32
	UID   uint32
	GID   uint32
	Links uint32
	Major uint32
	Minor uint32
}

type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	stat    Stat
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *fileInfo) Sys() any           { return &fi.stat }

func (r *Reader) fileInfo(name string, ino *inode) (*fileInfo, error) {
	uid, err := r.id(ino.hdr.UID)
	if err != nil {
		return nil, err
	}
	gid, err := r.id(ino.hdr.GID)
	if err != nil {
		return nil, err
	}
	mode := ino.mode()
	var size int64
	switch {
	case mode.IsRegular():
		size = int64(ino.file.size)
	case mode.IsDir():
		size = int64(ino.dir.size)
	case mode&fs.ModeSymlink != 0:
		size = int64(len(ino.target))
	}
	fi := &fileInfo{
		name:    name,
		size:    size,
		mode:    mode,
		modTime: time.Unix(int64(ino.hdr.ModTime), 0),
		stat: Stat{
			Inode: ino.hdr.Number,
			UID:   uid,
			GID:   gid,
			Links: ino.links,
		},
	}
	if mode&fs.ModeDevice != 0 {
		fi.stat.Major = disk.DeviceMajor(ino.device)
		fi.stat.Minor = disk.DeviceMinor(ino.device)
	}
	return fi, nil
}

// file is the fs.File for non directories. Special files read as
// empty.
type file struct {
	r    *Reader
	info *fileInfo
	data fileData
	rd   io.Reader
}

func (f *file) Stat() (fs.FileInfo, error) {
	return f.info, nil
}

func (f *file) Read(p []byte) (int, error) {
	if f.rd == nil {
		f.rd = f.r.fileReader(f.data)
	}
	return f.rd.Read(p)
}

func (f *file) Close() error {
	return nil
}

type dirFile struct {
	r    *Reader
	info *fileInfo
	data dirData
	path string

	entries []fs.DirEntry
	pos     int
}

func (d *dirFile) Stat() (fs.FileInfo, error) {
	return d.info, nil
}

func (d *dirFile) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.path, Err: errors.New("is a directory")}
}

func (d *dirFile) Close() error {
	return nil
}

func (d *dirFile) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.entries == nil {
		raw, err := d.r.readDirectory(d.data)
		if err != nil {
			return nil, err
		}
		entries := make([]fs.DirEntry, len(raw))
		for i, e := range raw {
			entries[i] = &dirEntry{r: d.r, dirent: e}
		}
		d.entries = entries
	}
	rest := d.entries[d.pos:]
	if n <= 0 {
		d.pos = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if n > len(rest) {
		n = len(rest)
	}
	d.pos += n
	return rest[:n], nil
}

// dirEntry defers inode decoding until Info is called, so iterating a
// directory with undecodable children can still surface every name.
type dirEntry struct {
	r *Reader
	dirent
}

func (e *dirEntry) Name() string {
	return e.name
}

func (e *dirEntry) IsDir() bool {
	return e.mode.IsDir()
}

func (e *dirEntry) Type() fs.FileMode {
	return e.mode
}

func (e *dirEntry) Info() (fs.FileInfo, error) {
	ino, err := e.r.inodeAt(e.ref)
	if err != nil {
		return nil, err
	}
	return e.r.fileInfo(e.name, ino)
}

// fileReader streams file content, decompressing data blocks on demand
// and serving the tail end from its fragment block.
type fileReader struct {
	r    *Reader
	data fileData

	idx int   // next data block
	off int64 // absolute offset of the next data block
	rem int64 // bytes not yet staged
	cur []byte
	err error
}

func (r *Reader) fileReader(data fileData) *fileReader {
	return &fileReader{
		r:    r,
		data: data,
		off:  int64(data.start),
		rem:  int64(data.size),
	}
}

func (f *fileReader) Read(p []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	for len(f.cur) == 0 {
		if f.rem <= 0 {
			f.err = io.EOF
			return 0, io.EOF
		}
		if err := f.stage(); err != nil {
			f.err = err
			return 0, err
		}
	}
	n := copy(p, f.cur)
	f.cur = f.cur[n:]
	return n, nil
}

// stage materializes the next data block or the tail end into f.cur.
func (f *fileReader) stage() error {
	blockSize := int64(f.r.sb.BlockSize)
	if f.idx < len(f.data.blockSizes) {
		word := f.data.blockSizes[f.idx]
		f.idx++
		expected := blockSize
		if f.rem < blockSize {
			expected = f.rem
		}
		if word == 0 {
			// sparse block
			f.cur = f.r.zero[:expected]
			f.rem -= expected
			return nil
		}
		size, compressed := disk.DataSize(word)
		buf := make([]byte, size)
		if _, err := f.r.ra.ReadAt(buf, f.off); err != nil {
			return fmt.Errorf("data block at %#x: %v: %w", f.off, err, ErrCorruptBlock)
		}
		f.off += int64(size)
		if compressed {
			out := make([]byte, blockSize)
			n, err := f.r.codec.Decompress(out, buf)
			if err != nil {
				return fmt.Errorf("data block at %#x: %v: %w", f.off, err, ErrCorruptBlock)
			}
			buf = out[:n]
		}
		if int64(len(buf)) != expected {
			return fmt.Errorf("data block holds %d bytes, expected %d: %w", len(buf), expected, ErrCorruptBlock)
		}
		f.cur = buf
		f.rem -= expected
		return nil
	}

	if f.data.fragIndex == disk.NoFragment {
		return fmt.Errorf("file short by %d bytes with no tail end: %w", f.rem, ErrCorruptBlock)
	}
	fb, err := f.r.fragmentBlock(f.data.fragIndex)
	if err != nil {
		return err
	}
	start := int64(f.data.fragOffset)
	if start+f.rem > int64(len(fb)) {
		return fmt.Errorf("tail end %d+%d beyond fragment block of %d bytes: %w", start, f.rem, len(fb), ErrCorruptBlock)
	}
	f.cur = fb[start : start+f.rem]
	f.rem = 0
	return nil
}

// fragmentBlock returns the decompressed fragment block at idx. Blocks
// are cached as multiple file tails usually share one block.
func (r *Reader) fragmentBlock(idx uint32) ([]byte, error) {
	if int64(idx) >= int64(len(r.frags)) {
		return nil, fmt.Errorf("fragment index %d outside table of %d: %w", idx, len(r.frags), ErrCorruptBlock)
	}
	r.mu.RLock()
	cached, ok := r.fragCache[idx]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	frag := r.frags[idx]
	size, compressed := disk.DataSize(frag.Size)
	data := make([]byte, size)
	if _, err := r.ra.ReadAt(data, int64(frag.Start)); err != nil {
		return nil, fmt.Errorf("fragment block %d at %#x: %v: %w", idx, frag.Start, err, ErrCorruptBlock)
	}
	if compressed {
		out := make([]byte, r.sb.BlockSize)
		n, err := r.codec.Decompress(out, data)
		if err != nil {
			return nil, fmt.Errorf("fragment block %d: %v: %w", idx, err, ErrCorruptBlock)
		}
		data = out[:n]
	}

	r.mu.Lock()
	r.fragCache[idx] = data
	r.mu.Unlock()
	return data, nil
}
