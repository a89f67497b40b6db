package squashfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"math"
	"math/bits"
	"path"
	"runtime"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/dmcgowan/go-squashfs/compression"
	"github.com/dmcgowan/go-squashfs/internal/disk"
)

// WriteOptions control image serialization. The zero value writes a
// gzip compressed image with the tree's block size, fragment packing,
// sparse detection, duplicate elimination and an export table.
type WriteOptions struct {
	// Compression selects the image compressor. Zero uses the tree's
	// compression, or gzip for trees not read from an image.
	Compression compression.Type

	// Level is the compression level, zero for the default.
	Level int

	// BlockSize is the data block size in bytes. It must be a power of
	// two between 4KiB and 1MiB. Zero uses the tree's block size, or
	// 128KiB for trees not read from an image.
	BlockSize uint32

	// NoFragments stores file tails as full blocks instead of packing
	// them into shared fragment blocks.
	NoFragments bool

	// NoSparse disables zero block detection.
	NoSparse bool

	// NoDedup disables duplicate file elimination.
	NoDedup bool

	// NonExportable omits the NFS export table.
	NonExportable bool

	// NoPad skips padding the image to a 4KiB boundary.
	NoPad bool

	// ModTime is the image timestamp. The zero time is written as the
	// Unix epoch.
	ModTime time.Time

	// Workers bounds the number of concurrent block compressors. Zero
	// uses GOMAXPROCS.
	Workers int
}

// Write serializes tree into a complete image on w, starting at offset
// zero. The output is deterministic: the same tree and options always
// produce the same bytes.
func Write(ctx context.Context, w io.WriterAt, tree *Tree, opts WriteOptions) error {
	if tree == nil {
		return fmt.Errorf("nil tree: %w", errdefs.ErrInvalidArgument)
	}
	root := tree.root
	if root == nil {
		root = NewDir(Attr{Mode: 0o755})
	}
	if !root.IsDir() {
		return fmt.Errorf("root is not a directory: %w", errdefs.ErrInvalidArgument)
	}

	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = tree.blockSize
	}
	if blockSize == 0 {
		blockSize = disk.DefaultBlockSize
	}
	if blockSize < disk.MinBlockSize || blockSize > disk.MaxBlockSize || bits.OnesCount32(blockSize) != 1 {
		return fmt.Errorf("block size %d: %w", blockSize, errdefs.ErrInvalidArgument)
	}

	comp := opts.Compression
	if comp == 0 {
		comp = tree.compression
	}
	if comp == 0 {
		comp = compression.Gzip
	}
	codec, err := compression.New(comp, opts.Level)
	if err != nil {
		return err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	iw := &imageWriter{
		w:         w,
		codec:     codec,
		comp:      comp,
		blockSize: blockSize,
		opts:      opts,
		workers:   workers,
		zero:      make([]byte, blockSize),
		inodeTab:  newMetaWriter(codec),
		dirTab:    newMetaWriter(codec),
		numbers:   map[*Node]uint32{},
		layouts:   map[*Node]*fileLayout{},
		dedup:     map[digest.Digest]*fileLayout{},
		idmap:     map[uint32]uint16{},
	}
	return iw.write(ctx, root)
}

// fileLayout records where a file's content landed in the data area.
type fileLayout struct {
	start      uint64
	size       uint64
	sizes      []uint32
	fragIndex  uint32
	fragOffset uint32
}

type imageWriter struct {
	w         io.WriterAt
	pos       int64
	codec     compression.Codec
	comp      compression.Type
	blockSize uint32
	opts      WriteOptions
	workers   int
	zero      []byte

	inodeTab *metaWriter
	dirTab   *metaWriter

	numbers map[*Node]uint32
	count   uint32
	layouts map[*Node]*fileLayout
	dedup   map[digest.Digest]*fileLayout

	idmap map[uint32]uint16
	ids   []uint32

	frags   []disk.Fragment
	fragBuf []byte

	exports []disk.InodeRef
}

func (w *imageWriter) write(ctx context.Context, root *Node) error {
	w.numbers[root] = 1
	w.count = 1
	if err := w.number(root, 1); err != nil {
		return err
	}
	w.exports = make([]disk.InodeRef, w.count)

	log.G(ctx).WithFields(log.Fields{
		"inodes":      w.count,
		"blockSize":   w.blockSize,
		"compression": w.comp,
	}).Debug("writing image")

	w.pos = disk.SizeSuperBlock
	if err := w.writeData(ctx, "/", root); err != nil {
		return err
	}
	if err := w.flushFragments(); err != nil {
		return err
	}

	rootRef, err := w.writeDir(root, w.count+1)
	if err != nil {
		return err
	}
	if err := w.inodeTab.flush(); err != nil {
		return err
	}
	if err := w.dirTab.flush(); err != nil {
		return err
	}

	sb := disk.SuperBlock{
		MagicNumber:   disk.MagicNumber,
		InodeCount:    w.count,
		BlockSize:     w.blockSize,
		FragmentCount: uint32(len(w.frags)),
		Compression:   uint16(w.comp),
		BlockLog:      uint16(bits.TrailingZeros32(w.blockSize)),
		IDCount:       uint16(len(w.ids)),
		VersionMajor:  disk.VersionMajor,
		VersionMinor:  disk.VersionMinor,
		RootInode:     rootRef,
		FragmentTable: disk.NoTable,
		ExportTable:   disk.NoTable,
		XattrTable:    disk.NoTable,
	}
	sb.ModTime, err = unixTime(w.opts.ModTime)
	if err != nil {
		return err
	}

	sb.Flags = disk.FlagNoXattrs
	if len(w.frags) > 0 {
		sb.Flags |= disk.FlagFragmentsAlways
	} else {
		sb.Flags |= disk.FlagFragmentsUnused
	}
	if !w.opts.NoDedup {
		sb.Flags |= disk.FlagDuplicates
	}

	sb.InodeTable = uint64(w.pos)
	if err := w.append(w.inodeTab.bytes()); err != nil {
		return err
	}
	sb.DirectoryTable = uint64(w.pos)
	if err := w.append(w.dirTab.bytes()); err != nil {
		return err
	}

	if len(w.frags) > 0 {
		fragments, err := binary.Append(nil, binary.LittleEndian, w.frags)
		if err != nil {
			return err
		}
		if sb.FragmentTable, err = w.writeTable(fragments); err != nil {
			return err
		}
	}
	if !w.opts.NonExportable {
		sb.Flags |= disk.FlagExportable
		exports, err := binary.Append(nil, binary.LittleEndian, w.exports)
		if err != nil {
			return err
		}
		if sb.ExportTable, err = w.writeTable(exports); err != nil {
			return err
		}
	}
	ids, err := binary.Append(nil, binary.LittleEndian, w.ids)
	if err != nil {
		return err
	}
	if sb.IDTable, err = w.writeTable(ids); err != nil {
		return err
	}

	sb.BytesUsed = uint64(w.pos)
	hdr, err := binary.Append(nil, binary.LittleEndian, sb)
	if err != nil {
		return err
	}
	if _, err := w.w.WriteAt(hdr, 0); err != nil {
		return err
	}

	if !w.opts.NoPad {
		if pad := w.pos % disk.PadSize; pad != 0 {
			if err := w.append(make([]byte, disk.PadSize-pad)); err != nil {
				return err
			}
		}
	}

	log.G(ctx).WithFields(log.Fields{
		"bytes":     sb.BytesUsed,
		"fragments": len(w.frags),
		"ids":       len(w.ids),
	}).Debug("image complete")
	return nil
}

func (w *imageWriter) append(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := w.w.WriteAt(b, w.pos); err != nil {
		return err
	}
	w.pos += int64(len(b))
	return nil
}

// number assigns inode numbers, the root first and then every
// directory's children in order before descending. Numbers depend only
// on the shape of the tree, which keeps output stable across runs.
func (w *imageWriter) number(d *Node, depth int) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("tree exceeds depth %d: %w", maxTreeDepth, errdefs.ErrInvalidArgument)
	}
	for _, c := range d.children {
		if err := validateNode(c); err != nil {
			return err
		}
		if _, ok := w.numbers[c]; ok {
			return fmt.Errorf("node %q linked at multiple paths: %w", c.name, errdefs.ErrInvalidArgument)
		}
		if w.count == math.MaxUint32 {
			return fmt.Errorf("inode count: %w", ErrEncodingOverflow)
		}
		w.count++
		w.numbers[c] = w.count
	}
	for _, c := range d.children {
		if c.IsDir() {
			if err := w.number(c, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateNode(n *Node) error {
	if !validEntryName(n.name) {
		return fmt.Errorf("entry name %q: %w", n.name, errdefs.ErrInvalidArgument)
	}
	if len(n.name) > disk.MaxNameLen {
		return fmt.Errorf("entry name of %d bytes: %w", len(n.name), ErrEncodingOverflow)
	}
	if disk.TypeFromFileMode(n.mode) == 0 {
		return fmt.Errorf("%s: file type %s: %w", n.name, n.mode.Type(), errdefs.ErrInvalidArgument)
	}
	switch n.mode.Type() {
	case fs.ModeSymlink:
		if n.target == "" {
			return fmt.Errorf("%s: empty symlink target: %w", n.name, errdefs.ErrInvalidArgument)
		}
		if len(n.target) > math.MaxUint16 {
			return fmt.Errorf("%s: symlink target of %d bytes: %w", n.name, len(n.target), ErrEncodingOverflow)
		}
	case fs.ModeDevice, fs.ModeDevice | fs.ModeCharDevice:
		if n.major > 0xfff || n.minor > 0xfffff {
			return fmt.Errorf("%s: device %d:%d: %w", n.name, n.major, n.minor, ErrEncodingOverflow)
		}
	}
	return nil
}

// writeData writes the data blocks and fragments of every regular file
// under n in path order.
func (w *imageWriter) writeData(ctx context.Context, p string, n *Node) error {
	if n.mode.IsRegular() {
		layout, err := w.writeFile(ctx, p, n)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		w.layouts[n] = layout
	}
	for _, c := range n.children {
		if err := w.writeData(ctx, path.Join(p, c.name), c); err != nil {
			return err
		}
	}
	return nil
}

func (w *imageWriter) writeFile(ctx context.Context, p string, n *Node) (*fileLayout, error) {
	size := n.Size()
	if size < 0 {
		return nil, fmt.Errorf("content size %d: %w", size, errdefs.ErrInvalidArgument)
	}
	if size == 0 {
		return &fileLayout{fragIndex: disk.NoFragment}, nil
	}

	var dg digest.Digest
	if !w.opts.NoDedup {
		var err error
		if dg, err = digestContent(n); err != nil {
			return nil, err
		}
		if layout, ok := w.dedup[dg]; ok && layout.size == uint64(size) {
			log.G(ctx).WithFields(log.Fields{
				"path":   p,
				"digest": dg,
			}).Debug("duplicate file content")
			return layout, nil
		}
	}

	layout, err := w.writeFileBlocks(ctx, n, size)
	if err != nil {
		return nil, err
	}
	if dg != "" {
		w.dedup[dg] = layout
	}
	return layout, nil
}

func digestContent(n *Node) (digest.Digest, error) {
	rc, err := n.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	digester := digest.SHA256.Digester()
	if _, err := io.Copy(digester.Hash(), rc); err != nil {
		return "", err
	}
	return digester.Digest(), nil
}

func (w *imageWriter) writeFileBlocks(ctx context.Context, n *Node, size int64) (*fileLayout, error) {
	rc, err := n.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	blockSize := int64(w.blockSize)
	full := size / blockSize
	tail := size % blockSize
	if w.opts.NoFragments && tail > 0 {
		full++
		tail = 0
	}
	layout := &fileLayout{
		start:     uint64(w.pos),
		size:      uint64(size),
		fragIndex: disk.NoFragment,
	}
	if full > 0 {
		layout.sizes = make([]uint32, 0, full)
	}

	// Blocks are compressed in parallel batches but always written in
	// file order, so concurrency never changes the output.
	batch := int64(w.workers * 4)
	for done := int64(0); done < full; {
		count := min(batch, full-done)
		chunks := make([][]byte, count)
		for i := range chunks {
			want := min(blockSize, size-(done+int64(i))*blockSize)
			buf := make([]byte, want)
			if _, err := io.ReadFull(rc, buf); err != nil {
				return nil, fmt.Errorf("content shorter than its declared size %d: %w", size, err)
			}
			chunks[i] = buf
		}

		results := make([][]byte, count)
		words := make([]uint32, count)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.workers)
		for i := range chunks {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				chunk := chunks[i]
				if !w.opts.NoSparse && bytes.Equal(chunk, w.zero[:len(chunk)]) {
					return nil
				}
				compressed, err := w.codec.Compress(chunk)
				if err != nil {
					return err
				}
				if len(compressed) < len(chunk) {
					results[i] = compressed
					words[i] = uint32(len(compressed))
				} else {
					results[i] = chunk
					words[i] = disk.DataWord(uint32(len(chunk)), false)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, res := range results {
			if res == nil {
				layout.sizes = append(layout.sizes, 0)
				continue
			}
			if err := w.append(res); err != nil {
				return nil, err
			}
			layout.sizes = append(layout.sizes, words[i])
		}
		done += count
	}

	if tail > 0 {
		buf := make([]byte, tail)
		if _, err := io.ReadFull(rc, buf); err != nil {
			return nil, fmt.Errorf("content shorter than its declared size %d: %w", size, err)
		}
		layout.fragIndex, layout.fragOffset, err = w.addFragment(buf)
		if err != nil {
			return nil, err
		}
	}

	var probe [1]byte
	if _, err := rc.Read(probe[:]); err != io.EOF {
		return nil, fmt.Errorf("content longer than its declared size %d: %w", size, errdefs.ErrInvalidArgument)
	}
	return layout, nil
}

// addFragment appends a file tail to the pending fragment block,
// flushing first when the tail does not fit.
func (w *imageWriter) addFragment(tail []byte) (uint32, uint32, error) {
	if len(w.fragBuf)+len(tail) > int(w.blockSize) {
		if err := w.flushFragments(); err != nil {
			return 0, 0, err
		}
	}
	index := uint32(len(w.frags))
	offset := uint32(len(w.fragBuf))
	w.fragBuf = append(w.fragBuf, tail...)
	return index, offset, nil
}

func (w *imageWriter) flushFragments() error {
	if len(w.fragBuf) == 0 {
		return nil
	}
	payload := w.fragBuf
	word := disk.DataWord(uint32(len(w.fragBuf)), false)
	compressed, err := w.codec.Compress(w.fragBuf)
	if err != nil {
		return err
	}
	if len(compressed) < len(w.fragBuf) {
		payload = compressed
		word = uint32(len(compressed))
	}
	fragment := disk.Fragment{Start: uint64(w.pos), Size: word}
	if err := w.append(payload); err != nil {
		return err
	}
	w.frags = append(w.frags, fragment)
	w.fragBuf = w.fragBuf[:0]
	return nil
}

// writeDir emits d's subtree into the inode and directory tables in
// post order, so every child ref is known before its listing is
// written and the root inode lands last.
func (w *imageWriter) writeDir(d *Node, parent uint32) (disk.InodeRef, error) {
	refs := make([]disk.InodeRef, len(d.children))
	var subdirs uint32
	for i, c := range d.children {
		var err error
		if c.IsDir() {
			subdirs++
			refs[i], err = w.writeDir(c, w.numbers[d])
		} else {
			refs[i], err = w.writeLeaf(c)
		}
		if err != nil {
			return 0, err
		}
	}

	dirBlock, dirOffset := w.dirTab.ref()
	listing, err := w.writeListing(d, refs)
	if err != nil {
		return 0, err
	}
	return w.writeDirInode(d, parent, subdirs, dirBlock, dirOffset, listing)
}

// writeListing writes d's directory entries and returns their size in
// bytes. Entries sharing an inode metadata block are grouped under one
// header, within the limits of the header's entry count and the
// entry's signed inode number delta.
func (w *imageWriter) writeListing(d *Node, refs []disk.InodeRef) (int, error) {
	var size int
	for start := 0; start < len(refs); {
		base := w.numbers[d.children[start]]
		block := refs[start].Block()
		end := start + 1
		for end < len(refs) && end-start < disk.MaxDirEntries {
			if refs[end].Block() != block {
				break
			}
			delta := int64(w.numbers[d.children[end]]) - int64(base)
			if delta < math.MinInt16 || delta > math.MaxInt16 {
				break
			}
			end++
		}

		hdr := disk.DirHeader{
			Count:       uint32(end - start - 1),
			BlockStart:  block,
			InodeNumber: base,
		}
		if err := w.dirTab.encode(hdr); err != nil {
			return 0, err
		}
		size += disk.SizeDirHeader
		for i := start; i < end; i++ {
			c := d.children[i]
			entry := disk.DirEntry{
				Offset:      refs[i].Offset(),
				InodeOffset: int16(int64(w.numbers[c]) - int64(base)),
				Type:        disk.TypeFromFileMode(c.mode),
				NameSize:    uint16(len(c.name) - 1),
			}
			if err := w.dirTab.encode(entry); err != nil {
				return 0, err
			}
			if err := w.dirTab.append([]byte(c.name)); err != nil {
				return 0, err
			}
			size += disk.SizeDirEntry + len(c.name)
		}
		start = end
	}
	return size, nil
}

func (w *imageWriter) writeDirInode(d *Node, parent, subdirs uint32, block uint32, offset uint16, listing int) (disk.InodeRef, error) {
	hdr, err := w.inodeHeader(d, disk.InodeDir)
	if err != nil {
		return 0, err
	}
	ref := disk.NewInodeRef(w.inodeTab.ref())
	size := listing + disk.EmptyDirSize
	links := 2 + subdirs

	if size <= math.MaxUint16 {
		if err := w.inodeTab.encode(hdr); err != nil {
			return 0, err
		}
		err = w.inodeTab.encode(disk.DirInode{
			BlockStart:  block,
			LinkCount:   links,
			Size:        uint16(size),
			Offset:      offset,
			ParentInode: parent,
		})
	} else {
		if size > math.MaxUint32 {
			return 0, fmt.Errorf("directory listing of %d bytes: %w", listing, ErrEncodingOverflow)
		}
		hdr.Type = disk.InodeExtDir
		if err := w.inodeTab.encode(hdr); err != nil {
			return 0, err
		}
		err = w.inodeTab.encode(disk.ExtDirInode{
			LinkCount:   links,
			Size:        uint32(size),
			BlockStart:  block,
			ParentInode: parent,
			Offset:      offset,
			XattrIndex:  disk.NoXattr,
		})
	}
	if err != nil {
		return 0, err
	}
	w.exports[hdr.Number-1] = ref
	return ref, nil
}

func (w *imageWriter) writeLeaf(n *Node) (disk.InodeRef, error) {
	hdr, err := w.inodeHeader(n, disk.TypeFromFileMode(n.mode))
	if err != nil {
		return 0, err
	}
	ref := disk.NewInodeRef(w.inodeTab.ref())

	switch n.mode.Type() {
	case 0:
		layout := w.layouts[n]
		if layout.start > math.MaxUint32 || layout.size > math.MaxUint32 {
			hdr.Type = disk.InodeExtFile
			if err := w.inodeTab.encode(hdr); err != nil {
				return 0, err
			}
			err = w.inodeTab.encode(disk.ExtFileInode{
				BlocksStart:    layout.start,
				Size:           layout.size,
				LinkCount:      1,
				FragmentIndex:  layout.fragIndex,
				FragmentOffset: layout.fragOffset,
				XattrIndex:     disk.NoXattr,
			})
		} else {
			if err := w.inodeTab.encode(hdr); err != nil {
				return 0, err
			}
			err = w.inodeTab.encode(disk.FileInode{
				BlocksStart:    uint32(layout.start),
				FragmentIndex:  layout.fragIndex,
				FragmentOffset: layout.fragOffset,
				Size:           uint32(layout.size),
			})
		}
		if err == nil && len(layout.sizes) > 0 {
			err = w.inodeTab.encode(layout.sizes)
		}
	case fs.ModeSymlink:
		if err := w.inodeTab.encode(hdr); err != nil {
			return 0, err
		}
		if err = w.inodeTab.encode(disk.SymlinkInode{
			LinkCount:  1,
			TargetSize: uint32(len(n.target)),
		}); err == nil {
			err = w.inodeTab.append([]byte(n.target))
		}
	case fs.ModeDevice, fs.ModeDevice | fs.ModeCharDevice:
		if err := w.inodeTab.encode(hdr); err != nil {
			return 0, err
		}
		err = w.inodeTab.encode(disk.DeviceInode{
			LinkCount: 1,
			Device:    disk.DeviceNumber(n.major, n.minor),
		})
	default:
		if err := w.inodeTab.encode(hdr); err != nil {
			return 0, err
		}
		err = w.inodeTab.encode(disk.IPCInode{LinkCount: 1})
	}
	if err != nil {
		return 0, err
	}
	w.exports[hdr.Number-1] = ref
	return ref, nil
}

func (w *imageWriter) inodeHeader(n *Node, typ uint16) (disk.InodeHeader, error) {
	mt, err := unixTime(n.modTime)
	if err != nil {
		return disk.InodeHeader{}, fmt.Errorf("%s: %w", n.name, err)
	}
	uid, err := w.idIndex(n.uid)
	if err != nil {
		return disk.InodeHeader{}, err
	}
	gid, err := w.idIndex(n.gid)
	if err != nil {
		return disk.InodeHeader{}, err
	}
	return disk.InodeHeader{
		Type:        typ,
		Permissions: disk.PermFromFileMode(n.mode),
		UID:         uid,
		GID:         gid,
		ModTime:     mt,
		Number:      w.numbers[n],
	}, nil
}

func (w *imageWriter) idIndex(id uint32) (uint16, error) {
	if idx, ok := w.idmap[id]; ok {
		return idx, nil
	}
	if len(w.ids) >= math.MaxUint16 {
		return 0, fmt.Errorf("id table of %d entries: %w", len(w.ids)+1, ErrEncodingOverflow)
	}
	idx := uint16(len(w.ids))
	w.idmap[id] = idx
	w.ids = append(w.ids, id)
	return idx, nil
}

func unixTime(t time.Time) (uint32, error) {
	if t.IsZero() {
		return 0, nil
	}
	secs := t.Unix()
	if secs < 0 || secs > math.MaxUint32 {
		return 0, fmt.Errorf("mod time %v: %w", t, ErrEncodingOverflow)
	}
	return uint32(secs), nil
}

// writeTable writes a metadata table followed by its index of absolute
// block locations and returns the index offset.
func (w *imageWriter) writeTable(data []byte) (uint64, error) {
	mw := newMetaWriter(w.codec)
	if err := mw.append(data); err != nil {
		return 0, err
	}
	if err := mw.flush(); err != nil {
		return 0, err
	}
	base := uint64(w.pos)
	if err := w.append(mw.bytes()); err != nil {
		return 0, err
	}
	index := make([]byte, 0, 8*len(mw.starts))
	for _, s := range mw.starts {
		index = binary.LittleEndian.AppendUint64(index, base+uint64(s))
	}
	start := uint64(w.pos)
	if err := w.append(index); err != nil {
		return 0, err
	}
	return start, nil
}
