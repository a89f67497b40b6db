package squashfs

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dmcgowan/go-squashfs/compression"
	"github.com/dmcgowan/go-squashfs/internal/disk"
)

type metaEntry struct {
	data    []byte
	diskLen int64
}

// metaBlock reads, decompresses and caches the metadata block at the
// given absolute image offset. The returned slice is shared across
// callers and must not be modified. diskLen is the stored length
// including the length word, used to step to the following block.
func (r *Reader) metaBlock(off int64) (data []byte, diskLen int64, err error) {
	r.mu.RLock()
	cached, ok := r.metaCache[off]
	r.mu.RUnlock()
	if ok {
		return cached.data, cached.diskLen, nil
	}

	var hdr [2]byte
	if _, err := r.ra.ReadAt(hdr[:], off); err != nil {
		return nil, 0, fmt.Errorf("metadata block header at %#x: %v: %w", off, err, ErrCorruptBlock)
	}
	word := binary.LittleEndian.Uint16(hdr[:])
	stored := int(word &^ disk.MetadataUncompressed)
	if stored == 0 || stored > disk.MetadataBlockSize {
		return nil, 0, fmt.Errorf("metadata block at %#x: stored size %d: %w", off, stored, ErrCorruptBlock)
	}
	data = make([]byte, stored)
	if _, err := r.ra.ReadAt(data, off+2); err != nil {
		return nil, 0, fmt.Errorf("metadata block at %#x: truncated: %w", off, ErrCorruptBlock)
	}
	if word&disk.MetadataUncompressed == 0 {
		out := make([]byte, disk.MetadataBlockSize)
		n, err := r.codec.Decompress(out, data)
		if err != nil {
			return nil, 0, fmt.Errorf("metadata block at %#x: %v: %w", off, err, ErrCorruptBlock)
		}
		data = out[:n]
	}
	diskLen = int64(2 + stored)

	r.mu.Lock()
	r.metaCache[off] = metaEntry{data: data, diskLen: diskLen}
	r.mu.Unlock()
	return data, diskLen, nil
}

// metaCursor reads a stream of records from a metadata table, stepping
// across block boundaries as records span them.
type metaCursor struct {
	r    *Reader
	base int64 // absolute offset of the table

	block   int64 // offset of the current block relative to base
	data    []byte
	next    int64 // relative offset of the block following data
	pos     int
	scratch [disk.SizeInodeHeader + disk.SizeExtFileInode]byte
}

func (r *Reader) metaCursor(base int64, block uint32, offset uint16) *metaCursor {
	return &metaCursor{
		r:     r,
		base:  base,
		block: int64(block),
		pos:   int(offset),
	}
}

// read fills all of p, loading successive blocks as needed.
func (c *metaCursor) read(p []byte) error {
	for len(p) > 0 {
		if c.data == nil {
			data, diskLen, err := c.r.metaBlock(c.base + c.block)
			if err != nil {
				return err
			}
			if c.pos > len(data) {
				return fmt.Errorf("offset %d beyond metadata block at %#x: %w", c.pos, c.base+c.block, ErrCorruptBlock)
			}
			c.data = data
			c.next = c.block + diskLen
		}
		if c.pos == len(c.data) {
			c.block = c.next
			c.data = nil
			c.pos = 0
			continue
		}
		n := copy(p, c.data[c.pos:])
		c.pos += n
		p = p[n:]
	}
	return nil
}

// decode reads size bytes and decodes them into v, which must be a
// pointer to a fixed size value.
func (c *metaCursor) decode(v any, size int) error {
	if err := c.read(c.scratch[:size]); err != nil {
		return err
	}
	_, err := binary.Decode(c.scratch[:size], binary.LittleEndian, v)
	return err
}

// metaWriter accumulates table records and emits them as a stream of
// metadata blocks. Records append to an uncompressed buffer which is
// cut into MetadataBlockSize blocks, each stored compressed when that
// is smaller. Blocks are kept in memory so tables under construction
// can grow while earlier image sections are still being written.
type metaWriter struct {
	codec compression.Codec

	buf    []byte   // pending uncompressed bytes, always < MetadataBlockSize
	blocks []byte   // emitted on-disk block stream
	starts []uint32 // offset of each emitted block within blocks
}

func newMetaWriter(codec compression.Codec) *metaWriter {
	return &metaWriter{codec: codec}
}

// ref returns the position the next appended byte will have: the disk
// offset of its metadata block relative to the table start, and the
// offset within the uncompressed block.
func (w *metaWriter) ref() (block uint32, offset uint16) {
	return uint32(len(w.blocks)), uint16(len(w.buf))
}

func (w *metaWriter) append(b []byte) error {
	w.buf = append(w.buf, b...)
	return w.cut()
}

// encode appends the little endian encoding of v, a fixed size value.
func (w *metaWriter) encode(v any) error {
	b, err := binary.Append(w.buf, binary.LittleEndian, v)
	if err != nil {
		return err
	}
	w.buf = b
	return w.cut()
}

func (w *metaWriter) cut() error {
	for len(w.buf) >= disk.MetadataBlockSize {
		if err := w.emit(w.buf[:disk.MetadataBlockSize]); err != nil {
			return err
		}
		w.buf = append(w.buf[:0], w.buf[disk.MetadataBlockSize:]...)
	}
	return nil
}

func (w *metaWriter) emit(b []byte) error {
	if int64(len(w.blocks)) > math.MaxUint32 {
		return fmt.Errorf("metadata table exceeds 4GiB: %w", ErrEncodingOverflow)
	}
	payload, err := w.codec.Compress(b)
	if err != nil {
		return err
	}
	word := uint16(len(payload))
	if len(payload) >= len(b) {
		payload = b
		word = uint16(len(b)) | disk.MetadataUncompressed
	}
	w.starts = append(w.starts, uint32(len(w.blocks)))
	w.blocks = binary.LittleEndian.AppendUint16(w.blocks, word)
	w.blocks = append(w.blocks, payload...)
	return nil
}

// flush emits any pending partial block.
func (w *metaWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.emit(w.buf)
	w.buf = w.buf[:0]
	return err
}

func (w *metaWriter) bytes() []byte {
	return w.blocks
}
