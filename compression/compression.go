// Package compression provides the block codecs used by SquashFS
// images. Every image records a single algorithm id in its superblock
// which applies to all compressed metadata, data and fragment blocks.
package compression

import (
	"errors"
	"fmt"
	"io"
)

// Type identifies a compression algorithm by its superblock id.
type Type uint16

const (
	Gzip Type = iota + 1
	LZMA
	LZO
	XZ
	LZ4
	Zstd
)

func (t Type) String() string {
	switch t {
	case Gzip:
		return "gzip"
	case LZMA:
		return "lzma"
	case LZO:
		return "lzo"
	case XZ:
		return "xz"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// Parse maps an algorithm name to its Type.
func Parse(s string) (Type, error) {
	for t := Gzip; t <= Zstd; t++ {
		if s == t.String() {
			return t, nil
		}
	}
	return 0, fmt.Errorf("compression %q: %w", s, ErrUnsupported)
}

// ErrUnsupported indicates an algorithm with no available codec.
var ErrUnsupported = errors.New("unsupported compression algorithm")

// Codec compresses and decompresses individual blocks.
//
// Implementations are safe for concurrent use.
type Codec interface {
	// Decompress inflates src into dst, returning the number of bytes
	// produced. It fails if the output would exceed len(dst).
	Decompress(dst, src []byte) (int, error)

	// Compress returns src compressed as a single block. The result
	// may be no smaller than src, in which case callers store the
	// original bytes instead.
	Compress(src []byte) ([]byte, error)
}

var codecs = map[Type]func(level int) (Codec, error){
	Gzip: newGzipCodec,
	LZMA: newLZMACodec,
	LZO:  newLZOCodec,
	XZ:   newXZCodec,
	LZ4:  newLZ4Codec,
	Zstd: newZstdCodec,
}

// Get returns a codec with default settings, suitable for reading any
// image using the algorithm.
func Get(t Type) (Codec, error) {
	return New(t, 0)
}

// New returns a codec using an algorithm specific compression level,
// with 0 selecting the default. Algorithms without configurable levels
// reject any other value.
func New(t Type, level int) (Codec, error) {
	newCodec, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("compression id %d: %w", uint16(t), ErrUnsupported)
	}
	return newCodec(level)
}

var errBlockTooLarge = errors.New("decompressed block exceeds expected size")

// readFull drains r into dst, failing if the stream decompresses to
// more than len(dst) bytes.
func readFull(r io.Reader, dst []byte) (int, error) {
	n, err := io.ReadFull(r, dst)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	if err != nil {
		return n, err
	}
	// dst is full, the stream must be finished
	var b [1]byte
	if extra, err := r.Read(b[:]); extra > 0 {
		return n, errBlockTooLarge
	} else if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}
