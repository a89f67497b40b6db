package compression

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Codec implements the lz4 algorithm. Blocks are stored in the raw
// lz4 block format without frame headers.
type lz4Codec struct {
	level lz4.CompressionLevel
}

var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast,
	lz4.Level1, lz4.Level2, lz4.Level3,
	lz4.Level4, lz4.Level5, lz4.Level6,
	lz4.Level7, lz4.Level8, lz4.Level9,
}

func newLZ4Codec(level int) (Codec, error) {
	if level == 0 {
		level = 9
	}
	if level < 1 || level >= len(lz4Levels) {
		return nil, fmt.Errorf("lz4 compression level %d out of range", level)
	}
	return &lz4Codec{level: lz4Levels[level]}, nil
}

func (c *lz4Codec) Decompress(dst, src []byte) (int, error) {
	return lz4.UncompressBlock(src, dst)
}

func (c *lz4Codec) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	comp := lz4.CompressorHC{Level: c.level}
	n, err := comp.CompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// incompressible, store as is
		return src, nil
	}
	return dst[:n], nil
}
