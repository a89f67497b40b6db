package compression

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zlib"
)

// gzipCodec implements the gzip algorithm, which stores zlib streams
// despite the name.
type gzipCodec struct {
	level int
}

func newGzipCodec(level int) (Codec, error) {
	if level == 0 {
		level = zlib.BestCompression
	}
	if level < zlib.BestSpeed || level > zlib.BestCompression {
		return nil, fmt.Errorf("gzip compression level %d out of range", level)
	}
	return &gzipCodec{level: level}, nil
}

func (c *gzipCodec) Decompress(dst, src []byte) (int, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	return readFull(zr, dst)
}

func (c *gzipCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
