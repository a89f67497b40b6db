package compression

import (
	"bytes"
	"fmt"

	"github.com/ulikunitz/xz/lzma"
)

// lzmaCodec implements the legacy lzma algorithm using the raw LZMA
// stream format that predates xz containers.
type lzmaCodec struct{}

func newLZMACodec(level int) (Codec, error) {
	if level != 0 {
		return nil, fmt.Errorf("lzma compression level is not configurable")
	}
	return lzmaCodec{}, nil
}

func (lzmaCodec) Decompress(dst, src []byte) (int, error) {
	lr, err := lzma.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, err
	}
	return readFull(lr, dst)
}

func (lzmaCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	lw, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := lw.Write(src); err != nil {
		return nil, err
	}
	if err := lw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
