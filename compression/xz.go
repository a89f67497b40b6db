package compression

import (
	"bytes"
	"fmt"

	"github.com/ulikunitz/xz"
)

type xzCodec struct{}

func newXZCodec(level int) (Codec, error) {
	if level != 0 {
		return nil, fmt.Errorf("xz compression level is not configurable")
	}
	return xzCodec{}, nil
}

func (xzCodec) Decompress(dst, src []byte) (int, error) {
	xr, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, err
	}
	return readFull(xr, dst)
}

func (xzCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := xw.Write(src); err != nil {
		return nil, err
	}
	if err := xw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
