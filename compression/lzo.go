package compression

import (
	"bytes"
	"fmt"

	lzo "github.com/rasky/go-lzo"
)

type lzoCodec struct{}

func newLZOCodec(level int) (Codec, error) {
	if level != 0 {
		return nil, fmt.Errorf("lzo compression level is not configurable")
	}
	return lzoCodec{}, nil
}

func (lzoCodec) Decompress(dst, src []byte) (int, error) {
	out, err := lzo.Decompress1X(bytes.NewReader(src), len(src), len(dst))
	if err != nil {
		return 0, err
	}
	if len(out) > len(dst) {
		return 0, errBlockTooLarge
	}
	return copy(dst, out), nil
}

func (lzoCodec) Compress(src []byte) ([]byte, error) {
	return lzo.Compress1X999(src), nil
}
