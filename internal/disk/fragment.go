package disk

const (
	SizeFragment = 16

	// DataUncompressed is set in a data block or fragment size word
	// when the payload is stored without compression.
	DataUncompressed = 1 << 24
)

// Fragment describes one fragment block holding the packed tail ends of
// multiple files. Start is the absolute image offset of the block and
// Size its stored length, flagged like any data block size word.
type Fragment struct {
	Start  uint64
	Size   uint32
	Unused uint32
}

// DataSize splits a data block size word into the stored byte length
// and whether the payload is compressed. A zero word is a sparse block.
func DataSize(word uint32) (size uint32, compressed bool) {
	return word &^ DataUncompressed, word&DataUncompressed == 0
}

// DataWord builds a data block size word.
func DataWord(size uint32, compressed bool) uint32 {
	if !compressed {
		return size | DataUncompressed
	}
	return size
}
