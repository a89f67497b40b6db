package squashfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/dmcgowan/go-squashfs/compression"
	"github.com/dmcgowan/go-squashfs/internal/disk"
)

// memImage collects an image written through io.WriterAt in memory.
type memImage struct {
	buf []byte
}

func (m *memImage) WriteAt(p []byte, off int64) (int, error) {
	if end := off + int64(len(p)); end > int64(len(m.buf)) {
		m.buf = append(m.buf, make([]byte, end-int64(len(m.buf)))...)
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func buildImage(t testing.TB, tree *Tree, opts WriteOptions) []byte {
	t.Helper()
	var m memImage
	if err := Write(context.Background(), &m, tree, opts); err != nil {
		t.Fatal(err)
	}
	return m.buf
}

func openImage(t testing.TB, img []byte) *Reader {
	t.Helper()
	r, err := Open(bytes.NewReader(img))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// testBlockSize keeps test images small while still exercising block
// and fragment handling.
const testBlockSize = 4096

var testTime = time.Unix(1700000000, 0)

// pattern returns n bytes that never repeat across block boundaries.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// testTree builds a hierarchy covering every node type plus the file
// size edge cases around the block boundary.
func testTree(t testing.TB) *Tree {
	t.Helper()
	attr := func(mode fs.FileMode) Attr {
		return Attr{Mode: mode, ModTime: testTime}
	}
	tree := NewTree(NewDir(attr(0o755)))
	add := func(p string, n *Node) {
		var err error
		if tree, err = tree.Add(p, n, AddOptions{MakeParents: true}); err != nil {
			t.Fatalf("add %s: %v", p, err)
		}
	}

	add("hello.txt", NewFile(BytesContent([]byte("hello world\n")), attr(0o644)))
	add("link", NewSymlink("hello.txt", attr(0)))
	add("fifo", NewFifo(attr(0o644)))

	add("bin/tool", NewFile(BytesContent([]byte("#!/bin/sh\nexit 0\n")), attr(0o755)))

	add("data/empty.bin", NewFile(nil, attr(0o644)))
	add("data/exact.bin", NewFile(BytesContent(pattern(testBlockSize)), attr(0o644)))
	add("data/spill.bin", NewFile(BytesContent(pattern(testBlockSize+1)), attr(0o644)))
	add("data/pattern.bin", NewFile(BytesContent(pattern(testBlockSize*5/2)), attr(0o644)))
	add("data/zeros.bin", NewFile(BytesContent(make([]byte, testBlockSize*3)), attr(0o644)))

	add("dev/null", NewCharDevice(1, 3, attr(0o666)))
	add("dev/sda", NewBlockDevice(8, 0, attr(0o660)))
	add("run/app.sock", NewSocket(attr(0o666)))

	etc := attr(0o640)
	etc.UID, etc.GID = 123, 456
	add("etc/passwd", NewFile(BytesContent([]byte("root:x:0:0::/root:/bin/sh\n")), etc))

	add("empty", NewDir(attr(0o700)))
	return tree
}

func testImage(t testing.TB) *Reader {
	t.Helper()
	img := buildImage(t, testTree(t), WriteOptions{BlockSize: testBlockSize, ModTime: testTime})
	return openImage(t, img)
}

func TestImageContents(t *testing.T) {
	r := testImage(t)

	checkFileString(t, r, "hello.txt", "hello world\n")
	checkFileString(t, r, "bin/tool", "#!/bin/sh\nexit 0\n")
	checkFileString(t, r, "etc/passwd", "root:x:0:0::/root:/bin/sh\n")
	checkFileString(t, r, "data/empty.bin", "")
	checkFileBytes(t, r, "data/exact.bin", pattern(testBlockSize))
	checkFileBytes(t, r, "data/spill.bin", pattern(testBlockSize+1))
	checkFileBytes(t, r, "data/pattern.bin", pattern(testBlockSize*5/2))
	checkFileBytes(t, r, "data/zeros.bin", make([]byte, testBlockSize*3))

	checkDirectorySize(t, r, ".", 9)
	checkDirectorySize(t, r, "data", 5)
	checkDirectorySize(t, r, "empty", 0)

	checkNotExists(t, r, "missing.txt")
	checkNotExists(t, r, "missing/file.txt")
	checkNotExists(t, r, "empty/anything")
	checkNotExists(t, r, "hello.txt/below")

	checkMode(t, r, "bin/tool", 0o755)
	checkMode(t, r, "etc/passwd", 0o640)
	checkMode(t, r, "empty", fs.ModeDir|0o700)
	checkMode(t, r, "fifo", fs.ModeNamedPipe|0o644)
	checkMode(t, r, "run/app.sock", fs.ModeSocket|0o666)
	checkMode(t, r, "dev/null", fs.ModeDevice|fs.ModeCharDevice|0o666)
	checkMode(t, r, "dev/sda", fs.ModeDevice|0o660)
	checkMode(t, r, "link", fs.ModeSymlink|0o777)
}

func TestReadLink(t *testing.T) {
	r := testImage(t)

	target, err := r.ReadLink("link")
	if err != nil {
		t.Fatal(err)
	}
	if target != "hello.txt" {
		t.Errorf("link resolves to %q, expected %q", target, "hello.txt")
	}

	if _, err := r.ReadLink("hello.txt"); err == nil {
		t.Error("expected error reading link target of a regular file")
	}
	if _, err := r.ReadLink("missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not exist error, got %v", err)
	}
}

func TestStat(t *testing.T) {
	r := testImage(t)

	info, err := r.Stat("etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	st, ok := info.Sys().(*Stat)
	if !ok {
		t.Fatalf("Sys returned %T", info.Sys())
	}
	if st.UID != 123 || st.GID != 456 {
		t.Errorf("owner %d:%d, expected 123:456", st.UID, st.GID)
	}
	if !info.ModTime().Equal(testTime) {
		t.Errorf("mod time %v, expected %v", info.ModTime(), testTime)
	}

	info, err = r.Stat("dev/sda")
	if err != nil {
		t.Fatal(err)
	}
	st = info.Sys().(*Stat)
	if st.Major != 8 || st.Minor != 0 {
		t.Errorf("device %d:%d, expected 8:0", st.Major, st.Minor)
	}

	info, err = r.Stat(".")
	if err != nil {
		t.Fatal(err)
	}
	if st = info.Sys().(*Stat); st.Inode != 1 {
		t.Errorf("root inode number %d, expected 1", st.Inode)
	}
	if !info.IsDir() {
		t.Error("root is not a directory")
	}
}

func TestReadDirPaged(t *testing.T) {
	r := testImage(t)

	f, err := r.Open("data")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	d, ok := f.(fs.ReadDirFile)
	if !ok {
		t.Fatalf("directory does not implement fs.ReadDirFile")
	}

	var names []string
	for {
		entries, err := d.ReadDir(2)
		for _, e := range entries {
			names = append(names, e.Name())
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	expected := []string{"empty.bin", "exact.bin", "pattern.bin", "spill.bin", "zeros.bin"}
	if strings.Join(names, ",") != strings.Join(expected, ",") {
		t.Errorf("paged entries %v, expected %v", names, expected)
	}

	// a second full read returns nothing further
	entries, err := d.ReadDir(-1)
	if err != nil || len(entries) != 0 {
		t.Errorf("drained directory returned %d entries, err %v", len(entries), err)
	}
}

func TestDirEntryInfo(t *testing.T) {
	r := testImage(t)

	entries, err := fs.ReadDir(r, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name() != "null" || entries[1].Name() != "sda" {
		t.Errorf("entries not sorted: %s, %s", entries[0].Name(), entries[1].Name())
	}
	if typ := entries[0].Type(); typ != fs.ModeDevice|fs.ModeCharDevice {
		t.Errorf("null entry type %v", typ)
	}
	info, err := entries[1].Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode() != fs.ModeDevice|0o660 {
		t.Errorf("sda mode %v", info.Mode())
	}
}

func TestResumedRead(t *testing.T) {
	r := testImage(t)
	content := pattern(testBlockSize * 5 / 2)

	f, err := r.Open("data/pattern.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	// short reads must resume mid block and across block boundaries
	head := make([]byte, 10)
	if _, err := io.ReadFull(f, head); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(head, content[:10]) {
		t.Errorf("first bytes %x, expected %x", head, content[:10])
	}
	rest, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rest, content[10:]) {
		t.Errorf("resumed read returned %d bytes, expected %d", len(rest), len(content)-10)
	}
}

func TestInfo(t *testing.T) {
	img := buildImage(t, testTree(t), WriteOptions{BlockSize: testBlockSize, ModTime: testTime})
	r := openImage(t, img)

	info := r.Info()
	if info.BlockSize != testBlockSize {
		t.Errorf("block size %d", info.BlockSize)
	}
	if info.Compression != compression.Gzip {
		t.Errorf("compression %v", info.Compression)
	}
	// root, 6 subdirectories, 8 files, symlink, fifo, socket, 2 devices
	if info.Inodes != 20 {
		t.Errorf("inode count %d, expected 20", info.Inodes)
	}
	if !info.ModTime.Equal(testTime) {
		t.Errorf("mod time %v", info.ModTime)
	}
	if info.Fragments == 0 {
		t.Error("expected fragments")
	}
	// 0:0 plus uid 123 and gid 456
	if info.IDCount != 3 {
		t.Errorf("id count %d, expected 3", info.IDCount)
	}
	if info.BytesUsed < disk.SizeSuperBlock || info.BytesUsed > int64(len(img)) {
		t.Errorf("bytes used %d of a %d byte image", info.BytesUsed, len(img))
	}
	if len(img)%4096 != 0 {
		t.Errorf("image length %d is not padded", len(img))
	}
	if info.Flags&disk.FlagNoXattrs == 0 {
		t.Errorf("flags %#x missing no-xattrs", info.Flags)
	}
	if info.Flags&disk.FlagExportable == 0 {
		t.Errorf("flags %#x missing exportable", info.Flags)
	}
}

func TestFSConformance(t *testing.T) {
	// fstest covers a plain file and directory tree; special node
	// types are exercised separately.
	attr := Attr{Mode: 0o755, ModTime: testTime}
	tree := NewTree(NewDir(attr))
	paths := []string{
		"a.txt",
		"b/c.txt",
		"b/d/e.bin",
		"b/d/f.bin",
		"g/h.txt",
	}
	var err error
	for i, p := range paths {
		content := BytesContent(pattern(100 * (i + 1)))
		if tree, err = tree.Add(p, NewFile(content, attr), AddOptions{MakeParents: true}); err != nil {
			t.Fatal(err)
		}
	}
	r := openImage(t, buildImage(t, tree, WriteOptions{BlockSize: testBlockSize}))
	if err := fstest.TestFS(r, paths...); err != nil {
		t.Fatal(err)
	}
}

func TestOpenInvalidPath(t *testing.T) {
	r := testImage(t)
	for _, p := range []string{"/hello.txt", "hello.txt/", "./hello.txt", "a//b", ""} {
		if _, err := r.Open(p); !errors.Is(err, fs.ErrInvalid) {
			t.Errorf("open %q: expected invalid path error, got %v", p, err)
		}
	}
}

func TestOpenCorrupt(t *testing.T) {
	img := buildImage(t, testTree(t), WriteOptions{BlockSize: testBlockSize})
	inodeTable := int(openImage(t, img).sb.InodeTable)

	patch := func(off int, val uint16) []byte {
		b := bytes.Clone(img)
		binary.LittleEndian.PutUint16(b[off:], val)
		return b
	}

	for name, tc := range map[string]struct {
		img []byte
		err error
	}{
		"empty":           {img: nil, err: ErrInvalidSuperblock},
		"truncated":       {img: img[:64], err: ErrInvalidSuperblock},
		"bad magic":       {img: patch(0, 0x7371), err: ErrInvalidSuperblock},
		"version 5.0":     {img: patch(28, 5), err: ErrUnsupportedVersion},
		"version 4.1":     {img: patch(30, 1), err: ErrUnsupportedVersion},
		"compression":     {img: patch(20, 9), err: compression.ErrUnsupported},
		"block size":      {img: patch(12, 3000), err: ErrInvalidSuperblock},
		"block log":       {img: patch(22, 5), err: ErrInvalidSuperblock},
		"no inodes":       {img: patch(4, 0), err: ErrInvalidSuperblock},
		"zero id count":   {img: patch(26, 0), err: ErrInvalidSuperblock},
		"metadata stream": {img: patch(inodeTable, 0x7fff), err: ErrCorruptBlock},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Open(bytes.NewReader(tc.img))
			if err == nil {
				t.Fatal("open succeeded on corrupt image")
			}
			if !errors.Is(err, tc.err) {
				t.Errorf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestOpenAtOffset(t *testing.T) {
	img := buildImage(t, testTree(t), WriteOptions{BlockSize: testBlockSize})

	const prefix = 8192
	buf := append(make([]byte, prefix), img...)

	r, err := OpenAt(bytes.NewReader(buf), prefix)
	if err != nil {
		t.Fatal(err)
	}
	checkFileString(t, r, "hello.txt", "hello world\n")
	checkFileBytes(t, r, "data/pattern.bin", pattern(testBlockSize*5/2))

	if _, err := Open(bytes.NewReader(buf)); !errors.Is(err, ErrInvalidSuperblock) {
		t.Errorf("expected invalid superblock at offset 0, got %v", err)
	}
	if _, err := OpenAt(bytes.NewReader(buf), -1); err == nil {
		t.Error("expected error for negative offset")
	}
}

// TestCompressorOptions splices an options metadata block in between
// the superblock and the tables, the way images written with
// non-default compressor settings carry one.
func TestCompressorOptions(t *testing.T) {
	tree := NewTree(NewDir(Attr{Mode: 0o755, ModTime: testTime}))
	img := buildImage(t, tree, WriteOptions{ModTime: testTime})

	if got := openImage(t, img).CompressorOptions(); got != nil {
		t.Fatalf("expected no compressor options, got %x", got)
	}

	payload := []byte{8, 0, 0, 0, 4, 0, 0, 0}
	block := binary.LittleEndian.AppendUint16(nil, disk.MetadataUncompressed|uint16(len(payload)))
	block = append(block, payload...)
	delta := uint64(len(block))

	patched := bytes.Clone(img[:disk.SizeSuperBlock])
	patched = append(patched, block...)
	patched = append(patched, img[disk.SizeSuperBlock:]...)

	flags := binary.LittleEndian.Uint16(patched[24:])
	binary.LittleEndian.PutUint16(patched[24:], flags|disk.FlagCompressorOptions)

	// Bytes used plus the id, inode, directory and export table starts
	// all sit past the insertion point.
	for _, off := range []int{40, 48, 64, 72, 88} {
		binary.LittleEndian.PutUint64(patched[off:], binary.LittleEndian.Uint64(patched[off:])+delta)
	}
	// The id and export table indexes hold absolute block pointers.
	for _, off := range []int{48, 88} {
		idx := int(binary.LittleEndian.Uint64(patched[off:]))
		ptr := binary.LittleEndian.Uint64(patched[idx:])
		binary.LittleEndian.PutUint64(patched[idx:], ptr+delta)
	}

	r := openImage(t, patched)
	if got := r.CompressorOptions(); !bytes.Equal(got, payload) {
		t.Fatalf("compressor options: got %x, expected %x", got, payload)
	}
	entries, err := fs.ReadDir(r, ".")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty root, got %d entries", len(entries))
	}
}

func FuzzOpen(f *testing.F) {
	img := buildImage(f, testTree(f), WriteOptions{BlockSize: testBlockSize})
	f.Add(img)
	f.Add(img[:96])
	f.Add([]byte("hsqs"))
	flipped := bytes.Clone(img)
	for i := 100; i < len(flipped); i += 997 {
		flipped[i] ^= 0xff
	}
	f.Add(flipped)

	f.Fuzz(func(t *testing.T, data []byte) {
		r, err := Open(bytes.NewReader(data))
		if err != nil {
			return
		}
		fs.WalkDir(r, ".", func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return fs.SkipAll
			}
			if strings.Count(p, "/") > 16 {
				return fs.SkipDir
			}
			if d.IsDir() {
				return nil
			}
			if f, err := r.Open(p); err == nil {
				io.CopyN(io.Discard, f, 1<<16)
				f.Close()
			}
			return nil
		})
	})
}

func checkFileString(t testing.TB, fsys fs.FS, name, content string) {
	t.Helper()

	f, err := fsys.Open(name)
	if err != nil {
		t.Error(err)
		return
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		t.Error(err)
		return
	}

	actual := string(b)
	if actual != content {
		t.Errorf("Unexpected content in %s\n\tActual:   %q\n\tExpected: %q", name, actual, content)
	}
}

func checkFileBytes(t testing.TB, fsys fs.FS, name string, content []byte) {
	t.Helper()

	f, err := fsys.Open(name)
	if err != nil {
		t.Error(err)
		return
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		t.Error(err)
		return
	}

	if !bytes.Equal(b, content) {
		if len(b) != len(content) {
			t.Logf("Unexpected content in %s\n\tActual Len: %d\n\tExpected Len: %d", name, len(b), len(content))
		} else if len(b) < 8192 {
			t.Logf("Unexpected content in %s\n\tActual:   %x\n\tExpected: %x", name, b, content)
		} else {
			t.Logf("Unexpected content in %s\n\tActual:   %x...%x\n\tExpected: %x...%x", name, b[:4096], b[len(b)-4096:], content[:4096], content[len(content)-4096:])
		}
		t.Fail()
	}
}

func checkDirectorySize(t testing.TB, fsys fs.FS, name string, n int) {
	t.Helper()

	entries, err := fs.ReadDir(fsys, name)
	if err != nil {
		t.Error(err)
	}
	if len(entries) != n {
		t.Errorf("Unexpected directory entries in %s: Got %d, expected %d", name, len(entries), n)
	}
}

func checkNotExists(t testing.TB, fsys fs.FS, name string) {
	t.Helper()

	_, err := fsys.Open(name)
	if err == nil {
		t.Errorf("expected error opening %s", name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not exist error opening %s, got %v", name, err)
	}
}

func checkMode(t testing.TB, fsys fs.StatFS, name string, mode fs.FileMode) {
	t.Helper()

	info, err := fsys.Stat(name)
	if err != nil {
		t.Error(err)
		return
	}
	if info.Mode() != mode {
		t.Errorf("Unexpected mode for %s: Got %v, expected %v", name, info.Mode(), mode)
	}
}
