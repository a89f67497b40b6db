package squashfs

import (
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func nodeContent(t testing.TB, n *Node) string {
	t.Helper()
	rc, err := n.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestAdd(t *testing.T) {
	tree := testTree(t)

	added, err := tree.Add("etc/hosts", NewFile(BytesContent([]byte("::1 localhost\n")), Attr{Mode: 0o644}), AddOptions{})
	require.NoError(t, err)

	n, err := added.Resolve("etc/hosts")
	require.NoError(t, err)
	require.Equal(t, "hosts", n.Name())
	require.Equal(t, fs.FileMode(0o644), n.Mode())
	require.Equal(t, "::1 localhost\n", nodeContent(t, n))

	// the original tree does not gain the entry
	_, err = tree.Resolve("etc/hosts")
	require.True(t, errdefs.IsNotFound(err))

	// subtrees off the mutated path are shared, the spine is copied
	keep, err := tree.Resolve("data")
	require.NoError(t, err)
	kept, err := added.Resolve("data")
	require.NoError(t, err)
	require.Same(t, keep, kept)

	oldEtc, err := tree.Resolve("etc")
	require.NoError(t, err)
	newEtc, err := added.Resolve("etc")
	require.NoError(t, err)
	require.NotSame(t, oldEtc, newEtc)
}

func TestAddExisting(t *testing.T) {
	tree := testTree(t)
	file := NewFile(BytesContent([]byte("new\n")), Attr{Mode: 0o600})

	_, err := tree.Add("hello.txt", file, AddOptions{})
	require.True(t, errdefs.IsAlreadyExists(err))

	forced, err := tree.Add("hello.txt", file, AddOptions{Overwrite: true})
	require.NoError(t, err)
	n, err := forced.Resolve("hello.txt")
	require.NoError(t, err)
	require.Equal(t, "new\n", nodeContent(t, n))
	require.Equal(t, fs.FileMode(0o600), n.Mode())
}

func TestAddMissingParent(t *testing.T) {
	tree := testTree(t)
	file := NewFile(nil, Attr{Mode: 0o644})

	_, err := tree.Add("no/such/dir/f.txt", file, AddOptions{})
	require.True(t, errdefs.IsNotFound(err))
	require.ErrorContains(t, err, "missing parent")
}

func TestAddMakeParents(t *testing.T) {
	tree := testTree(t)
	when := time.Unix(1600000000, 0)

	etc, err := tree.Resolve("etc")
	require.NoError(t, err)
	require.Equal(t, uint32(0), etc.UID())

	parent, err := tree.SetAttr("etc", AttrChange{UID: ptr(uint32(77)), GID: ptr(uint32(88)), ModTime: &when})
	require.NoError(t, err)

	added, err := parent.Add("etc/app/conf.d/main.conf", NewFile(nil, Attr{Mode: 0o644}), AddOptions{MakeParents: true})
	require.NoError(t, err)

	// created directories inherit ownership and time from the nearest
	// existing ancestor
	for _, p := range []string{"etc/app", "etc/app/conf.d"} {
		n, err := added.Resolve(p)
		require.NoError(t, err)
		require.Equal(t, fs.ModeDir|0o755, n.Mode(), p)
		require.Equal(t, uint32(77), n.UID(), p)
		require.Equal(t, uint32(88), n.GID(), p)
		require.True(t, n.ModTime().Equal(when), p)
	}

	_, err = added.Resolve("etc/app/conf.d/main.conf")
	require.NoError(t, err)
}

func TestAddThroughFile(t *testing.T) {
	tree := testTree(t)
	_, err := tree.Add("hello.txt/sub", NewFile(nil, Attr{}), AddOptions{MakeParents: true})
	require.True(t, errdefs.IsInvalidArgument(err))
	require.ErrorContains(t, err, "not a directory")
}

func TestAddRoot(t *testing.T) {
	tree := testTree(t)
	for _, p := range []string{"/", "", ".", "a/.."} {
		_, err := tree.Add(p, NewDir(Attr{Mode: 0o755}), AddOptions{})
		require.True(t, errdefs.IsInvalidArgument(err), "path %q", p)
	}
}

func TestAddNilNode(t *testing.T) {
	tree := testTree(t)
	_, err := tree.Add("x", nil, AddOptions{})
	require.True(t, errdefs.IsInvalidArgument(err))
}

func TestAddDoesNotMutateArgument(t *testing.T) {
	tree := testTree(t)
	n := NewFile(nil, Attr{Mode: 0o644})

	added, err := tree.Add("a.txt", n, AddOptions{})
	require.NoError(t, err)
	require.Empty(t, n.Name(), "argument node must not be renamed")

	got, err := added.Resolve("a.txt")
	require.NoError(t, err)
	require.NotSame(t, n, got)
	require.Equal(t, "a.txt", got.Name())
}

func TestReplace(t *testing.T) {
	tree := testTree(t)

	replaced, err := tree.Replace("etc/passwd", BytesContent([]byte("nobody:x:65534:65534::/:/bin/false\n")))
	require.NoError(t, err)

	n, err := replaced.Resolve("etc/passwd")
	require.NoError(t, err)
	require.Equal(t, "nobody:x:65534:65534::/:/bin/false\n", nodeContent(t, n))

	// attributes survive a content replacement
	require.Equal(t, fs.FileMode(0o640), n.Mode())
	require.Equal(t, uint32(123), n.UID())
	require.Equal(t, uint32(456), n.GID())
	require.True(t, n.ModTime().Equal(testTime))

	old, err := tree.Resolve("etc/passwd")
	require.NoError(t, err)
	require.Equal(t, "root:x:0:0::/root:/bin/sh\n", nodeContent(t, old))
}

func TestReplaceMissing(t *testing.T) {
	tree := testTree(t)
	_, err := tree.Replace("etc/shadow", BytesContent(nil))
	require.True(t, errdefs.IsNotFound(err))
}

func TestReplaceNotRegular(t *testing.T) {
	tree := testTree(t)
	for _, p := range []string{"etc", "link", "dev/null", "fifo"} {
		_, err := tree.Replace(p, BytesContent(nil))
		require.True(t, errdefs.IsInvalidArgument(err), "path %q", p)
		require.ErrorContains(t, err, "not a regular file")
	}
}

func TestSetAttr(t *testing.T) {
	tree := testTree(t)

	t.Run("mode", func(t *testing.T) {
		changed, err := tree.SetAttr("bin/tool", AttrChange{Mode: ptr(fs.ModeSetuid | 0o750)})
		require.NoError(t, err)
		n, err := changed.Resolve("bin/tool")
		require.NoError(t, err)
		require.Equal(t, fs.ModeSetuid|0o750, n.Mode())
		require.True(t, n.Mode().IsRegular(), "type bits must survive")
		require.Equal(t, uint32(0), n.UID())
	})

	t.Run("owner", func(t *testing.T) {
		changed, err := tree.SetAttr("etc/passwd", AttrChange{UID: ptr(uint32(1))})
		require.NoError(t, err)
		n, err := changed.Resolve("etc/passwd")
		require.NoError(t, err)
		require.Equal(t, uint32(1), n.UID())
		require.Equal(t, uint32(456), n.GID(), "unset fields keep their value")
		require.Equal(t, fs.FileMode(0o640), n.Mode())
	})

	t.Run("mtime", func(t *testing.T) {
		when := time.Unix(1234567890, 0)
		changed, err := tree.SetAttr("empty", AttrChange{ModTime: &when})
		require.NoError(t, err)
		n, err := changed.Resolve("empty")
		require.NoError(t, err)
		require.True(t, n.ModTime().Equal(when))
		require.Equal(t, fs.ModeDir|0o700, n.Mode())
	})

	t.Run("directory type preserved", func(t *testing.T) {
		changed, err := tree.SetAttr("data", AttrChange{Mode: ptr(fs.FileMode(0o500))})
		require.NoError(t, err)
		n, err := changed.Resolve("data")
		require.NoError(t, err)
		require.Equal(t, fs.ModeDir|0o500, n.Mode())
		require.Len(t, n.Children(), 5, "children survive attribute changes")
	})

	t.Run("root", func(t *testing.T) {
		changed, err := tree.SetAttr("/", AttrChange{UID: ptr(uint32(42))})
		require.NoError(t, err)
		require.Equal(t, uint32(42), changed.Root().UID())
		require.Equal(t, uint32(0), tree.Root().UID())
		require.True(t, changed.Root().IsDir())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := tree.SetAttr("nope", AttrChange{UID: ptr(uint32(1))})
		require.True(t, errdefs.IsNotFound(err))
	})
}

func TestResolve(t *testing.T) {
	tree := testTree(t)

	for _, p := range []string{"", "/", "."} {
		n, err := tree.Resolve(p)
		require.NoError(t, err, "path %q", p)
		require.Same(t, tree.Root(), n)
	}

	n, err := tree.Resolve("/data/exact.bin")
	require.NoError(t, err)
	require.Equal(t, "exact.bin", n.Name())
	require.Equal(t, int64(testBlockSize), n.Size())

	_, err = tree.Resolve("data/nope")
	require.True(t, errdefs.IsNotFound(err))

	_, err = tree.Resolve("hello.txt/nope")
	require.True(t, errdefs.IsInvalidArgument(err))
}

func TestWalkOrder(t *testing.T) {
	tree := testTree(t)

	var paths []string
	err := tree.Walk(func(p string, n *Node) error {
		paths = append(paths, p)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, "/", paths[0])
	require.Equal(t, []string{
		"/", "/bin", "/bin/tool",
		"/data", "/data/empty.bin", "/data/exact.bin", "/data/pattern.bin", "/data/spill.bin", "/data/zeros.bin",
		"/dev", "/dev/null", "/dev/sda",
		"/empty",
		"/etc", "/etc/passwd",
		"/fifo", "/hello.txt", "/link",
		"/run", "/run/app.sock",
	}, paths)
}

// TestMutateRewrite runs the full cycle a tool performs: open an
// image, derive a modified tree and write it back.
func TestMutateRewrite(t *testing.T) {
	src := openImage(t, buildImage(t, testTree(t), WriteOptions{BlockSize: testBlockSize, ModTime: testTime}))
	tree, err := src.Tree()
	require.NoError(t, err)

	tree, err = tree.Add("opt/app/run.sh", NewFile(BytesContent([]byte("#!/bin/sh\n./app\n")), Attr{Mode: 0o755, ModTime: testTime}), AddOptions{MakeParents: true})
	require.NoError(t, err)
	tree, err = tree.Replace("hello.txt", BytesContent([]byte("goodbye\n")))
	require.NoError(t, err)
	tree, err = tree.SetAttr("bin/tool", AttrChange{UID: ptr(uint32(10)), GID: ptr(uint32(10))})
	require.NoError(t, err)

	out := openImage(t, buildImage(t, tree, WriteOptions{ModTime: testTime}))

	checkFileString(t, out, "opt/app/run.sh", "#!/bin/sh\n./app\n")
	checkMode(t, out, "opt/app/run.sh", 0o755)
	checkFileString(t, out, "hello.txt", "goodbye\n")
	checkMode(t, out, "hello.txt", 0o644)

	info, err := out.Stat("bin/tool")
	require.NoError(t, err)
	st := info.Sys().(*Stat)
	require.Equal(t, uint32(10), st.UID)
	require.Equal(t, uint32(10), st.GID)

	// untouched data still reads back through the new image
	checkFileBytes(t, out, "data/pattern.bin", pattern(testBlockSize*5/2))
	checkFileBytes(t, out, "data/zeros.bin", make([]byte, testBlockSize*3))
	target, err := out.ReadLink("link")
	require.NoError(t, err)
	require.Equal(t, "hello.txt", target)
}
