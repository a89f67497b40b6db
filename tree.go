package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/dmcgowan/go-squashfs/compression"
	"github.com/dmcgowan/go-squashfs/internal/disk"
)

// maxTreeDepth bounds directory nesting when materializing trees so
// reference cycles in malformed images cannot recurse unbounded.
const maxTreeDepth = 512

// Tree is an in memory filesystem hierarchy that can be serialized
// into an image by Write. Trees built by Reader.Tree stream their file
// content from the reader on demand. The mutation methods Add, Replace
// and SetAttr return derived trees, sharing all unchanged nodes with
// the original, which stays valid and unmodified.
type Tree struct {
	root        *Node
	blockSize   uint32
	compression compression.Type
}

// NewTree returns a tree rooted at the given directory node, or at a
// new empty directory when root is nil.
func NewTree(root *Node) *Tree {
	if root == nil {
		root = NewDir(Attr{Mode: 0o755})
	}
	return &Tree{root: root}
}

func (t *Tree) Root() *Node {
	return t.root
}

// BlockSize returns the data block size of the source image, or 0 for
// trees built from scratch.
func (t *Tree) BlockSize() uint32 {
	return t.blockSize
}

// Compression returns the algorithm of the source image, or 0 for
// trees built from scratch.
func (t *Tree) Compression() compression.Type {
	return t.compression
}

// Resolve walks a slash separated path to its node. Both "/a/b" and
// "a/b" resolve relative to the root; "/", "" and "." resolve to the
// root itself.
func (t *Tree) Resolve(p string) (*Node, error) {
	parts, err := splitPath(p)
	if err != nil {
		return nil, err
	}
	n := t.root
	for _, part := range parts {
		if !n.IsDir() {
			return nil, fmt.Errorf("%s: not a directory: %w", p, errdefs.ErrInvalidArgument)
		}
		if n = n.Child(part); n == nil {
			return nil, fmt.Errorf("%s: %w", p, errdefs.ErrNotFound)
		}
	}
	return n, nil
}

// Walk visits every node depth first, children in sorted order,
// passing slash rooted paths starting with "/" for the root.
func (t *Tree) Walk(fn func(p string, n *Node) error) error {
	return walkNode("/", t.root, fn)
}

func walkNode(p string, n *Node, fn func(string, *Node) error) error {
	if err := fn(p, n); err != nil {
		return err
	}
	for _, c := range n.children {
		cp := path.Join(p, c.name)
		if err := walkNode(cp, c, fn); err != nil {
			return err
		}
	}
	return nil
}

// splitPath normalizes a slash separated path into its segments,
// resolving "." and ".." lexically. The root yields no segments.
func splitPath(p string) ([]string, error) {
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return nil, nil
	}
	parts := strings.Split(cleaned[1:], "/")
	for _, part := range parts {
		if !validEntryName(part) {
			return nil, fmt.Errorf("path element %q: %w", part, errdefs.ErrInvalidArgument)
		}
	}
	return parts, nil
}

// Node is a single entry in a Tree. Nodes are immutable once built;
// tree mutations replace nodes rather than changing them, so a node
// may be shared by any number of trees.
type Node struct {
	name    string
	mode    fs.FileMode
	uid     uint32
	gid     uint32
	modTime time.Time

	target       string
	major, minor uint32
	content      Content
	children     []*Node
}

// Attr holds the attributes common to all node types. Only the
// permission and setuid, setgid and sticky bits of Mode are used by
// the node constructors, which supply their own type bits.
type Attr struct {
	Mode    fs.FileMode
	UID     uint32
	GID     uint32
	ModTime time.Time
}

func newNode(typ fs.FileMode, attr Attr) *Node {
	return &Node{
		mode:    typ | attr.Mode&^fs.ModeType,
		uid:     attr.UID,
		gid:     attr.GID,
		modTime: attr.ModTime,
	}
}

// NewFile returns a regular file node. A nil content is an empty file.
func NewFile(content Content, attr Attr) *Node {
	n := newNode(0, attr)
	n.content = content
	return n
}

// NewDir returns an empty directory node.
func NewDir(attr Attr) *Node {
	return newNode(fs.ModeDir, attr)
}

// NewSymlink returns a symbolic link node. Link permissions are fixed
// at 0777 as they are never consulted.
func NewSymlink(target string, attr Attr) *Node {
	attr.Mode = 0o777
	n := newNode(fs.ModeSymlink, attr)
	n.target = target
	return n
}

// NewBlockDevice returns a block device node.
func NewBlockDevice(major, minor uint32, attr Attr) *Node {
	n := newNode(fs.ModeDevice, attr)
	n.major, n.minor = major, minor
	return n
}

// NewCharDevice returns a character device node.
func NewCharDevice(major, minor uint32, attr Attr) *Node {
	n := newNode(fs.ModeDevice|fs.ModeCharDevice, attr)
	n.major, n.minor = major, minor
	return n
}

// NewFifo returns a named pipe node.
func NewFifo(attr Attr) *Node {
	return newNode(fs.ModeNamedPipe, attr)
}

// NewSocket returns a unix socket node.
func NewSocket(attr Attr) *Node {
	return newNode(fs.ModeSocket, attr)
}

func (n *Node) Name() string       { return n.name }
func (n *Node) Mode() fs.FileMode  { return n.mode }
func (n *Node) UID() uint32        { return n.uid }
func (n *Node) GID() uint32        { return n.gid }
func (n *Node) ModTime() time.Time { return n.modTime }
func (n *Node) IsDir() bool        { return n.mode.IsDir() }

// Target returns the target of a symbolic link node.
func (n *Node) Target() string { return n.target }

// Device returns the major and minor numbers of a device node.
func (n *Node) Device() (major, minor uint32) { return n.major, n.minor }

// Size returns the content size of a regular file node.
func (n *Node) Size() int64 {
	if n.content == nil {
		return 0
	}
	return n.content.Size()
}

// Open returns a reader over the content of a regular file node.
func (n *Node) Open() (io.ReadCloser, error) {
	if !n.mode.IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file: %w", n.name, errdefs.ErrInvalidArgument)
	}
	if n.content == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return n.content.Open()
}

// Children returns the node's children sorted by name. The returned
// slice must not be modified.
func (n *Node) Children() []*Node {
	return n.children
}

// Child returns the named child, or nil.
func (n *Node) Child(name string) *Node {
	if i, ok := n.search(name); ok {
		return n.children[i]
	}
	return nil
}

func (n *Node) search(name string) (int, bool) {
	return slices.BinarySearchFunc(n.children, name, func(c *Node, name string) int {
		return strings.Compare(c.name, name)
	})
}

// Content supplies file data to the writer. Open may be called more
// than once per serialization; every call must return a fresh reader
// over the same bytes.
type Content interface {
	Open() (io.ReadCloser, error)
	Size() int64
}

type bytesContent []byte

// BytesContent returns in memory content.
func BytesContent(b []byte) Content {
	return bytesContent(b)
}

func (c bytesContent) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(c)), nil
}

func (c bytesContent) Size() int64 {
	return int64(len(c))
}

type fileContent struct {
	path string
	size int64
}

// FileContent returns content backed by a host file, sized now and
// reopened on every use.
func FileContent(path string) (Content, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file: %w", path, errdefs.ErrInvalidArgument)
	}
	return &fileContent{path: path, size: fi.Size()}, nil
}

func (c *fileContent) Open() (io.ReadCloser, error) {
	return os.Open(c.path)
}

func (c *fileContent) Size() int64 {
	return c.size
}

// imageContent streams a file from its source image.
type imageContent struct {
	r    *Reader
	data fileData
}

func (c *imageContent) Open() (io.ReadCloser, error) {
	return io.NopCloser(c.r.fileReader(c.data)), nil
}

func (c *imageContent) Size() int64 {
	return int64(c.data.size)
}

// Tree materializes the image hierarchy. File nodes reference their
// image blocks rather than copying them, so the reader must outlive
// the tree and any trees derived from it.
func (r *Reader) Tree() (*Tree, error) {
	root, err := r.buildNode("", r.root, 0)
	if err != nil {
		return nil, err
	}
	return &Tree{
		root:        root,
		blockSize:   r.sb.BlockSize,
		compression: compression.Type(r.sb.Compression),
	}, nil
}

func (r *Reader) buildNode(name string, ino *inode, depth int) (*Node, error) {
	if depth > maxTreeDepth {
		return nil, fmt.Errorf("directory nesting beyond %d: %w", maxTreeDepth, ErrMalformedTree)
	}
	uid, err := r.id(ino.hdr.UID)
	if err != nil {
		return nil, err
	}
	gid, err := r.id(ino.hdr.GID)
	if err != nil {
		return nil, err
	}
	n := &Node{
		name:    name,
		mode:    ino.mode(),
		uid:     uid,
		gid:     gid,
		modTime: time.Unix(int64(ino.hdr.ModTime), 0),
		target:  ino.target,
	}
	switch {
	case n.mode.IsDir():
		entries, err := r.readDirectory(ino.dir)
		if err != nil {
			return nil, err
		}
		n.children = make([]*Node, 0, len(entries))
		for _, e := range entries {
			ci, err := r.inodeAt(e.ref)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", e.name, err)
			}
			if disk.BasicType(ci.hdr.Type) != e.etype {
				return nil, fmt.Errorf("entry %q type %d against inode type %d: %w", e.name, e.etype, ci.hdr.Type, ErrMalformedTree)
			}
			cn, err := r.buildNode(e.name, ci, depth+1)
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, cn)
		}
		slices.SortFunc(n.children, func(a, b *Node) int {
			return strings.Compare(a.name, b.name)
		})
		for i := 1; i < len(n.children); i++ {
			if n.children[i].name == n.children[i-1].name {
				return nil, fmt.Errorf("duplicate entry %q: %w", n.children[i].name, ErrMalformedTree)
			}
		}
	case n.mode.IsRegular():
		n.content = &imageContent{r: r, data: ino.file}
	case n.mode&fs.ModeDevice != 0:
		n.major = disk.DeviceMajor(ino.device)
		n.minor = disk.DeviceMinor(ino.device)
	}
	return n, nil
}
