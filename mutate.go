package squashfs

import (
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/containerd/errdefs"
)

// AddOptions control Tree.Add.
type AddOptions struct {
	// Overwrite replaces an existing node at the target path instead
	// of failing.
	Overwrite bool

	// MakeParents creates missing intermediate directories, which
	// inherit ownership and timestamp from their nearest existing
	// ancestor.
	MakeParents bool
}

// AttrChange is a partial attribute update. Nil fields keep their
// current value. Mode updates the permission bits only, the node type
// is always preserved.
type AttrChange struct {
	Mode    *fs.FileMode
	UID     *uint32
	GID     *uint32
	ModTime *time.Time
}

func (n *Node) clone() *Node {
	c := *n
	c.children = slices.Clone(n.children)
	return &c
}

// setChild inserts or replaces the named child, keeping sorted order.
func (n *Node) setChild(c *Node) {
	if i, ok := n.search(c.name); ok {
		n.children[i] = c
	} else {
		n.children = slices.Insert(n.children, i, c)
	}
}

// mutate clones the spine from the root down to the parent of the
// path's final segment and applies fn to the cloned parent. Nodes off
// the spine stay shared with the original tree.
func (t *Tree) mutate(p string, makeParents bool, fn func(parent *Node, name string) error) (*Tree, error) {
	parts, err := splitPath(p)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("cannot replace the root: %w", errdefs.ErrInvalidArgument)
	}
	root := t.root.clone()
	parent := root
	for _, part := range parts[:len(parts)-1] {
		child := parent.Child(part)
		switch {
		case child == nil:
			if !makeParents {
				return nil, fmt.Errorf("%s: missing parent %q: %w", p, part, errdefs.ErrNotFound)
			}
			child = &Node{
				name:    part,
				mode:    fs.ModeDir | 0o755,
				uid:     parent.uid,
				gid:     parent.gid,
				modTime: parent.modTime,
			}
		case !child.IsDir():
			return nil, fmt.Errorf("%s: %q is not a directory: %w", p, part, errdefs.ErrInvalidArgument)
		default:
			child = child.clone()
		}
		parent.setChild(child)
		parent = child
	}
	if err := fn(parent, parts[len(parts)-1]); err != nil {
		return nil, err
	}
	return &Tree{root: root, blockSize: t.blockSize, compression: t.compression}, nil
}

// Add returns a tree with node inserted at path. The inserted node
// takes its name from the final path segment and keeps its attributes,
// content and, for directories, its subtree.
func (t *Tree) Add(p string, node *Node, opts AddOptions) (*Tree, error) {
	if node == nil {
		return nil, fmt.Errorf("nil node: %w", errdefs.ErrInvalidArgument)
	}
	return t.mutate(p, opts.MakeParents, func(parent *Node, name string) error {
		if parent.Child(name) != nil && !opts.Overwrite {
			return fmt.Errorf("%s: %w", p, errdefs.ErrAlreadyExists)
		}
		nc := *node
		nc.name = name
		parent.setChild(&nc)
		return nil
	})
}

// Replace returns a tree with the regular file at path carrying new
// content. All other attributes of the file are kept.
func (t *Tree) Replace(p string, content Content) (*Tree, error) {
	return t.mutate(p, false, func(parent *Node, name string) error {
		child := parent.Child(name)
		if child == nil {
			return fmt.Errorf("%s: %w", p, errdefs.ErrNotFound)
		}
		if !child.mode.IsRegular() {
			return fmt.Errorf("%s: not a regular file: %w", p, errdefs.ErrInvalidArgument)
		}
		nc := *child
		nc.content = content
		parent.setChild(&nc)
		return nil
	})
}

// SetAttr returns a tree with the attributes at path updated. The root
// directory itself may be targeted.
func (t *Tree) SetAttr(p string, change AttrChange) (*Tree, error) {
	parts, err := splitPath(p)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		root := t.root.clone()
		root.applyChange(change)
		return &Tree{root: root, blockSize: t.blockSize, compression: t.compression}, nil
	}
	return t.mutate(p, false, func(parent *Node, name string) error {
		child := parent.Child(name)
		if child == nil {
			return fmt.Errorf("%s: %w", p, errdefs.ErrNotFound)
		}
		nc := *child
		nc.applyChange(change)
		parent.setChild(&nc)
		return nil
	})
}

func (n *Node) applyChange(change AttrChange) {
	if change.Mode != nil {
		n.mode = n.mode&fs.ModeType | *change.Mode&^fs.ModeType
	}
	if change.UID != nil {
		n.uid = *change.UID
	}
	if change.GID != nil {
		n.gid = *change.GID
	}
	if change.ModTime != nil {
		n.modTime = *change.ModTime
	}
}
