// Package commands holds the flag plumbing shared by the image tools.
package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/dmcgowan/go-squashfs"
	"github.com/dmcgowan/go-squashfs/compression"
	"github.com/dmcgowan/go-squashfs/internal/disk"
)

var DebugFlag = &cli.BoolFlag{
	Name:  "debug",
	Usage: "Enable debug logging",
}

// AttrFlags set ownership, permissions and timestamp of the node a
// tool creates or updates.
var AttrFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "mode",
		Usage: "Permissions in octal, including setuid, setgid and sticky bits",
	},
	&cli.UintFlag{
		Name:  "uid",
		Usage: "Owner user id",
	},
	&cli.UintFlag{
		Name:  "gid",
		Usage: "Owner group id",
	},
	&cli.Int64Flag{
		Name:  "mtime",
		Usage: "Modification time as Unix seconds",
	},
}

// WriteFlags control serialization in the image writing tools.
var WriteFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "out",
		Aliases: []string{"o"},
		Usage:   "Write the new image to `PATH` instead of replacing the input",
	},
	&cli.StringFlag{
		Name:  "comp",
		Usage: "Compression algorithm (gzip, lzma, lzo, xz, lz4, zstd), defaults to the input image's",
	},
	&cli.IntFlag{
		Name:  "level",
		Usage: "Compression level, 0 for the algorithm default",
	},
	&cli.StringFlag{
		Name:  "block-size",
		Usage: "Data block size, accepts human readable sizes such as 128KiB",
	},
}

// Init sets the log level from global flags. Used as an app Before.
func Init(c *cli.Context) error {
	if c.Bool("debug") {
		return log.SetLevel("debug")
	}
	return nil
}

// OpenImage opens an image file and parses its superblock.
func OpenImage(p string, offset int64) (*os.File, *squashfs.Reader, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	r, err := squashfs.OpenAt(f, offset)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", p, err)
	}
	return f, r, nil
}

// WriteOptions builds writer options from WriteFlags. Compression and
// block size left unset fall back to the source image's values.
func WriteOptions(c *cli.Context) (squashfs.WriteOptions, error) {
	opts := squashfs.WriteOptions{
		Level:   c.Int("level"),
		ModTime: time.Now(),
	}
	if s := c.String("comp"); s != "" {
		t, err := compression.Parse(s)
		if err != nil {
			return opts, err
		}
		opts.Compression = t
	}
	if s := c.String("block-size"); s != "" {
		n, err := units.RAMInBytes(s)
		if err != nil {
			return opts, fmt.Errorf("block size %q: %v", s, err)
		}
		if n < disk.MinBlockSize || n > disk.MaxBlockSize {
			return opts, fmt.Errorf("block size %q: must be between 4KiB and 1MiB", s)
		}
		opts.BlockSize = uint32(n)
	}
	return opts, nil
}

// Attr builds node attributes from AttrFlags. defaultMode applies when
// --mode is unset, the timestamp defaults to now.
func Attr(c *cli.Context, defaultMode fs.FileMode) (squashfs.Attr, error) {
	attr := squashfs.Attr{
		Mode:    defaultMode,
		UID:     uint32(c.Uint("uid")),
		GID:     uint32(c.Uint("gid")),
		ModTime: time.Now(),
	}
	if s := c.String("mode"); s != "" {
		mode, err := ParseMode(s)
		if err != nil {
			return attr, err
		}
		attr.Mode = mode
	}
	if c.IsSet("mtime") {
		attr.ModTime = time.Unix(c.Int64("mtime"), 0)
	}
	return attr, nil
}

// AttrChange builds a partial attribute update from whichever of the
// AttrFlags were given.
func AttrChange(c *cli.Context) (squashfs.AttrChange, error) {
	var change squashfs.AttrChange
	if s := c.String("mode"); s != "" {
		mode, err := ParseMode(s)
		if err != nil {
			return change, err
		}
		change.Mode = &mode
	}
	if c.IsSet("uid") {
		uid := uint32(c.Uint("uid"))
		change.UID = &uid
	}
	if c.IsSet("gid") {
		gid := uint32(c.Uint("gid"))
		change.GID = &gid
	}
	if c.IsSet("mtime") {
		mt := time.Unix(c.Int64("mtime"), 0)
		change.ModTime = &mt
	}
	return change, nil
}

// ParseMode parses octal permissions including the setuid, setgid and
// sticky bits.
func ParseMode(s string) (fs.FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil || n > 0o7777 {
		return 0, fmt.Errorf("mode %q: expected octal permissions", s)
	}
	mode := fs.FileMode(n & 0o777)
	if n&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if n&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if n&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode, nil
}

// WriteImageAtomic serializes tree as an image at target, staging
// through a temporary file in the same directory so a failed write
// never leaves a partial image at the final path.
func WriteImageAtomic(ctx context.Context, target string, tree *squashfs.Tree, opts squashfs.WriteOptions) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".squashfs-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := squashfs.Write(ctx, tmp, tree, opts); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
