package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/dmcgowan/go-squashfs"
	"github.com/dmcgowan/go-squashfs/cmd/internal/commands"
)

func main() {
	app := cli.NewApp()
	app.Name = "squashfs-extract"
	app.Usage = "inspect and extract squashfs images"
	app.ArgsUsage = "<image> [<dest>]"
	app.Description = `Lists the contents of a squashfs image, or extracts them below
a destination directory. With no destination the image is listed.`
	app.Flags = []cli.Flag{
		commands.DebugFlag,
		&cli.Int64Flag{
			Name:  "offset",
			Usage: "Image starts at `OFFSET` bytes into the file",
		},
		&cli.BoolFlag{
			Name:    "list",
			Aliases: []string{"l"},
			Usage:   "List contents without extracting",
		},
		&cli.BoolFlag{
			Name:  "info",
			Usage: "Print superblock details",
		},
		&cli.BoolFlag{
			Name:  "chown",
			Usage: "Restore file ownership, requires privileges",
		},
	}
	app.Before = commands.Init
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "squashfs-extract: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("image path required")
	}
	f, r, err := commands.OpenImage(c.Args().First(), c.Int64("offset"))
	if err != nil {
		return err
	}
	defer f.Close()

	if c.Bool("info") {
		return printInfo(c.App.Writer, r)
	}
	if c.Bool("list") || c.NArg() < 2 {
		return list(c.App.Writer, r)
	}
	return extract(r, c.Args().Get(1), c.Bool("chown"))
}

func printInfo(w io.Writer, r *squashfs.Reader) error {
	info := r.Info()
	tw := tabwriter.NewWriter(w, 1, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "Compression:\t%s\n", info.Compression)
	fmt.Fprintf(tw, "Block size:\t%d\n", info.BlockSize)
	fmt.Fprintf(tw, "Inodes:\t%d\n", info.Inodes)
	fmt.Fprintf(tw, "Fragments:\t%d\n", info.Fragments)
	fmt.Fprintf(tw, "IDs:\t%d\n", info.IDCount)
	fmt.Fprintf(tw, "Created:\t%s\n", info.ModTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "Size:\t%s\n", units.HumanSize(float64(info.BytesUsed)))
	fmt.Fprintf(tw, "Flags:\t%#06x\n", info.Flags)
	return tw.Flush()
}

func list(w io.Writer, r *squashfs.Reader) error {
	return fs.WalkDir(r, ".", func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		fi, err := entry.Info()
		if err != nil {
			return err
		}
		name := "/"
		if p != "." {
			name += p
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			if target, err := r.ReadLink(p); err == nil {
				name += " -> " + target
			}
		}
		_, err = fmt.Fprintf(w, "%s %8s %s\n", fi.Mode(), units.HumanSize(float64(fi.Size())), name)
		return err
	})
}

func extract(r *squashfs.Reader, dest string, chown bool) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	var (
		dirs   []string
		failed int
	)
	err := fs.WalkDir(r, ".", func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if p == "." {
				return err
			}
			log.L.WithError(err).Errorf("skipping %s", p)
			failed++
			return nil
		}
		if entry.IsDir() {
			dirs = append(dirs, p)
		}
		if err := extractEntry(r, p, entry, filepath.Join(dest, filepath.FromSlash(p)), chown); err != nil {
			log.L.WithError(err).Errorf("extracting %s", p)
			failed++
			if entry.IsDir() {
				return fs.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Directory permissions and times are applied deepest first once
	// the contents exist, so a read-only directory cannot block its
	// own children.
	for i := len(dirs) - 1; i >= 0; i-- {
		fi, err := fs.Stat(r, dirs[i])
		if err != nil {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(dirs[i]))
		if err := os.Chmod(target, chmodMode(fi.Mode())); err != nil {
			log.L.WithError(err).Errorf("mode of %s", dirs[i])
			failed++
			continue
		}
		if err := os.Chtimes(target, fi.ModTime(), fi.ModTime()); err != nil {
			log.L.WithError(err).Errorf("times of %s", dirs[i])
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("failed to extract %d entries", failed)
	}
	return nil
}

func extractEntry(r *squashfs.Reader, p string, entry fs.DirEntry, target string, chown bool) error {
	fi, err := entry.Info()
	if err != nil {
		return err
	}
	st, ok := fi.Sys().(*squashfs.Stat)
	if !ok {
		return errors.New("missing image attributes")
	}

	switch fi.Mode().Type() {
	case fs.ModeDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
	case 0:
		if err := copyFile(r, p, target, fi.Size()); err != nil {
			return err
		}
	case fs.ModeSymlink:
		link, err := r.ReadLink(p)
		if err != nil {
			return err
		}
		os.Remove(target)
		if err := os.Symlink(link, target); err != nil {
			return err
		}
	default:
		os.Remove(target)
		if err := mknod(target, fi.Mode(), st.Major, st.Minor); err != nil {
			return err
		}
	}

	if chown {
		if err := os.Lchown(target, int(st.UID), int(st.GID)); err != nil {
			return err
		}
	}
	switch fi.Mode().Type() {
	case fs.ModeDir, fs.ModeSymlink:
		// directories are finalized later, symlink times are the
		// target's business
	default:
		if err := os.Chmod(target, chmodMode(fi.Mode())); err != nil {
			return err
		}
		if err := os.Chtimes(target, fi.ModTime(), fi.ModTime()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(r *squashfs.Reader, p, target string, size int64) error {
	src, err := r.Open(p)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return err
	}
	if n != size {
		dst.Close()
		return fmt.Errorf("wrote %d of %d bytes", n, size)
	}
	return dst.Close()
}

func chmodMode(mode fs.FileMode) fs.FileMode {
	return mode & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
}
