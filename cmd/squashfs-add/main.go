package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dmcgowan/go-squashfs"
	"github.com/dmcgowan/go-squashfs/cmd/internal/commands"
)

func main() {
	app := cli.NewApp()
	app.Name = "squashfs-add"
	app.Usage = "add a file, directory or symlink to a squashfs image"
	app.ArgsUsage = "<image> [<file>] <path>"
	app.Description = `Adds a host file at the given image path, rebuilding the image.
With --dir or --symlink no host file is read and the path is created
directly. The input image is replaced unless --out is given.`
	app.Flags = append([]cli.Flag{
		commands.DebugFlag,
		&cli.BoolFlag{
			Name:  "dir",
			Usage: "Add a directory instead of a file",
		},
		&cli.StringFlag{
			Name:  "symlink",
			Usage: "Add a symbolic link to `TARGET` instead of a file",
		},
		&cli.BoolFlag{
			Name:    "force",
			Aliases: []string{"f"},
			Usage:   "Overwrite an existing path",
		},
		&cli.BoolFlag{
			Name:    "parents",
			Aliases: []string{"p"},
			Usage:   "Create missing parent directories",
		},
	}, append(commands.AttrFlags, commands.WriteFlags...)...)
	app.Before = commands.Init
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "squashfs-add: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("dir") && c.String("symlink") != "" {
		return errors.New("--dir and --symlink are exclusive")
	}

	args := c.Args().Slice()
	var image, host, dest string
	if c.Bool("dir") || c.String("symlink") != "" {
		if len(args) != 2 {
			return errors.New("expected <image> <path>")
		}
		image, dest = args[0], args[1]
	} else {
		if len(args) != 3 {
			return errors.New("expected <image> <file> <path>")
		}
		image, host, dest = args[0], args[1], args[2]
	}

	f, r, err := commands.OpenImage(image, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	tree, err := r.Tree()
	if err != nil {
		return err
	}

	var node *squashfs.Node
	switch {
	case c.Bool("dir"):
		attr, err := commands.Attr(c, 0o755)
		if err != nil {
			return err
		}
		node = squashfs.NewDir(attr)
	case c.String("symlink") != "":
		attr, err := commands.Attr(c, 0o777)
		if err != nil {
			return err
		}
		node = squashfs.NewSymlink(c.String("symlink"), attr)
	default:
		attr, err := commands.Attr(c, 0o644)
		if err != nil {
			return err
		}
		content, err := squashfs.FileContent(host)
		if err != nil {
			return err
		}
		node = squashfs.NewFile(content, attr)
	}

	tree, err = tree.Add(dest, node, squashfs.AddOptions{
		Overwrite:   c.Bool("force"),
		MakeParents: c.Bool("parents"),
	})
	if err != nil {
		return err
	}

	opts, err := commands.WriteOptions(c)
	if err != nil {
		return err
	}
	out := c.String("out")
	if out == "" {
		out = image
	}
	return commands.WriteImageAtomic(c.Context, out, tree, opts)
}
