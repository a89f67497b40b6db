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
	app.Name = "squashfs-replace"
	app.Usage = "replace a file's content or attributes in a squashfs image"
	app.ArgsUsage = "<image> [<file>] <path>"
	app.Description = `Replaces the content of an existing regular file in the image with
a host file, rebuilding the image. Without a host file only the
attributes given by flags are changed, on any path type. The input
image is replaced unless --out is given.`
	app.Flags = append([]cli.Flag{
		commands.DebugFlag,
	}, append(commands.AttrFlags, commands.WriteFlags...)...)
	app.Before = commands.Init
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "squashfs-replace: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	args := c.Args().Slice()
	var image, host, dest string
	switch len(args) {
	case 2:
		image, dest = args[0], args[1]
	case 3:
		image, host, dest = args[0], args[1], args[2]
	default:
		return errors.New("expected <image> [<file>] <path>")
	}

	change, err := commands.AttrChange(c)
	if err != nil {
		return err
	}
	if host == "" && change == (squashfs.AttrChange{}) {
		return errors.New("nothing to change: provide a file or attribute flags")
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

	if host != "" {
		content, err := squashfs.FileContent(host)
		if err != nil {
			return err
		}
		if tree, err = tree.Replace(dest, content); err != nil {
			return err
		}
	}
	if change != (squashfs.AttrChange{}) {
		if tree, err = tree.SetAttr(dest, change); err != nil {
			return err
		}
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
