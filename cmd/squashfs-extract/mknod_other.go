//go:build !linux

package main

import (
	"fmt"
	"io/fs"
)

func mknod(target string, mode fs.FileMode, major, minor uint32) error {
	return fmt.Errorf("%s nodes are not supported on this platform", mode.Type())
}
