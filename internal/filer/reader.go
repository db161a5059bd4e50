package filer

import (
	"fmt"
	"io/fs"
	"os"
)

// OSReader reads files from the local filesystem. Directories read as absent.
func OSReader(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("read %s: is a directory: %w", path, fs.ErrNotExist)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	if contents == nil {
		contents = []byte{}
	}
	return File{
		Contents: contents,
		Ctime:    changeTime(info),
		Mtime:    info.ModTime(),
	}, nil
}
