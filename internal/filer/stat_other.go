//go:build !linux

package filer

import (
	"io/fs"
	"time"
)

func changeTime(info fs.FileInfo) time.Time {
	return info.ModTime()
}
