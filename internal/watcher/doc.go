// Package watcher reports the files under a directory tree to the Filer.
//
// A Watcher walks its directory on Init, reporting every included file as an
// add, then follows fsnotify events for the whole tree. New directories are
// watched as they appear, writes to a file are coalesced over a short window
// and a failing fsnotify backend is rebuilt with a full rescan.
package watcher
