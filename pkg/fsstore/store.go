// Package fsstore is the file store transfers read from and write to.
//
// Paths are slash-separated and absolute ("/tmp/x.txt"). Implementations
// resolve them inside their own root, so a remote peer can never address a
// file outside it.
package fsstore

import (
    "errors"
    "io"
    "path"
    "strings"
)

type Mode int

const (
    ModeRead Mode = iota
    ModeWrite // create or truncate
)

func (m Mode) String() string {
    if m == ModeWrite { return "write" }
    return "read"
}

var (
    ErrNotExist    = errors.New("fsstore: file does not exist")
    ErrInvalidPath = errors.New("fsstore: invalid path")
    ErrClosed      = errors.New("fsstore: handle closed")
    ErrReadOnly    = errors.New("fsstore: handle not open for writing")
    ErrWriteOnly   = errors.New("fsstore: handle not open for reading")
)

// Handle is an open file. Read returns io.EOF at the end of a read handle.
type Handle interface {
    io.Reader
    io.Writer
    Flush() error
    Close() error
    // Size is the file size at open time for read handles and the number of
    // bytes written so far for write handles.
    Size() int64
}

// Store opens, removes and checks for files.
type Store interface {
    Open(p string, mode Mode) (Handle, error)
    Remove(p string) error
    Exists(p string) bool
}

// Clean validates and normalizes a store path. The result always starts
// with "/" and never contains "..".
func Clean(p string) (string, error) {
    if !strings.HasPrefix(p, "/") || strings.ContainsRune(p, 0) {
        return "", ErrInvalidPath
    }
    c := path.Clean(p)
    if c == "/" { return "", ErrInvalidPath }
    return c, nil
}
