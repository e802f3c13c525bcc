package fsstore

import (
    "bufio"
    "errors"
    "fmt"
    "io/fs"
    "os"
    "path/filepath"
    "strings"
)

// DirStore maps store paths below a root directory on disk.
type DirStore struct {
    root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
    abs, err := filepath.Abs(root)
    if err != nil { return nil, err }
    if err := os.MkdirAll(abs, 0o755); err != nil { return nil, fmt.Errorf("fsstore: create root: %w", err) }
    return &DirStore{root: abs}, nil
}

func (d *DirStore) Root() string { return d.root }

// Resolve returns the on-disk location of a store path.
func (d *DirStore) Resolve(p string) (string, error) {
    c, err := Clean(p)
    if err != nil { return "", err }
    return filepath.Join(d.root, filepath.FromSlash(c)), nil
}

// StorePath is the inverse of Resolve for files under the root.
func (d *DirStore) StorePath(local string) (string, error) {
    abs, err := filepath.Abs(local)
    if err != nil { return "", err }
    rel, err := filepath.Rel(d.root, abs)
    if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
        return "", ErrInvalidPath
    }
    return "/" + filepath.ToSlash(rel), nil
}

func (d *DirStore) Open(p string, mode Mode) (Handle, error) {
    local, err := d.Resolve(p)
    if err != nil { return nil, err }
    switch mode {
    case ModeRead:
        f, err := os.Open(local)
        if err != nil { return nil, mapErr(err) }
        st, err := f.Stat()
        if err != nil { _ = f.Close(); return nil, err }
        if st.IsDir() { _ = f.Close(); return nil, ErrInvalidPath }
        return &diskHandle{f: f, r: bufio.NewReader(f), size: st.Size()}, nil
    case ModeWrite:
        if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil { return nil, err }
        f, err := os.OpenFile(local, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
        if err != nil { return nil, mapErr(err) }
        return &diskHandle{f: f, w: bufio.NewWriter(f)}, nil
    }
    return nil, fmt.Errorf("fsstore: unknown mode %d", mode)
}

func (d *DirStore) Remove(p string) error {
    local, err := d.Resolve(p)
    if err != nil { return err }
    return mapErr(os.Remove(local))
}

func (d *DirStore) Exists(p string) bool {
    local, err := d.Resolve(p)
    if err != nil { return false }
    st, err := os.Stat(local)
    return err == nil && !st.IsDir()
}

func mapErr(err error) error {
    if errors.Is(err, fs.ErrNotExist) { return fmt.Errorf("%w: %v", ErrNotExist, err) }
    return err
}

type diskHandle struct {
    f      *os.File
    r      *bufio.Reader
    w      *bufio.Writer
    size   int64
    closed bool
}

func (h *diskHandle) Read(b []byte) (int, error) {
    if h.closed { return 0, ErrClosed }
    if h.r == nil { return 0, ErrWriteOnly }
    return h.r.Read(b)
}

func (h *diskHandle) Write(b []byte) (int, error) {
    if h.closed { return 0, ErrClosed }
    if h.w == nil { return 0, ErrReadOnly }
    n, err := h.w.Write(b)
    h.size += int64(n)
    return n, err
}

func (h *diskHandle) Flush() error {
    if h.closed { return ErrClosed }
    if h.w == nil { return nil }
    if err := h.w.Flush(); err != nil { return err }
    return h.f.Sync()
}

func (h *diskHandle) Close() error {
    if h.closed { return nil }
    h.closed = true
    var ferr error
    if h.w != nil { ferr = h.w.Flush() }
    if err := h.f.Close(); err != nil && ferr == nil { ferr = err }
    return ferr
}

func (h *diskHandle) Size() int64 { return h.size }
