package fsstore

import (
    "bytes"
    "fmt"
    "io"

    "github.com/meshtastic/firmware-sub008/pkg/memkv"
)

const memPrefix = "file:"

// MemStore keeps whole files as memkv values. A write handle buffers its
// content and publishes it on Flush and Close, so readers never observe a
// half-written chunk.
type MemStore struct {
    kv *memkv.Store
}

func NewMemStore(kv *memkv.Store) *MemStore { return &MemStore{kv: kv} }

// Put stores content directly, bypassing handles.
func (m *MemStore) Put(p string, content []byte) error {
    c, err := Clean(p)
    if err != nil { return err }
    if !m.kv.Set(memPrefix+c, content, 0) { return fmt.Errorf("fsstore: store full writing %s", c) }
    return nil
}

// Get returns a copy of a stored file.
func (m *MemStore) Get(p string) ([]byte, bool) {
    c, err := Clean(p)
    if err != nil { return nil, false }
    return m.kv.Get(memPrefix + c)
}

func (m *MemStore) Open(p string, mode Mode) (Handle, error) {
    c, err := Clean(p)
    if err != nil { return nil, err }
    switch mode {
    case ModeRead:
        b, ok := m.kv.Get(memPrefix + c)
        if !ok { return nil, fmt.Errorf("%w: %s", ErrNotExist, c) }
        return &memHandle{r: bytes.NewReader(b), size: int64(len(b))}, nil
    case ModeWrite:
        h := &memHandle{store: m, key: memPrefix + c, w: &bytes.Buffer{}}
        if err := h.publish(); err != nil { return nil, err }
        return h, nil
    }
    return nil, fmt.Errorf("fsstore: unknown mode %d", mode)
}

func (m *MemStore) Remove(p string) error {
    c, err := Clean(p)
    if err != nil { return err }
    if !m.kv.Delete(memPrefix + c) { return fmt.Errorf("%w: %s", ErrNotExist, c) }
    return nil
}

func (m *MemStore) Exists(p string) bool {
    c, err := Clean(p)
    if err != nil { return false }
    return m.kv.Exists(memPrefix + c)
}

type memHandle struct {
    store  *MemStore
    key    string
    r      *bytes.Reader
    w      *bytes.Buffer
    size   int64
    closed bool
}

func (h *memHandle) publish() error {
    if !h.store.kv.Set(h.key, h.w.Bytes(), 0) { return fmt.Errorf("fsstore: store full writing %s", h.key[len(memPrefix):]) }
    return nil
}

func (h *memHandle) Read(b []byte) (int, error) {
    if h.closed { return 0, ErrClosed }
    if h.r == nil { return 0, ErrWriteOnly }
    n, err := h.r.Read(b)
    if err == io.EOF && n > 0 { err = nil }
    return n, err
}

func (h *memHandle) Write(b []byte) (int, error) {
    if h.closed { return 0, ErrClosed }
    if h.w == nil { return 0, ErrReadOnly }
    n, _ := h.w.Write(b)
    h.size += int64(n)
    return n, nil
}

func (h *memHandle) Flush() error {
    if h.closed { return ErrClosed }
    if h.w == nil { return nil }
    return h.publish()
}

func (h *memHandle) Close() error {
    if h.closed { return nil }
    h.closed = true
    if h.w == nil { return nil }
    return h.publish()
}

func (h *memHandle) Size() int64 { return h.size }
