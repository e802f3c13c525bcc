// Package codec marshals host-side records (history entries, status API
// responses) in the formats the node speaks: JSON for humans and tools,
// CBOR for compact storage.
package codec

import "strings"

// Codec defines a simple interface for marshaling typed records.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps content types and short names to codecs.
type Registry struct {
    byType map[string]Codec
    first  Codec
}

// NewRegistry returns a registry holding JSON and CBOR. JSON is the
// fallback for unknown content types.
func NewRegistry() (*Registry, error) {
    r := &Registry{byType: make(map[string]Codec)}
    r.Register(JSON())
    c, err := CBOR()
    if err != nil { return nil, err }
    r.Register(c)
    return r, nil
}

// Register adds a codec under its content type and the subtype after "/"
// (so "application/cbor" is also reachable as "cbor").
func (r *Registry) Register(c Codec) {
    if r.first == nil { r.first = c }
    ct := c.ContentType()
    r.byType[ct] = c
    if i := strings.LastIndexByte(ct, '/'); i >= 0 { r.byType[ct[i+1:]] = c }
}

// Get returns a codec by content type or short name, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Negotiate picks the first codec named in an Accept-style list, falling
// back to the first registered codec.
func (r *Registry) Negotiate(accept string) Codec {
    for _, part := range strings.Split(accept, ",") {
        ct := strings.TrimSpace(part)
        if i := strings.IndexByte(ct, ';'); i >= 0 { ct = strings.TrimSpace(ct[:i]) }
        if c := r.byType[ct]; c != nil { return c }
    }
    return r.first
}
