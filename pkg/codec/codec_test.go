package codec

import (
    "testing"
    "time"
)

type record struct {
    Name string    `json:"name"`
    Size int64     `json:"size"`
    At   time.Time `json:"at"`
}

func TestJSONCodec(t *testing.T) {
    c := JSON()
    in := map[string]any{"a": 1, "b": "x"}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out map[string]any
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out["a"].(float64) != 1 || out["b"].(string) != "x" {
        t.Fatalf("roundtrip mismatch: %#v", out)
    }
}

func TestCBORRecordRoundtrip(t *testing.T) {
    c, err := CBOR()
    if err != nil { t.Fatalf("new cbor: %v", err) }
    in := record{Name: "/tmp/x.txt", Size: 300, At: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out record
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.Name != in.Name || out.Size != in.Size || !out.At.Equal(in.At) { t.Fatalf("roundtrip mismatch: %+v", out) }
}

func TestRegistryNegotiate(t *testing.T) {
    r, err := NewRegistry()
    if err != nil { t.Fatalf("registry: %v", err) }
    if r.Get("cbor") == nil || r.Get("application/json") == nil { t.Fatalf("missing codecs") }
    cases := map[string]string{
        "":                                  "application/json",
        "text/html, application/cbor;q=0.9": "application/cbor",
        "application/xml":                   "application/json",
        "application/json":                  "application/json",
    }
    for accept, want := range cases {
        if got := r.Negotiate(accept).ContentType(); got != want { t.Fatalf("Negotiate(%q) = %s, want %s", accept, got, want) }
    }
}
