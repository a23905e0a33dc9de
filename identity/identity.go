// Package identity parses and holds the public identities the agent offers.
//
// The identity file has one identity per line:
//
//	<key_type> <base64 key blob> [ignored...]
//
// Blank lines and lines with a single token are skipped.
package identity

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

type Identity struct {
	KeyType string
	KeyBlob []byte
}

// ParseError reports a malformed key blob. Line is 1-based and counts blank lines.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bad key blob at line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func Parse(text string) ([]Identity, error) {
	var identities []Identity
	for i, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return nil, &ParseError{Line: i + 1, Err: err}
		}
		identities = append(identities, Identity{
			KeyType: fields[0],
			KeyBlob: blob,
		})
	}
	return identities, nil
}

func ParseFile(filename string) ([]Identity, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("unable to read identities file %s: %w", filename, err)
	}
	identities, err := Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("unable to parse identities file %s: %w", filename, err)
	}
	return identities, nil
}

// Write serializes identities in the form Parse reads back.
func Write(w io.Writer, identities []Identity) error {
	for _, id := range identities {
		if _, err := fmt.Fprintf(w, "%s %s\n", id.KeyType, base64.StdEncoding.EncodeToString(id.KeyBlob)); err != nil {
			return err
		}
	}
	return nil
}

func Format(identities []Identity) string {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer never fail.
	_ = Write(&buf, identities)
	return buf.String()
}

// Registry is an immutable, ordered set of identities. It is safe for
// concurrent use.
type Registry struct {
	identities []Identity
}

func NewRegistry(identities []Identity) *Registry {
	r := &Registry{identities: make([]Identity, len(identities))}
	for i, id := range identities {
		r.identities[i] = Identity{
			KeyType: id.KeyType,
			KeyBlob: bytes.Clone(id.KeyBlob),
		}
	}
	return r
}

func (r *Registry) Len() int {
	return len(r.identities)
}

// List returns the identities in load order.
func (r *Registry) List() []Identity {
	out := make([]Identity, len(r.identities))
	for i, id := range r.identities {
		out[i] = Identity{KeyType: id.KeyType, KeyBlob: bytes.Clone(id.KeyBlob)}
	}
	return out
}

// Lookup returns the first identity whose blob equals pubKeyBlob.
func (r *Registry) Lookup(pubKeyBlob []byte) (Identity, bool) {
	for _, id := range r.identities {
		if bytes.Equal(id.KeyBlob, pubKeyBlob) {
			return Identity{KeyType: id.KeyType, KeyBlob: bytes.Clone(id.KeyBlob)}, true
		}
	}
	return Identity{}, false
}
