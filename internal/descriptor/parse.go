package descriptor

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://agentgate.dev/schemas/tool-metadata.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("descriptor: loading schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("descriptor: adding schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("descriptor: compiling schema: %w", err)
	}
	return sch, nil
})

// parseOptions holds optional Parse behaviour.
type parseOptions struct {
	defaultSource SourceCategory
	hasDefault    bool
}

// ParseOption customizes Parse.
type ParseOption func(*parseOptions)

// WithDefaultSource sets the source category stamped on documents that do
// not declare one.
func WithDefaultSource(src SourceCategory) ParseOption {
	return func(o *parseOptions) {
		o.defaultSource = src
		o.hasDefault = true
	}
}

// Parse validates raw JSON against the metadata schema and decodes it.
// The returned descriptor carries the document hash.
func Parse(raw []byte, opts ...ParseOption) (*ToolDescriptor, error) {
	var o parseOptions
	for _, opt := range opts {
		opt(&o)
	}

	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var d ToolDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	// Discovery fields are never taken from the document itself.
	d.Path, d.ContentHash, d.DocumentHash = "", "", ""
	d.DiscoveredAt = time.Time{}

	if o.hasDefault && !declaresSource(inst) {
		if d.Trust == nil {
			d.Trust = &TrustMetadata{}
		}
		d.Trust.Source = o.defaultSource
	}

	hash, err := DocumentHash(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	d.DocumentHash = hash
	return &d, nil
}

func declaresSource(inst any) bool {
	root, ok := inst.(map[string]any)
	if !ok {
		return false
	}
	trust, ok := root["trust"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = trust["source"]
	return ok
}

// LoadFile reads a shim document in JSON or YAML (by extension) and parses it.
func LoadFile(path string, opts ...ParseOption) (*ToolDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("descriptor: reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, path, err)
		}
		raw, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, path, err)
		}
	}

	d, err := Parse(raw, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// DocumentHash returns the content-addressed hash of a JSON document:
// SHA-256 over its RFC 8785 canonical form, rendered "sha256:<hex>".
func DocumentHash(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing document: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// HashValue canonicalizes v as JSON and hashes it like DocumentHash.
func HashValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return DocumentHash(raw)
}
