package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a batch manifest. .json files are JSON, .yaml/.yml are YAML,
// anything else is tried as YAML and then JSON. Relative paths in the
// manifest resolve against its directory.
//
// A missing file wraps os.ErrNotExist; a schema or semantic failure is
// ValidationErrors.
func Load(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("manifest file not found: %s: %w", path, fs.ErrNotExist)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("permission denied reading manifest: %s: %w", path, fs.ErrPermission)
		}
		return nil, fmt.Errorf("read manifest file: %w", err)
	}

	b, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		b.dir = abs
	} else {
		b.dir = filepath.Dir(path)
	}
	return b, nil
}

// LoadFromBytes parses and validates a manifest. path only selects the
// format. The schema runs on the raw input so unknown fields are rejected;
// semantic checks run after defaults are applied.
func LoadFromBytes(data []byte, path string) (*Batch, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest file is empty")
	}
	f, err := detectFormat(data, path)
	if err != nil {
		return nil, err
	}

	// The schema pass sees the document as written, unknown keys included.
	var raw any
	if err := f.decode(data, &raw); err != nil {
		return nil, err
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert manifest to JSON: %w", err)
	}
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	var b Batch
	if err := f.decode(data, &b); err != nil {
		return nil, err
	}
	b.ApplyDefaults()
	if errs := CheckSemantics(&b); len(errs) > 0 {
		return nil, errs
	}
	return &b, nil
}

// LoadFromReader is LoadFromBytes over a reader.
func LoadFromReader(r io.Reader, path string) (*Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

type format string

const (
	formatJSON format = "JSON"
	formatYAML format = "YAML"
)

// detectFormat picks the decoder from the extension. Unknown extensions
// are YAML when they parse as YAML, else JSON.
func detectFormat(data []byte, path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	}
	var probe any
	yamlErr := formatYAML.decode(data, &probe)
	if yamlErr == nil {
		return formatYAML, nil
	}
	if formatJSON.decode(data, &probe) == nil {
		return formatJSON, nil
	}
	return "", fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", yamlErr)
}

func (f format) decode(data []byte, v any) error {
	var err error
	if f == formatJSON {
		err = json.Unmarshal(data, v)
	} else {
		err = yaml.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("invalid %s in manifest: %w", f, err)
	}
	return nil
}
