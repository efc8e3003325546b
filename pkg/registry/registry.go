// Package registry resolves model ids to the agent command that serves them.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFormat is used for providers that do not declare an output format.
const DefaultFormat = "raw"

// Models files written before formats existed marked the interactive agent
// only by its provider name.
const (
	legacyInteractiveProvider = "claude"
	legacyInteractiveFormat   = "stream-json"
)

// OutputFormat returns the declared format of p, or its default.
func (p Provider) OutputFormat() string {
	format := strings.TrimSpace(p.Format)
	switch {
	case format != "":
		return format
	case p.Name == legacyInteractiveProvider:
		return legacyInteractiveFormat
	default:
		return DefaultFormat
	}
}

// Provider is one entry of the models file.
type Provider struct {
	Name   string   `json:"-" yaml:"-"`
	Label  string   `json:"label,omitempty" yaml:"label,omitempty"`
	Cmd    string   `json:"cmd" yaml:"cmd"`
	Args   []string `json:"args" yaml:"args"`
	Models []string `json:"models" yaml:"models"`
	Format string   `json:"format,omitempty" yaml:"format,omitempty"`
}

// ResolvedModel is the command line recipe for one model.
type ResolvedModel struct {
	ModelID  string
	Provider string
	Label    string
	Command  string
	// Args is the provider's argument template.
	Args   []string
	Format string
}

// Registry reads the models file on every lookup so edits apply immediately.
type Registry struct {
	path   string
	logger *slog.Logger
}

// New creates a registry backed by path. A nil logger uses slog.Default().
func New(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{path: path, logger: logger}
}

// Path returns the models file path.
func (r *Registry) Path() string {
	return r.path
}

// Load reads the providers in file order.
func (r *Registry) Load() ([]Provider, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(r.path)) {
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		return parseJSON(data)
	}
}

// Providers is like Load but treats a missing or broken file as empty.
func (r *Registry) Providers() []Provider {
	providers, err := r.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Debug("Models file not found", "path", r.path)
		} else {
			r.logger.Warn("Failed to load models file", "path", r.path, "error", err)
		}
		return nil
	}
	return providers
}

// Resolve returns the first provider, in file order, that lists modelID.
func (r *Registry) Resolve(modelID string) (ResolvedModel, bool) {
	for _, p := range r.Providers() {
		for _, m := range p.Models {
			if m != modelID {
				continue
			}
			return ResolvedModel{
				ModelID:  modelID,
				Provider: p.Name,
				Label:    p.Label,
				Command:  p.Cmd,
				Args:     append([]string(nil), p.Args...),
				Format:   p.OutputFormat(),
			}, true
		}
	}
	return ResolvedModel{}, false
}

// Document renders providers as a JSON object keyed by provider name, in order.
func Document(providers []Provider) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range providers {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func parseJSON(data []byte) ([]Provider, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse models: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("parse models: top level must be an object")
	}

	var providers []Provider
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse models: %w", err)
		}
		name, _ := tok.(string)
		var p Provider
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("parse provider %q: %w", name, err)
		}
		p.Name = name
		providers = append(providers, p)
	}
	return providers, nil
}

func parseYAML(data []byte) ([]Provider, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse models: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, errors.New("parse models: top level must be a mapping")
	}

	providers := make([]Provider, 0, len(doc.Content)/2)
	for i := 0; i+1 < len(doc.Content); i += 2 {
		name := doc.Content[i].Value
		var p Provider
		if err := doc.Content[i+1].Decode(&p); err != nil {
			return nil, fmt.Errorf("parse provider %q: %w", name, err)
		}
		p.Name = name
		providers = append(providers, p)
	}
	return providers, nil
}
