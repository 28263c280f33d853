package misp

import (
	"embed"
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/zeebo/errs"
)

var (
	// Error is the class of object model errors.
	Error = errs.Class("misp")
	// ErrUnknownTemplate is returned when an object is requested for a template
	// that is not loaded.
	ErrUnknownTemplate = errs.Class("unknown template")
)

//go:embed templates/*.json
var builtin embed.FS

// AttributeSpec describes one object relation in a template.
type AttributeSpec struct {
	Type               string   `json:"misp-attribute"`
	Categories         []string `json:"categories,omitempty"`
	Description        string   `json:"description,omitempty"`
	ToIDs              bool     `json:"to_ids,omitempty"`
	DisableCorrelation bool     `json:"disable_correlation,omitempty"`
}

// Category returns the first allowed category, or "Other".
func (s AttributeSpec) Category() string {
	if len(s.Categories) == 0 {
		return "Other"
	}
	return s.Categories[0]
}

// Template is a MISP object template definition.
type Template struct {
	Name          string                   `json:"name"`
	UUID          string                   `json:"uuid"`
	Version       int                      `json:"version"`
	MetaCategory  string                   `json:"meta-category"`
	Description   string                   `json:"description"`
	Attributes    map[string]AttributeSpec `json:"attributes"`
	Required      []string                 `json:"required,omitempty"`
	RequiredOneOf []string                 `json:"requiredOneOf,omitempty"`
}

// IsCompound reports whether values of the relation hold two pipe-separated
// halves that are looked up independently.
func (t *Template) IsCompound(relation string) bool {
	spec, ok := t.Attributes[relation]
	if !ok {
		return false
	}
	return strings.Contains(spec.Type, "|") || spec.Type == "malware-sample"
}

// LoadTemplates returns the built-in templates, overridden and extended by
// every *.json definition found under dir (when dir is not empty). The
// directory may be laid out flat or like misp-objects (<name>/definition.json).
func LoadTemplates(dir string) (map[string]*Template, error) {
	out := make(map[string]*Template)
	if err := loadFS(builtin, out); err != nil {
		return nil, err
	}
	if dir == "" {
		return out, nil
	}
	if err := loadFS(os.DirFS(dir), out); err != nil {
		return nil, err
	}
	return out, nil
}

func loadFS(fsys fs.FS, into map[string]*Template) error {
	return fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".json" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return Error.Wrap(err)
		}
		var t Template
		if err := json.Unmarshal(data, &t); err != nil {
			return Error.New("template %s: %v", p, err)
		}
		if t.Name == "" {
			t.Name = path.Base(path.Dir(p))
		}
		if t.Name == "." || len(t.Attributes) == 0 {
			return Error.New("template %s: missing name or attributes", p)
		}
		into[t.Name] = &t
		return nil
	})
}
