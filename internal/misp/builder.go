package misp

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Field is one object relation and its value. Fields keep their order into
// the built object.
type Field struct {
	Relation string
	Value    string
}

// Directives carry per-relation attribute settings. A relation missing from a
// map receives no directive and keeps the template default.
type Directives struct {
	Tags               map[string][]Tag
	Comments           map[string]string
	ToIDs              map[string]bool
	DisableCorrelation map[string]bool
}

// ObjectBuilder turns fields into an object for a given template.
type ObjectBuilder interface {
	Build(t *Template, fields []Field, d Directives) (*Object, error)
}

// GenericBuilder builds any template. Relations unknown to the template are
// added as text attributes.
type GenericBuilder struct {
	Now func() time.Time
}

func (b GenericBuilder) Build(t *Template, fields []Field, d Directives) (*Object, error) {
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Value != "" {
			present[f.Relation] = true
		}
	}
	for _, rel := range t.Required {
		if !present[rel] {
			return nil, Error.New("%s: missing required attribute %q", t.Name, rel)
		}
	}
	if len(t.RequiredOneOf) > 0 {
		found := false
		for _, rel := range t.RequiredOneOf {
			if present[rel] {
				found = true
				break
			}
		}
		if !found {
			return nil, Error.New("%s: needs one of %v", t.Name, t.RequiredOneOf)
		}
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	ts := Timestamp(now())

	obj := &Object{
		Name:            t.Name,
		MetaCategory:    t.MetaCategory,
		Description:     t.Description,
		TemplateUUID:    t.UUID,
		TemplateVersion: strconv.Itoa(t.Version),
		UUID:            uuid.NewString(),
		Timestamp:       ts,
	}
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		spec, known := t.Attributes[f.Relation]
		if !known {
			spec = AttributeSpec{Type: "text"}
		}
		attr := Attribute{
			UUID:               uuid.NewString(),
			ObjectRelation:     f.Relation,
			Type:               spec.Type,
			Category:           spec.Category(),
			Value:              f.Value,
			ToIDs:              spec.ToIDs,
			DisableCorrelation: spec.DisableCorrelation,
			Comment:            d.Comments[f.Relation],
			Timestamp:          ts,
		}
		if v, ok := d.ToIDs[f.Relation]; ok {
			attr.ToIDs = v
		}
		if v, ok := d.DisableCorrelation[f.Relation]; ok {
			attr.DisableCorrelation = v
		}
		if known {
			attr.Tag = append(attr.Tag, d.Tags[f.Relation]...)
		}
		obj.Attribute = append(obj.Attribute, attr)
	}
	return obj, nil
}

// C2Builder builds c2-server objects. On top of the template checks it
// requires the endpoint to be given either by IP or by hostname, never both.
type C2Builder struct {
	GenericBuilder
}

func (b C2Builder) Build(t *Template, fields []Field, d Directives) (*Object, error) {
	var byIP, byHost bool
	for _, f := range fields {
		switch {
		case f.Value == "":
		case f.Relation == "ip-dst|port":
			byIP = true
		case f.Relation == "hostname|port":
			byHost = true
		}
	}
	if byIP == byHost {
		return nil, Error.New("%s: endpoint must be exactly one of ip-dst|port or hostname|port", t.Name)
	}
	return b.GenericBuilder.Build(t, fields, d)
}

// Registry maps template names to their builders, falling back to a generic
// builder for templates without a dedicated one.
type Registry struct {
	templates map[string]*Template
	builders  map[string]ObjectBuilder
	fallback  ObjectBuilder
}

// NewRegistry creates a registry over templates with the c2-server builder
// registered. now stamps object and attribute timestamps.
func NewRegistry(templates map[string]*Template, now func() time.Time) *Registry {
	generic := GenericBuilder{Now: now}
	r := &Registry{
		templates: templates,
		builders:  make(map[string]ObjectBuilder),
		fallback:  generic,
	}
	r.Register("c2-server", C2Builder{GenericBuilder: generic})
	return r
}

// Register sets the builder used for a template name.
func (r *Registry) Register(name string, b ObjectBuilder) {
	r.builders[name] = b
}

// Template returns the loaded template called name.
func (r *Registry) Template(name string) (*Template, bool) {
	t, ok := r.templates[name]
	return t, ok
}

// Build builds an object for the named template.
func (r *Registry) Build(name string, fields []Field, d Directives) (*Object, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, ErrUnknownTemplate.New("%q", name)
	}
	b, ok := r.builders[name]
	if !ok {
		b = r.fallback
	}
	return b.Build(t, fields, d)
}
