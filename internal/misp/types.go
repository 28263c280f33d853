// Package misp holds the MISP feed document model and the object template
// registry used to turn indicator fields into MISP objects.
package misp

import (
	"strconv"
	"time"
)

// Tag is a MISP tag as it appears on events and attributes.
type Tag struct {
	Name   string `json:"name" yaml:"name"`
	Colour string `json:"colour,omitempty" yaml:"colour"`
}

// Org is the creator organisation reference of an event.
type Org struct {
	Name string `json:"name" yaml:"name"`
	UUID string `json:"uuid" yaml:"uuid"`
}

// Attribute is one value of a MISP object.
type Attribute struct {
	UUID               string `json:"uuid"`
	ObjectRelation     string `json:"object_relation,omitempty"`
	Type               string `json:"type"`
	Category           string `json:"category,omitempty"`
	Value              string `json:"value"`
	ToIDs              bool   `json:"to_ids"`
	DisableCorrelation bool   `json:"disable_correlation"`
	Comment            string `json:"comment,omitempty"`
	Timestamp          string `json:"timestamp"`
	Tag                []Tag  `json:"Tag,omitempty"`
}

// Object is a template-shaped group of attributes.
type Object struct {
	Name            string      `json:"name"`
	MetaCategory    string      `json:"meta-category"`
	Description     string      `json:"description,omitempty"`
	TemplateUUID    string      `json:"template_uuid"`
	TemplateVersion string      `json:"template_version"`
	UUID            string      `json:"uuid"`
	Timestamp       string      `json:"timestamp"`
	Attribute       []Attribute `json:"Attribute"`
}

// Values returns the attribute values of the given types.
func (o *Object) Values(types ...string) []string {
	var out []string
	for _, a := range o.Attribute {
		for _, t := range types {
			if a.Type == t {
				out = append(out, a.Value)
				break
			}
		}
	}
	return out
}

// Event is one daily batch.
type Event struct {
	UUID          string      `json:"uuid"`
	Info          string      `json:"info"`
	Date          string      `json:"date"`
	Analysis      int         `json:"analysis"`
	ThreatLevelID int         `json:"threat_level_id"`
	Published     bool        `json:"published"`
	Timestamp     string      `json:"timestamp"`
	Orgc          Org         `json:"Orgc"`
	Tag           []Tag       `json:"Tag,omitempty"`
	Object        []Object    `json:"Object,omitempty"`
	Attribute     []Attribute `json:"Attribute,omitempty"`
}

// Document is the on-disk feed form of an event.
type Document struct {
	Event Event `json:"Event"`
}

// ManifestEntry is the manifest.json record for one event.
type ManifestEntry struct {
	Orgc          Org    `json:"Orgc"`
	Tag           []Tag  `json:"Tag"`
	Info          string `json:"info"`
	Date          string `json:"date"`
	Analysis      int    `json:"analysis"`
	ThreatLevelID int    `json:"threat_level_id"`
	Timestamp     string `json:"timestamp"`
}

func (e *Event) AddObject(o *Object) {
	e.Object = append(e.Object, *o)
}

// Touch sets the last-modified timestamp.
func (e *Event) Touch(t time.Time) {
	e.Timestamp = Timestamp(t)
}

func (e *Event) ManifestEntry() ManifestEntry {
	tags := e.Tag
	if tags == nil {
		tags = []Tag{}
	}
	return ManifestEntry{
		Orgc:          e.Orgc,
		Tag:           tags,
		Info:          e.Info,
		Date:          e.Date,
		Analysis:      e.Analysis,
		ThreatLevelID: e.ThreatLevelID,
		Timestamp:     e.Timestamp,
	}
}

// Timestamp formats t the way MISP feeds carry timestamps: unix seconds as a string.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
