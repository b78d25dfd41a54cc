// Package template maps event types to their notification channel,
// template reference and required payload fields.
package template

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/failure"
)

//go:embed templates.yaml
var defaultDocument []byte

// ErrNotFound is wrapped by Resolve for unknown event types.
var ErrNotFound = errors.New("template: no template for event type")

// Severity drives chat message styling.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// Descriptor routes one event type.
type Descriptor struct {
	EventType      string        `yaml:"event_type" json:"eventType"`
	Channel        event.Channel `yaml:"channel" json:"channel"`
	TemplateRef    string        `yaml:"template_ref" json:"templateRef"`
	RequiredFields []string      `yaml:"required_fields" json:"requiredFields"`
	Title          string        `yaml:"title" json:"title,omitempty"`
	Severity       Severity      `yaml:"severity" json:"severity,omitempty"`
}

// Document is the registry's YAML form.
type Document struct {
	Version   string       `yaml:"version"`
	Templates []Descriptor `yaml:"templates"`
}

// Registry is an immutable event type lookup.
type Registry struct {
	byType map[string]Descriptor
}

// Default returns the registry built into the binary.
func Default() (*Registry, error) {
	return Parse(defaultDocument)
}

// LoadFile reads a registry document from path. An empty path loads the
// built-in default.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("templates %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a registry document.
func Parse(data []byte) (*Registry, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if err := Validate(&doc); err != nil {
		return nil, err
	}
	r := &Registry{byType: make(map[string]Descriptor, len(doc.Templates))}
	for _, d := range doc.Templates {
		if d.Severity == "" {
			d.Severity = SeverityInfo
		}
		d.RequiredFields = append([]string(nil), d.RequiredFields...)
		r.byType[d.EventType] = d
	}
	return r, nil
}

// Validate checks the document and reports every problem at once.
func Validate(doc *Document) error {
	if doc.Version == "" {
		return fmt.Errorf("templates: version is required")
	}
	seen := make(map[string]int)
	var errs []string

	for i, d := range doc.Templates {
		if d.EventType == "" {
			errs = append(errs, fmt.Sprintf("templates[%d]: event_type is required", i))
			continue
		}
		loc := fmt.Sprintf("template %s", d.EventType)
		if prev, ok := seen[d.EventType]; ok {
			errs = append(errs, fmt.Sprintf("duplicate event_type %q (first seen at templates[%d], again at templates[%d])", d.EventType, prev, i))
		} else {
			seen[d.EventType] = i
		}
		if !d.Channel.Valid() {
			errs = append(errs, fmt.Sprintf("%s: channel %q must be email or chat", loc, d.Channel))
		}
		if d.TemplateRef == "" {
			errs = append(errs, fmt.Sprintf("%s: template_ref is required", loc))
		}
		if d.Severity != "" && !d.Severity.Valid() {
			errs = append(errs, fmt.Sprintf("%s: severity %q must be info, warning or critical", loc, d.Severity))
		}
		for j, f := range d.RequiredFields {
			if strings.TrimSpace(f) == "" {
				errs = append(errs, fmt.Sprintf("%s: required_fields[%d] is empty", loc, j))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("templates validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Resolve returns the descriptor for eventType. An unknown type is a
// PermanentError.
func (r *Registry) Resolve(eventType string) (Descriptor, error) {
	d, ok := r.byType[eventType]
	if !ok {
		return Descriptor{}, failure.Permanent("template.resolve", fmt.Errorf("%w %q", ErrNotFound, eventType))
	}
	return d, nil
}

// EventTypes returns the registered event types, sorted.
func (r *Registry) EventTypes() []string {
	out := make([]string, 0, len(r.byType))
	for k := range r.byType {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckRequired returns a PermanentError naming every required field the
// payload lacks. Empty values count as absent.
func CheckRequired(d Descriptor, fields map[string]string) error {
	var missing []string
	for _, f := range d.RequiredFields {
		if fields[f] == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	ferr := failure.Permanent("template.required_fields",
		fmt.Errorf("template %s for %s is missing required fields: %s", d.TemplateRef, d.EventType, strings.Join(missing, ", ")))
	ferr.Fields = make(map[string]string, len(missing))
	for _, f := range missing {
		ferr.Fields[f] = "required by template"
	}
	return ferr
}
