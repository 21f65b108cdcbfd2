package driver

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Driver is an immutable, versioned workflow template. Gate rules are
// compiled once at load; a loaded Driver is safe for concurrent reads.
type Driver struct {
	ID          string
	Version     string
	Title       string
	Description string
	Domain      string
	IssuerType  string

	PayloadSchema string
	PatchStrategy string

	Documents []DocumentType
	Checklist []ChecklistTemplate
	Signals   []SignalDef
	Gates     []Gate

	Extends string
}

type DocumentType struct {
	Type         string
	Title        string
	AllowedMimes []string
	MaxSizeMB    int
	Multiple     bool
}

type ChecklistTemplate struct {
	Key             string
	Label           string
	Kind            string
	DocType         string
	PayloadPointer  string
	SignalKey       string
	AttestationType string
	Required        bool
	Review          string
}

type SignalDef struct {
	Key      string
	Type     string
	Source   string
	Default  any
	Required bool
}

type Gate struct {
	Key  string
	Rule string
	Expr Expr
}

// Ref returns the canonical id@version reference.
func (d *Driver) Ref() string { return d.ID + "@" + d.Version }

// Document looks up a declared document type.
func (d *Driver) Document(docType string) (DocumentType, bool) {
	for _, doc := range d.Documents {
		if doc.Type == docType {
			return doc, true
		}
	}
	return DocumentType{}, false
}

// Signal looks up a declared signal definition.
func (d *Driver) Signal(key string) (SignalDef, bool) {
	for _, s := range d.Signals {
		if s.Key == key {
			return s, true
		}
	}
	return SignalDef{}, false
}

// MaxSizeBytes returns the upload limit for a document type, 0 when
// unlimited.
func (dt DocumentType) MaxSizeBytes() int64 {
	return int64(dt.MaxSizeMB) * 1024 * 1024
}

// AllowsMime reports whether a MIME type is in the allow-list. An empty
// list allows everything.
func (dt DocumentType) AllowsMime(mime string) bool {
	if len(dt.AllowedMimes) == 0 {
		return true
	}
	for _, m := range dt.AllowedMimes {
		if m == mime || m == "*/*" {
			return true
		}
	}
	return false
}

type yamlFile struct {
	Driver struct {
		ID          string `yaml:"id"`
		Version     string `yaml:"version"`
		Title       string `yaml:"title"`
		Description string `yaml:"description"`
		Domain      string `yaml:"domain"`
		IssuerType  string `yaml:"issuer_type"`
	} `yaml:"driver"`
	Payload struct {
		Schema struct {
			Format string         `yaml:"format"`
			Inline map[string]any `yaml:"inline"`
		} `yaml:"schema"`
		Storage struct {
			PatchStrategy string `yaml:"patch_strategy"`
		} `yaml:"storage"`
	} `yaml:"payload"`
	Documents struct {
		Registry []struct {
			Type         string   `yaml:"type"`
			Title        string   `yaml:"title"`
			AllowedMimes []string `yaml:"allowed_mimes"`
			MaxSizeMB    int      `yaml:"max_size_mb"`
			Multiple     bool     `yaml:"multiple"`
		} `yaml:"registry"`
	} `yaml:"documents"`
	Checklist struct {
		Template []struct {
			Key             string `yaml:"key"`
			Label           string `yaml:"label"`
			Kind            string `yaml:"kind"`
			DocType         string `yaml:"doc_type"`
			PayloadPointer  string `yaml:"payload_pointer"`
			SignalKey       string `yaml:"signal_key"`
			AttestationType string `yaml:"attestation_type"`
			Required        bool   `yaml:"required"`
			Review          string `yaml:"review"`
		} `yaml:"template"`
	} `yaml:"checklist"`
	Signals struct {
		Definitions []struct {
			Key      string `yaml:"key"`
			Type     string `yaml:"type"`
			Source   string `yaml:"source"`
			Default  any    `yaml:"default"`
			Required bool   `yaml:"required"`
		} `yaml:"definitions"`
	} `yaml:"signals"`
	Gates struct {
		Definitions []struct {
			Key  string `yaml:"key"`
			Rule string `yaml:"rule"`
		} `yaml:"definitions"`
	} `yaml:"gates"`
	Extends string `yaml:"extends"`
}

// Parse decodes a driver definition from YAML. Gate rules are compiled;
// the result is validated except for extends resolution, which the
// registry performs.
func Parse(data []byte) (*Driver, error) {
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid driver yaml: %w", err)
	}
	d := &Driver{
		ID:            f.Driver.ID,
		Version:       f.Driver.Version,
		Title:         f.Driver.Title,
		Description:   f.Driver.Description,
		Domain:        f.Driver.Domain,
		IssuerType:    f.Driver.IssuerType,
		PatchStrategy: f.Payload.Storage.PatchStrategy,
		Extends:       f.Extends,
	}
	if len(f.Payload.Schema.Inline) > 0 {
		raw, err := json.Marshal(f.Payload.Schema.Inline)
		if err != nil {
			return nil, fmt.Errorf("driver %s: encode payload schema: %w", d.ID, err)
		}
		d.PayloadSchema = string(raw)
	}
	for _, doc := range f.Documents.Registry {
		d.Documents = append(d.Documents, DocumentType(doc))
	}
	for _, item := range f.Checklist.Template {
		tpl := ChecklistTemplate(item)
		if tpl.Review == "" {
			tpl.Review = "none"
		}
		d.Checklist = append(d.Checklist, tpl)
	}
	for _, sig := range f.Signals.Definitions {
		def := SignalDef(sig)
		if def.Type == "" {
			def.Type = "boolean"
		}
		if def.Source == "" {
			def.Source = "host"
		}
		d.Signals = append(d.Signals, def)
	}
	for _, g := range f.Gates.Definitions {
		expr, err := ParseRule(g.Rule)
		if err != nil {
			return nil, fmt.Errorf("driver %s gate %s: %w", d.ID, g.Key, err)
		}
		d.Gates = append(d.Gates, Gate{Key: g.Key, Rule: g.Rule, Expr: expr})
	}
	return d, nil
}

// Validate checks structural consistency of a fully composed driver.
func (d *Driver) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("driver.id is required")
	}
	if d.Version == "" {
		return fmt.Errorf("driver %s: version is required", d.ID)
	}
	seenDocs := map[string]bool{}
	for _, doc := range d.Documents {
		if doc.Type == "" {
			return fmt.Errorf("driver %s: document with empty type", d.ID)
		}
		if seenDocs[doc.Type] {
			return fmt.Errorf("driver %s: duplicate document type %s", d.ID, doc.Type)
		}
		seenDocs[doc.Type] = true
	}
	seenSignals := map[string]bool{}
	for _, sig := range d.Signals {
		if sig.Key == "" {
			return fmt.Errorf("driver %s: signal with empty key", d.ID)
		}
		if seenSignals[sig.Key] {
			return fmt.Errorf("driver %s: duplicate signal %s", d.ID, sig.Key)
		}
		if sig.Type != "boolean" && sig.Type != "string" {
			return fmt.Errorf("driver %s signal %s: type must be boolean or string", d.ID, sig.Key)
		}
		if sig.Source != "host" && sig.Source != "integration" {
			return fmt.Errorf("driver %s signal %s: source must be host or integration", d.ID, sig.Key)
		}
		seenSignals[sig.Key] = true
	}
	seenItems := map[string]bool{}
	for _, item := range d.Checklist {
		if item.Key == "" {
			return fmt.Errorf("driver %s: checklist item with empty key", d.ID)
		}
		if seenItems[item.Key] {
			return fmt.Errorf("driver %s: duplicate checklist key %s", d.ID, item.Key)
		}
		seenItems[item.Key] = true
		switch item.Kind {
		case "document":
			if !seenDocs[item.DocType] {
				return fmt.Errorf("driver %s item %s: unknown doc_type %s", d.ID, item.Key, item.DocType)
			}
		case "payload_field":
			if item.PayloadPointer == "" {
				return fmt.Errorf("driver %s item %s: payload_pointer is required", d.ID, item.Key)
			}
		case "signal":
			if !seenSignals[item.SignalKey] {
				return fmt.Errorf("driver %s item %s: unknown signal %s", d.ID, item.Key, item.SignalKey)
			}
		case "attestation":
			if item.AttestationType == "" {
				return fmt.Errorf("driver %s item %s: attestation_type is required", d.ID, item.Key)
			}
		default:
			return fmt.Errorf("driver %s item %s: unknown kind %s", d.ID, item.Key, item.Kind)
		}
		switch item.Review {
		case "none", "optional", "required":
		default:
			return fmt.Errorf("driver %s item %s: review must be none, optional or required", d.ID, item.Key)
		}
	}
	seenGates := map[string]bool{}
	for _, g := range d.Gates {
		if g.Key == "" {
			return fmt.Errorf("driver %s: gate with empty key", d.ID)
		}
		if seenGates[g.Key] {
			return fmt.Errorf("driver %s: duplicate gate %s", d.ID, g.Key)
		}
		if g.Expr == nil {
			return fmt.Errorf("driver %s: gate %s has no compiled rule", d.ID, g.Key)
		}
		seenGates[g.Key] = true
	}
	return nil
}

// merge overlays child on top of base. Scalars from the child win when
// set; list entries merge by key with child entries replacing base ones.
func merge(base, child *Driver) *Driver {
	out := *base
	out.ID = child.ID
	out.Version = child.Version
	out.Extends = ""
	if child.Title != "" {
		out.Title = child.Title
	}
	if child.Description != "" {
		out.Description = child.Description
	}
	if child.Domain != "" {
		out.Domain = child.Domain
	}
	if child.IssuerType != "" {
		out.IssuerType = child.IssuerType
	}
	if child.PayloadSchema != "" {
		out.PayloadSchema = child.PayloadSchema
	}
	if child.PatchStrategy != "" {
		out.PatchStrategy = child.PatchStrategy
	}
	out.Documents = mergeByKey(base.Documents, child.Documents, func(d DocumentType) string { return d.Type })
	out.Checklist = mergeByKey(base.Checklist, child.Checklist, func(c ChecklistTemplate) string { return c.Key })
	out.Signals = mergeByKey(base.Signals, child.Signals, func(s SignalDef) string { return s.Key })
	out.Gates = mergeByKey(base.Gates, child.Gates, func(g Gate) string { return g.Key })
	return &out
}

func mergeByKey[T any](base, child []T, key func(T) string) []T {
	out := make([]T, len(base))
	copy(out, base)
	for _, c := range child {
		replaced := false
		for i, b := range out {
			if key(b) == key(c) {
				out[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}
