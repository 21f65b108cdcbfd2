package driver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const simpleDriverYAML = `driver:
  id: simple.test
  version: "1.0.0"
  title: Simple Test Driver
  domain: testing

payload:
  schema:
    format: json-schema
    inline:
      type: object
      properties:
        name:
          type: string
  storage:
    patch_strategy: merge

documents:
  registry:
    - type: TEST_DOC
      title: Test Document
      allowed_mimes: [application/pdf]
      max_size_mb: 10
      multiple: false

checklist:
  template:
    - key: name_provided
      label: Name provided
      kind: payload_field
      payload_pointer: /name
      required: true
    - key: test_doc
      label: Test document
      kind: document
      doc_type: TEST_DOC
      required: true
      review: required
    - key: approved_signal
      label: Approved
      kind: signal
      signal_key: approved
      required: true

signals:
  definitions:
    - key: approved
      type: boolean
      source: host
      default: false
      required: true

gates:
  definitions:
    - key: settleable
      rule: "checklist.required_accepted && !signal._blocking"
    - key: payload_valid
      rule: "payload.valid"
    - key: checklist_complete
      rule: "checklist.required_present"
`

func writeDriver(t *testing.T, dir, id, version, data string) {
	t.Helper()
	path := filepath.Join(dir, id, "v"+version+".yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write driver: %v", err)
	}
}

func TestParseDriver(t *testing.T) {
	d, err := Parse([]byte(simpleDriverYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.Ref() != "simple.test@1.0.0" {
		t.Fatalf("ref = %s", d.Ref())
	}
	if len(d.Checklist) != 3 || len(d.Signals) != 1 || len(d.Gates) != 3 {
		t.Fatalf("unexpected shape: %d items, %d signals, %d gates", len(d.Checklist), len(d.Signals), len(d.Gates))
	}
	if d.PayloadSchema == "" {
		t.Fatalf("inline schema not captured")
	}
	doc, ok := d.Document("TEST_DOC")
	if !ok || !doc.AllowsMime("application/pdf") || doc.AllowsMime("image/png") {
		t.Fatalf("document lookup: %+v ok=%v", doc, ok)
	}
	if doc.MaxSizeBytes() != 10*1024*1024 {
		t.Fatalf("max size = %d", doc.MaxSizeBytes())
	}
	if _, ok := d.Signal("approved"); !ok {
		t.Fatalf("signal lookup failed")
	}
}

func TestValidateRejectsUnknownReferences(t *testing.T) {
	bad := `driver:
  id: bad.driver
  version: "1.0.0"
checklist:
  template:
    - key: doc
      kind: document
      doc_type: NOT_DECLARED
`
	d, err := Parse([]byte(bad))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := d.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown doc_type")
	}
}

func TestRegistryLoadAndCache(t *testing.T) {
	dir := t.TempDir()
	writeDriver(t, dir, "simple.test", "1.0.0", simpleDriverYAML)

	reg := NewRegistry(dir)
	d, err := reg.Load("simple.test", "1.0.0")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	again, err := reg.Load("simple.test", "1.0.0")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d != again {
		t.Fatalf("second load bypassed cache")
	}
	if !reg.Exists("simple.test", "1.0.0") {
		t.Fatalf("exists = false")
	}
	if reg.Exists("simple.test", "9.9.9") {
		t.Fatalf("exists for unknown version")
	}
	if _, err := reg.Load("nope", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing driver error = %v", err)
	}
}

func TestRegistryExtends(t *testing.T) {
	dir := t.TempDir()
	writeDriver(t, dir, "simple.test", "1.0.0", simpleDriverYAML)
	child := `driver:
  id: extended.test
  version: "2.0.0"
  title: Extended

extends: simple.test@1.0.0

checklist:
  template:
    - key: test_doc
      label: Stricter document
      kind: document
      doc_type: TEST_DOC
      required: true
      review: required
    - key: extra_doc
      kind: document
      doc_type: TEST_DOC
      required: false

gates:
  definitions:
    - key: settleable
      rule: "checklist.all_accepted"
`
	writeDriver(t, dir, "extended.test", "2.0.0", child)

	reg := NewRegistry(dir)
	d, err := reg.Load("extended.test", "2.0.0")
	if err != nil {
		t.Fatalf("load extended: %v", err)
	}
	if len(d.Checklist) != 4 {
		t.Fatalf("checklist length = %d, want 4", len(d.Checklist))
	}
	var overridden ChecklistTemplate
	for _, item := range d.Checklist {
		if item.Key == "test_doc" {
			overridden = item
		}
	}
	if overridden.Label != "Stricter document" {
		t.Fatalf("override not applied: %+v", overridden)
	}
	var settleable Gate
	for _, g := range d.Gates {
		if g.Key == "settleable" {
			settleable = g
		}
	}
	if settleable.Rule != "checklist.all_accepted" {
		t.Fatalf("gate override not applied: %s", settleable.Rule)
	}
	if len(d.Gates) != 3 {
		t.Fatalf("gates length = %d, want 3", len(d.Gates))
	}
	if d.PayloadSchema == "" {
		t.Fatalf("schema not inherited from base")
	}
}

func TestRegistryExtendsCycle(t *testing.T) {
	dir := t.TempDir()
	a := `driver:
  id: a.driver
  version: "1.0.0"
extends: b.driver@1.0.0
`
	b := `driver:
  id: b.driver
  version: "1.0.0"
extends: a.driver@1.0.0
`
	writeDriver(t, dir, "a.driver", "1.0.0", a)
	writeDriver(t, dir, "b.driver", "1.0.0", b)

	if _, err := NewRegistry(dir).Load("a.driver", "1.0.0"); err == nil {
		t.Fatalf("expected circular extends error")
	}
}

func TestRegistryWriteListDelete(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)

	ref, err := reg.Write([]byte(simpleDriverYAML))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if ref.ID != "simple.test" || ref.Version != "1.0.0" {
		t.Fatalf("ref = %+v", ref)
	}
	if _, err := reg.Write([]byte(simpleDriverYAML)); err == nil {
		t.Fatalf("expected overwrite rejection")
	}

	refs, err := reg.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != "simple.test" {
		t.Fatalf("list = %+v", refs)
	}

	if err := reg.Delete("simple.test", "1.0.0"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := reg.Delete("simple.test", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete error = %v", err)
	}
}
