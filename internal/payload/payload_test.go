package payload

import (
	"encoding/json"
	"reflect"
	"testing"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return out
}

func TestResolvePointer(t *testing.T) {
	doc := decode(t, `{"name":"Ada","nested":{"amount":12,"tags":["a","b"]},"a/b":{"~x":1},"empty":null}`)

	if v, ok := Resolve(doc, "/name"); !ok || v != "Ada" {
		t.Fatalf("resolve /name = %v %v", v, ok)
	}
	if v, ok := Resolve(doc, "/nested/amount"); !ok || v != float64(12) {
		t.Fatalf("resolve /nested/amount = %v %v", v, ok)
	}
	if v, ok := Resolve(doc, "/nested/tags/1"); !ok || v != "b" {
		t.Fatalf("resolve /nested/tags/1 = %v %v", v, ok)
	}
	if v, ok := Resolve(doc, "/a~1b/~0x"); !ok || v != float64(1) {
		t.Fatalf("escaped pointer = %v %v", v, ok)
	}
	if _, ok := Resolve(doc, "/missing"); ok {
		t.Fatalf("missing key resolved")
	}
	if _, ok := Resolve(doc, "/empty"); ok {
		t.Fatalf("null value resolved")
	}
	if _, ok := Resolve(doc, "/nested/tags/9"); ok {
		t.Fatalf("out of range index resolved")
	}
}

func TestPresent(t *testing.T) {
	doc := decode(t, `{"name":"","flag":false,"zero":0}`)
	if Present(doc, "/name") {
		t.Fatalf("empty string counted as present")
	}
	if !Present(doc, "/flag") {
		t.Fatalf("false boolean should count as present")
	}
	if !Present(doc, "/zero") {
		t.Fatalf("zero number should count as present")
	}
}

func TestMergePatch(t *testing.T) {
	base := decode(t, `{"a":1,"nested":{"x":1,"y":2},"list":[1,2]}`)
	patch := decode(t, `{"a":2,"nested":{"y":3,"z":4},"list":[9],"extra":null}`)

	got := MergePatch(base, patch)
	want := decode(t, `{"a":2,"nested":{"x":1,"y":3,"z":4},"list":[9],"extra":null}`)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merge = %#v, want %#v", got, want)
	}
	if base["a"] != float64(1) {
		t.Fatalf("merge mutated base")
	}
	// Null overwrites but never deletes.
	if _, ok := got["extra"]; !ok {
		t.Fatalf("null patch key dropped")
	}
}

func TestDiff(t *testing.T) {
	before := decode(t, `{"a":1,"b":"x","gone":true}`)
	after := decode(t, `{"a":1,"b":"y","new":2}`)

	diff := Diff(before, after)
	if _, ok := diff["a"]; ok {
		t.Fatalf("unchanged key in diff")
	}
	b := diff["b"].(map[string]any)
	if b["from"] != "x" || b["to"] != "y" {
		t.Fatalf("diff b = %#v", b)
	}
	if _, ok := diff["gone"]; !ok {
		t.Fatalf("removed key missing from diff")
	}
	if _, ok := diff["new"]; !ok {
		t.Fatalf("added key missing from diff")
	}
}

func TestValidateSchema(t *testing.T) {
	schema := `{"type":"object","required":["name"],"properties":{"name":{"type":"string"},"amount":{"type":"number"}}}`

	issues, err := ValidateSchema(schema, decode(t, `{"name":"Ada","amount":10}`))
	if err != nil || len(issues) != 0 {
		t.Fatalf("valid doc: issues=%v err=%v", issues, err)
	}

	issues, err = ValidateSchema(schema, decode(t, `{"amount":"ten"}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(issues) == 0 {
		t.Fatalf("expected violations for invalid doc")
	}

	if _, err := ValidateSchema(`{"type":`, map[string]any{}); err == nil {
		t.Fatalf("expected schema compile error")
	}
}
