package driver

import "testing"

func evalRule(t *testing.T, rule string, facts Facts) bool {
	t.Helper()
	expr, err := ParseRule(rule)
	if err != nil {
		t.Fatalf("parse %q: %v", rule, err)
	}
	return Truthy(expr.Eval(facts))
}

func TestRuleEvaluation(t *testing.T) {
	facts := Facts{
		"checklist": map[string]any{
			"required_present":  true,
			"required_accepted": false,
			"pending_count":     float64(2),
		},
		"signal": map[string]any{
			"approved":  true,
			"_blocking": false,
		},
		"payload": map[string]any{
			"valid":   true,
			"version": float64(3),
		},
		"envelope": map[string]any{"status": "in_progress"},
	}

	cases := []struct {
		rule string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"!false", true},
		{"checklist.required_present", true},
		{"checklist.required_accepted", false},
		{"checklist.required_present && signal.approved", true},
		{"checklist.required_accepted || signal.approved", true},
		{"!signal._blocking && payload.valid", true},
		{"checklist.pending_count == 2", true},
		{"checklist.pending_count != 0", true},
		{"payload.version == 3 && !signal._blocking", true},
		{"envelope.status == 'in_progress'", true},
		{"envelope.status == \"locked\"", false},
		{"(checklist.required_accepted || signal.approved) && payload.valid", true},
		{"signal.unknown", false},
		{"missing.fact == 'x'", false},
	}
	for _, tc := range cases {
		if got := evalRule(t, tc.rule, facts); got != tc.want {
			t.Fatalf("rule %q = %v, want %v", tc.rule, got, tc.want)
		}
	}
}

func TestRuleEvaluationIsPure(t *testing.T) {
	expr, err := ParseRule("checklist.required_present && !signal._blocking")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	facts := Facts{
		"checklist": map[string]any{"required_present": true},
		"signal":    map[string]any{"_blocking": false},
	}
	first := Truthy(expr.Eval(facts))
	second := Truthy(expr.Eval(facts))
	if first != second || !first {
		t.Fatalf("repeated evaluation diverged: %v then %v", first, second)
	}
}

func TestRuleParseErrors(t *testing.T) {
	for _, rule := range []string{
		"",
		"&& true",
		"a &",
		"a = b",
		"(a && b",
		"'unterminated",
		"a ?? b",
	} {
		if _, err := ParseRule(rule); err == nil {
			t.Fatalf("rule %q: expected parse error", rule)
		}
	}
}
