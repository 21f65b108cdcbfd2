package driver

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Facts is the nested fact map a gate rule evaluates against.
type Facts map[string]any

// Expr is a parsed gate rule. Evaluation is pure and total: unknown
// references resolve to nil, which is falsy.
type Expr interface {
	Eval(facts Facts) any
}

type andExpr struct{ left, right Expr }
type orExpr struct{ left, right Expr }
type notExpr struct{ inner Expr }

type cmpExpr struct {
	op    string
	left  Expr
	right Expr
}

type refExpr struct{ path []string }

type litExpr struct{ value any }

func (e andExpr) Eval(f Facts) any { return Truthy(e.left.Eval(f)) && Truthy(e.right.Eval(f)) }
func (e orExpr) Eval(f Facts) any  { return Truthy(e.left.Eval(f)) || Truthy(e.right.Eval(f)) }
func (e notExpr) Eval(f Facts) any { return !Truthy(e.inner.Eval(f)) }

func (e cmpExpr) Eval(f Facts) any {
	eq := equalValues(e.left.Eval(f), e.right.Eval(f))
	if e.op == "!=" {
		return !eq
	}
	return eq
}

func (e refExpr) Eval(f Facts) any {
	var cur any = map[string]any(f)
	for _, part := range e.path {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = node[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func (e litExpr) Eval(Facts) any { return e.value }

// Truthy coerces a fact value to a boolean.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != "" && t != "false" && t != "0"
	}
	return true
}

func equalValues(a, b any) bool {
	if af, aok := asNumber(a); aok {
		if bf, bok := asNumber(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		return ab == Truthy(b)
	}
	if bb, bok := b.(bool); bok {
		return Truthy(a) == bb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}

// ParseRule parses a gate rule into an expression tree. Grammar, loosest
// binding first: ||, &&, == and !=, unary !, parentheses, dotted fact
// references, true/false, numbers, single- or double-quoted strings.
func ParseRule(input string) (Expr, error) {
	toks, err := lexRule(input)
	if err != nil {
		return nil, err
	}
	p := &ruleParser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("rule %q: unexpected token %q", input, p.peek())
	}
	return expr, nil
}

type ruleParser struct {
	toks []string
	pos  int
}

func (p *ruleParser) done() bool { return p.pos >= len(p.toks) }

func (p *ruleParser) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *ruleParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *ruleParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orExpr{left: left, right: right}
	}
	return left, nil
}

func (p *ruleParser) parseAnd() (Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek() == "&&" {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = andExpr{left: left, right: right}
	}
	return left, nil
}

func (p *ruleParser) parseComparison() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if op := p.peek(); op == "==" || op == "!=" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return cmpExpr{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *ruleParser) parseUnary() (Expr, error) {
	if p.peek() == "!" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *ruleParser) parsePrimary() (Expr, error) {
	tok := p.next()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of rule")
	case tok == "(":
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return expr, nil
	case tok == "true":
		return litExpr{value: true}, nil
	case tok == "false":
		return litExpr{value: false}, nil
	case tok[0] == '\'' || tok[0] == '"':
		return litExpr{value: tok[1 : len(tok)-1]}, nil
	case tok[0] == '-' || unicode.IsDigit(rune(tok[0])):
		n, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok)
		}
		return litExpr{value: n}, nil
	case isRefToken(tok):
		return refExpr{path: strings.Split(tok, ".")}, nil
	}
	return nil, fmt.Errorf("unexpected token %q", tok)
}

func isRefToken(tok string) bool {
	for i, r := range tok {
		if unicode.IsLetter(r) || r == '_' || r == '.' || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return tok != ""
}

func lexRule(input string) ([]string, error) {
	var toks []string
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' || r == ')':
			toks = append(toks, string(r))
			i++
		case r == '&' || r == '|':
			if i+1 >= len(runes) || runes[i+1] != r {
				return nil, fmt.Errorf("rule %q: single %q", input, r)
			}
			toks = append(toks, string(r)+string(r))
			i += 2
		case r == '=':
			if i+1 >= len(runes) || runes[i+1] != '=' {
				return nil, fmt.Errorf("rule %q: single =", input)
			}
			toks = append(toks, "==")
			i += 2
		case r == '!':
			if i+1 < len(runes) && runes[i+1] == '=' {
				toks = append(toks, "!=")
				i += 2
			} else {
				toks = append(toks, "!")
				i++
			}
		case r == '\'' || r == '"':
			quote := r
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("rule %q: unterminated string", input)
			}
			toks = append(toks, string(runes[i:j+1]))
			i = j + 1
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}
			toks = append(toks, string(runes[i:j]))
			i = j
		case unicode.IsDigit(r) || r == '-':
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			toks = append(toks, string(runes[i:j]))
			i = j
		default:
			return nil, fmt.Errorf("rule %q: unexpected character %q", input, r)
		}
	}
	return toks, nil
}
