// Package expr parses and evaluates the boolean condition expressions stored
// on decision nodes, e.g.
//
//	score > 80 AND status === 'approved'
//	customFields.riskLevel === 'high' OR escalations >= 2
//
// Expressions are parsed once into a small AST and cached per node; evaluation
// never fails — a missing metadata path or a type mismatch makes the enclosing
// comparison false so incomplete custom-field data cannot wedge a workflow.
package expr

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

type Expr interface {
	Eval(meta map[string]any) bool
}

type litKind int

const (
	litString litKind = iota
	litNumber
	litBool
	litNull
)

type literal struct {
	kind litKind
	str  string
	num  float64
	b    bool
}

// compare is `path op literal`.
type compare struct {
	path string
	op   string
	lit  literal
}

// logical is `left AND right` / `left OR right`.
type logical struct {
	op    string // "AND" or "OR"
	left  Expr
	right Expr
}

func (l *logical) Eval(meta map[string]any) bool {
	if l.op == "AND" {
		return l.left.Eval(meta) && l.right.Eval(meta)
	}
	return l.left.Eval(meta) || l.right.Eval(meta)
}

func (c *compare) Eval(meta map[string]any) bool {
	val, ok := lookup(meta, c.path)
	if !ok {
		slog.Warn("Condition references missing metadata path", "path", c.path)
		return false
	}

	switch c.op {
	case "===":
		return equals(val, c.lit)
	case "!==":
		return !equals(val, c.lit)
	}

	// ordering operators: numeric when both sides are numbers, lexicographic
	// when both are strings, otherwise false
	if c.lit.kind == litNumber {
		n, ok := toFloat(val)
		if !ok {
			slog.Warn("Condition compares non-numeric value", "path", c.path, "op", c.op)
			return false
		}
		switch c.op {
		case ">":
			return n > c.lit.num
		case ">=":
			return n >= c.lit.num
		case "<":
			return n < c.lit.num
		case "<=":
			return n <= c.lit.num
		}
	}
	if c.lit.kind == litString {
		s, ok := val.(string)
		if !ok {
			return false
		}
		switch c.op {
		case ">":
			return s > c.lit.str
		case ">=":
			return s >= c.lit.str
		case "<":
			return s < c.lit.str
		case "<=":
			return s <= c.lit.str
		}
	}
	return false
}

func equals(val any, lit literal) bool {
	switch lit.kind {
	case litNull:
		return val == nil
	case litBool:
		b, ok := val.(bool)
		return ok && b == lit.b
	case litString:
		s, ok := val.(string)
		return ok && s == lit.str
	case litNumber:
		n, ok := toFloat(val)
		return ok && n == lit.num
	}
	return false
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		return n, err == nil
	}
	return 0, false
}

// lookup walks a dotted path through nested maps.
func lookup(meta map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = meta
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Parse compiles a condition expression. An empty condition is invalid: a
// decision node must always route somewhere deterministic.
func Parse(input string) (Expr, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected token %q", p.peek().text)
	}
	return e, nil
}

type tokKind int

const (
	tokPath tokKind = iota
	tokOp
	tokString
	tokNumber
	tokKeyword // AND OR true false null
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		ch := input[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case ch == '\'' || ch == '"':
			quote := ch
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, input[i+1 : j]})
			i = j + 1
		case strings.HasPrefix(input[i:], "==="), strings.HasPrefix(input[i:], "!=="):
			toks = append(toks, token{tokOp, input[i : i+3]})
			i += 3
		case strings.HasPrefix(input[i:], ">="), strings.HasPrefix(input[i:], "<="):
			toks = append(toks, token{tokOp, input[i : i+2]})
			i += 2
		case ch == '>' || ch == '<':
			toks = append(toks, token{tokOp, string(ch)})
			i++
		case ch >= '0' && ch <= '9' || ch == '-':
			j := i + 1
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, input[i:j]})
			i = j
		case isIdentChar(ch):
			j := i
			for j < len(input) && (isIdentChar(input[j]) || input[j] == '.') {
				j++
			}
			word := input[i:j]
			switch word {
			case "AND", "OR", "true", "false", "null":
				toks = append(toks, token{tokKeyword, word})
			default:
				toks = append(toks, token{tokPath, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", ch, i)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	return toks, nil
}

func isIdentChar(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' || ch == '_'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool     { return p.pos >= len(p.toks) }
func (p *parser) peek() token   { return p.toks[p.pos] }
func (p *parser) advance() token {
	t := p.toks[p.pos]
	p.pos++
	return t
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokKeyword && p.peek().text == "OR" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logical{op: "OR", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokKeyword && p.peek().text == "AND" {
		p.advance()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &logical{op: "AND", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of condition")
	}
	if p.peek().kind == tokLParen {
		p.advance()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.eof() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.advance()
		return e, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (Expr, error) {
	t := p.advance()
	if t.kind != tokPath {
		return nil, fmt.Errorf("expected metadata path, got %q", t.text)
	}
	if p.eof() {
		return nil, fmt.Errorf("expected operator after %q", t.text)
	}
	op := p.advance()
	if op.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator, got %q", op.text)
	}
	if p.eof() {
		return nil, fmt.Errorf("expected value after %q", op.text)
	}
	v := p.advance()
	lit := literal{}
	switch v.kind {
	case tokString:
		lit = literal{kind: litString, str: v.text}
	case tokNumber:
		n, err := strconv.ParseFloat(v.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", v.text)
		}
		lit = literal{kind: litNumber, num: n}
	case tokKeyword:
		switch v.text {
		case "true":
			lit = literal{kind: litBool, b: true}
		case "false":
			lit = literal{kind: litBool, b: false}
		case "null":
			lit = literal{kind: litNull}
		default:
			return nil, fmt.Errorf("expected literal, got %q", v.text)
		}
	default:
		return nil, fmt.Errorf("expected literal, got %q", v.text)
	}
	return &compare{path: t.text, op: op.text, lit: lit}, nil
}
