package filter

import (
	"fmt"
	"strings"
	"unicode"
)

// Node is one node of a parsed boolean tag expression.
type Node interface {
	eval(tags map[string]bool) bool
	normalize() Node
	String() string
}

type tagNode struct {
	tag string
}

func (n *tagNode) eval(tags map[string]bool) bool { return tags[n.tag] }
func (n *tagNode) normalize() Node {
	return &tagNode{tag: strings.ToLower(n.tag)}
}
func (n *tagNode) String() string { return n.tag }

type notNode struct {
	child Node
}

func (n *notNode) eval(tags map[string]bool) bool { return !n.child.eval(tags) }
func (n *notNode) normalize() Node                { return &notNode{child: n.child.normalize()} }
func (n *notNode) String() string                 { return "NOT " + n.child.String() }

type binaryNode struct {
	op          string // "AND" or "OR"
	left, right Node
}

func (n *binaryNode) eval(tags map[string]bool) bool {
	if n.op == "AND" {
		return n.left.eval(tags) && n.right.eval(tags)
	}
	return n.left.eval(tags) || n.right.eval(tags)
}

func (n *binaryNode) normalize() Node {
	return &binaryNode{op: n.op, left: n.left.normalize(), right: n.right.normalize()}
}

func (n *binaryNode) String() string {
	return fmt.Sprintf("(%s %s %s)", n.left, n.op, n.right)
}

// parser is a recursive-descent parser over the token stream. Grammar,
// lowest precedence first:
//
//	expr    = term { OR term }
//	term    = factor { AND factor }
//	factor  = [NOT | "!"] atom
//	atom    = tag | "(" expr ")"
type parser struct {
	tokens []string
	pos    int
}

func parseExpr(raw string) (Node, error) {
	tokens, err := tokenize(raw)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty filter expression")
	}

	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q in filter expression", p.tokens[p.pos])
	}
	return node, nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("OR") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "OR", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("AND") {
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "AND", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (Node, error) {
	if p.peekKeyword("NOT") || p.peek() == "!" {
		p.pos++
		child, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &notNode{child: child}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Node, error) {
	tok := p.peek()
	switch tok {
	case "":
		return nil, fmt.Errorf("unexpected end of filter expression")
	case "(":
		p.pos++
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis in filter expression")
		}
		p.pos++
		return node, nil
	case ")":
		return nil, fmt.Errorf("unexpected closing parenthesis in filter expression")
	default:
		p.pos++
		return &tagNode{tag: strings.ToLower(tok)}, nil
	}
}

func (p *parser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) peekKeyword(kw string) bool {
	return strings.EqualFold(p.peek(), kw)
}

func tokenize(raw string) ([]string, error) {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range raw {
		switch {
		case r == '(' || r == ')' || r == '!':
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsSpace(r) || r == ',':
			flush()
		case r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			return nil, fmt.Errorf("invalid character %q in filter expression", r)
		}
	}
	flush()

	return tokens, nil
}
