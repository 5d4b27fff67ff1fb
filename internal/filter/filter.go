// Package filter implements tag-based selection of upstream MCP servers.
//
// An inbound session carries one Expression, parsed from its `preset`,
// `tag-filter`, or legacy `tags` parameter. The expression is evaluated
// against each upstream server's tag set to decide whether that server's
// capabilities are visible to the session.
package filter

import (
	"fmt"
	"sort"
	"strings"
)

// Mode describes how an Expression combines its tags.
type Mode string

const (
	// ModeOr matches servers sharing at least one tag with the expression.
	ModeOr Mode = "or"

	// ModeAnd matches servers whose tag set contains every expression tag.
	ModeAnd Mode = "and"

	// ModeExpr matches servers satisfying a boolean expression over tag atoms.
	ModeExpr Mode = "expr"
)

// Expression is a normalized tag filter. The zero value matches everything.
type Expression struct {
	Mode Mode

	// Tags is the flat tag list for ModeOr and ModeAnd.
	Tags []string

	// Root is the expression tree for ModeExpr.
	Root Node
}

// All returns the match-everything expression used when a session supplies
// no filter or its preset fails to resolve.
func All() *Expression {
	return &Expression{}
}

// IsAll reports whether the expression matches every server.
func (e *Expression) IsAll() bool {
	if e == nil {
		return true
	}
	switch e.Mode {
	case ModeExpr:
		return e.Root == nil
	default:
		return len(e.Tags) == 0
	}
}

// ParseSimple builds an OR or AND expression from a comma- or
// space-separated tag list.
func ParseSimple(mode Mode, raw string) (*Expression, error) {
	if mode != ModeOr && mode != ModeAnd {
		return nil, fmt.Errorf("unsupported filter mode %q", mode)
	}

	tags := splitTags(raw)
	expr := &Expression{Mode: mode, Tags: tags}
	expr.Normalize()
	return expr, nil
}

// Parse builds an Expression from a raw filter string. Strings containing
// boolean operators or parentheses are parsed as ModeExpr; everything else
// is treated as an OR tag list.
func Parse(raw string) (*Expression, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return All(), nil
	}

	if isAdvanced(raw) {
		root, err := parseExpr(raw)
		if err != nil {
			return nil, err
		}
		expr := &Expression{Mode: ModeExpr, Root: root}
		expr.Normalize()
		return expr, nil
	}

	return ParseSimple(ModeOr, raw)
}

// isAdvanced reports whether the raw filter needs the expression parser.
func isAdvanced(raw string) bool {
	if strings.ContainsAny(raw, "()!") {
		return true
	}
	for _, word := range strings.Fields(raw) {
		switch strings.ToUpper(word) {
		case "AND", "OR", "NOT":
			return true
		}
	}
	return false
}

// Normalize lower-cases all tags and removes duplicates, keeping the
// result order-stable for comparison and logging.
func (e *Expression) Normalize() {
	if e == nil {
		return
	}
	if e.Mode == ModeExpr {
		if e.Root != nil {
			e.Root = e.Root.normalize()
		}
		return
	}

	seen := make(map[string]bool, len(e.Tags))
	normalized := e.Tags[:0]
	for _, tag := range e.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		normalized = append(normalized, tag)
	}
	sort.Strings(normalized)
	e.Tags = normalized
}

// Matches evaluates the expression against a server's tag set.
func (e *Expression) Matches(tags []string) bool {
	if e.IsAll() {
		return true
	}

	set := make(map[string]bool, len(tags))
	for _, tag := range tags {
		set[strings.ToLower(tag)] = true
	}

	switch e.Mode {
	case ModeAnd:
		for _, tag := range e.Tags {
			if !set[tag] {
				return false
			}
		}
		return true
	case ModeExpr:
		return e.Root.eval(set)
	default: // ModeOr
		for _, tag := range e.Tags {
			if set[tag] {
				return true
			}
		}
		return false
	}
}

// String renders the expression for logs and diagnostics.
func (e *Expression) String() string {
	if e.IsAll() {
		return "all"
	}
	switch e.Mode {
	case ModeAnd:
		return strings.Join(e.Tags, " AND ")
	case ModeExpr:
		return e.Root.String()
	default:
		return strings.Join(e.Tags, " OR ")
	}
}

func splitTags(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	return fields
}
