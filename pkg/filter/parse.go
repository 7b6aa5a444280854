package filter

import (
	"fmt"
	"strings"
)

// parser is a hand-rolled recursive-descent parser for the textual filter
// grammar: infix AND/OR/NOT, comparison operators, TO ranges, IN sets,
// existence predicates, substring predicates and the two geo functions.
// Values are bare words or single-/double-quoted strings with \', \" and
// \\ escapes.
type parser struct {
	src string
	pos int
}

// parseExpression parses a whole expression. A blank input yields nil.
func parseExpression(src string) (*Node, error) {
	p := &parser{src: src}
	p.skipSpace()
	if p.eof() {
		return nil, nil
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorHere("Found unexpected characters at the end of the filter: `%s`. You probably forgot an `OR` or an `AND` rule.", p.src[p.pos:])
	}
	return node, nil
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.src[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

// lineCol converts a byte offset to a 1-based line and column.
func (p *parser) lineCol(pos int) (int, int) {
	line, col := 1, 1
	for i := 0; i < pos && i < len(p.src); i++ {
		if p.src[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// token builds a Token spanning src[start:end) carrying decoded text.
func (p *parser) token(start, end int, text string) Token {
	line, col := p.lineCol(start)
	return Token{Text: text, Span: Span{Line: line, Col: col, Len: end - start}, Source: p.src}
}

func (p *parser) errorAt(start, end int, format string, args ...any) error {
	return &InvalidFilterError{
		Message: fmt.Sprintf(format, args...),
		Token:   p.token(start, end, p.src[start:end]),
	}
}

func (p *parser) errorHere(format string, args ...any) error {
	end := p.pos + 1
	if end > len(p.src) {
		end = len(p.src)
	}
	return p.errorAt(p.pos, end, format, args...)
}

// isBoundary reports a byte that terminates a bare word or a keyword.
func isBoundary(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '(', ')', '[', ']', '{', '}', '=', '<', '>', '!', ',', '\'', '"':
		return true
	}
	return false
}

// keyword consumes kw when it appears at the cursor followed by a
// boundary. Keywords are uppercase and case-sensitive.
func (p *parser) keyword(kw string) bool {
	p.skipSpace()
	if !strings.HasPrefix(p.src[p.pos:], kw) {
		return false
	}
	end := p.pos + len(kw)
	if end < len(p.src) && !isBoundary(p.src[end]) {
		return false
	}
	p.pos = end
	return true
}

// symbol consumes a literal operator token such as "(" or ">=".
func (p *parser) symbol(s string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *parser) expectSymbol(s string) error {
	if !p.symbol(s) {
		return p.errorHere("Expected `%s`.", s)
	}
	return nil
}

func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Node{Kind: NodeOr, Children: children}, nil
}

func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for p.keyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Node{Kind: NodeAnd, Children: children}, nil
}

func (p *parser) parseNot() (*Node, error) {
	if p.keyword("NOT") {
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: NodeNot, Children: []*Node{child}}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Node, error) {
	p.skipSpace()
	if p.eof() {
		return nil, p.errorHere("Was expecting a value but instead got nothing.")
	}
	if p.symbol("(") {
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return node, nil
	}
	if p.keyword("_geoRadius") {
		return p.parseGeoRadius()
	}
	if p.keyword("_geoBoundingBox") {
		return p.parseGeoBoundingBox()
	}
	if p.keyword("_geoPoint") || p.keyword("_geoDistance") {
		return nil, p.errorHere("`_geoPoint` and `_geoDistance` are invalid filters. Use `_geoRadius` or `_geoBoundingBox`.")
	}

	field, err := p.parseValue("a field name")
	if err != nil {
		return nil, err
	}
	return p.parseOperatorFor(field)
}

func (p *parser) parseOperatorFor(field Token) (*Node, error) {
	switch {
	case p.keyword("IN"):
		if err := p.expectSymbol("["); err != nil {
			return nil, err
		}
		var values []Token
		p.skipSpace()
		if !p.symbol("]") {
			for {
				v, err := p.parseValue("a value")
				if err != nil {
					return nil, err
				}
				values = append(values, v)
				if p.symbol(",") {
					continue
				}
				if err := p.expectSymbol("]"); err != nil {
					return nil, err
				}
				break
			}
		}
		return &Node{Kind: NodeIn, Field: field, Values: values}, nil

	case p.keyword("EXISTS"):
		return condition(field, Operator{Kind: OpExists}), nil

	case p.keyword("NOT"):
		switch {
		case p.keyword("EXISTS"):
			return not(condition(field, Operator{Kind: OpExists})), nil
		case p.keyword("CONTAINS"):
			v, err := p.parseValue("a value")
			if err != nil {
				return nil, err
			}
			return not(condition(field, Operator{Kind: OpContains, Value: v})), nil
		case p.keyword("STARTS"):
			if !p.keyword("WITH") {
				return nil, p.errorHere("Expected `WITH` after `STARTS`.")
			}
			v, err := p.parseValue("a value")
			if err != nil {
				return nil, err
			}
			return not(condition(field, Operator{Kind: OpStartsWith, Value: v})), nil
		default:
			return nil, p.errorHere("Expected `EXISTS`, `CONTAINS` or `STARTS WITH` after `NOT`.")
		}

	case p.keyword("IS"):
		negated := p.keyword("NOT")
		var op Operator
		switch {
		case p.keyword("NULL"):
			op = Operator{Kind: OpNull}
		case p.keyword("EMPTY"):
			op = Operator{Kind: OpEmpty}
		default:
			return nil, p.errorHere("Expected `NULL` or `EMPTY` after `IS`.")
		}
		node := condition(field, op)
		if negated {
			node = not(node)
		}
		return node, nil

	case p.keyword("CONTAINS"):
		v, err := p.parseValue("a value")
		if err != nil {
			return nil, err
		}
		return condition(field, Operator{Kind: OpContains, Value: v}), nil

	case p.keyword("STARTS"):
		if !p.keyword("WITH") {
			return nil, p.errorHere("Expected `WITH` after `STARTS`.")
		}
		v, err := p.parseValue("a value")
		if err != nil {
			return nil, err
		}
		return condition(field, Operator{Kind: OpStartsWith, Value: v}), nil

	case p.symbol("!="):
		v, err := p.parseValue("a value")
		if err != nil {
			return nil, err
		}
		return condition(field, Operator{Kind: OpNotEqual, Value: v}), nil

	case p.symbol(">="):
		v, err := p.parseValue("a value")
		if err != nil {
			return nil, err
		}
		return condition(field, Operator{Kind: OpGreaterThanOrEqual, Value: v}), nil

	case p.symbol("<="):
		v, err := p.parseValue("a value")
		if err != nil {
			return nil, err
		}
		return condition(field, Operator{Kind: OpLowerThanOrEqual, Value: v}), nil

	case p.symbol("="):
		v, err := p.parseValue("a value")
		if err != nil {
			return nil, err
		}
		return condition(field, Operator{Kind: OpEqual, Value: v}), nil

	case p.symbol(">"):
		v, err := p.parseValue("a value")
		if err != nil {
			return nil, err
		}
		return condition(field, Operator{Kind: OpGreaterThan, Value: v}), nil

	case p.symbol("<"):
		v, err := p.parseValue("a value")
		if err != nil {
			return nil, err
		}
		return condition(field, Operator{Kind: OpLowerThan, Value: v}), nil

	default:
		// `field low TO high` ranges: the next token must be a value
		// followed by the TO keyword.
		from, err := p.parseValue("an operator or a range")
		if err != nil {
			return nil, err
		}
		if !p.keyword("TO") {
			return nil, p.errorHere("Expected `TO` to form a `%s <from> TO <to>` range.", field.Value())
		}
		to, err := p.parseValue("a value")
		if err != nil {
			return nil, err
		}
		return condition(field, Operator{Kind: OpBetween, Value: from, To: to}), nil
	}
}

func condition(field Token, op Operator) *Node {
	return &Node{Kind: NodeCondition, Field: field, Op: op}
}

func not(child *Node) *Node {
	return &Node{Kind: NodeNot, Children: []*Node{child}}
}

func (p *parser) parseGeoRadius() (*Node, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var args [3]Token
	for i := range args {
		if i > 0 {
			if err := p.expectSymbol(","); err != nil {
				return nil, err
			}
		}
		v, err := p.parseValue("a coordinate")
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &Node{Kind: NodeGeoRadius, Point: [2]Token{args[0], args[1]}, Radius: args[2]}, nil
}

func (p *parser) parseGeoBoundingBox() (*Node, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var corners [2][2]Token
	for i := range corners {
		if i > 0 {
			if err := p.expectSymbol(","); err != nil {
				return nil, err
			}
		}
		if err := p.expectSymbol("["); err != nil {
			return nil, err
		}
		for j := range corners[i] {
			if j > 0 {
				if err := p.expectSymbol(","); err != nil {
					return nil, err
				}
			}
			v, err := p.parseValue("a coordinate")
			if err != nil {
				return nil, err
			}
			corners[i][j] = v
		}
		if err := p.expectSymbol("]"); err != nil {
			return nil, err
		}
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &Node{Kind: NodeGeoBoundingBox, TopRight: corners[0], BottomLeft: corners[1]}, nil
}

// parseValue reads a quoted string or a bare word.
func (p *parser) parseValue(expected string) (Token, error) {
	p.skipSpace()
	if p.eof() {
		return Token{}, p.errorHere("Was expecting %s but instead got nothing.", expected)
	}

	c := p.src[p.pos]
	if c == '\'' || c == '"' {
		return p.parseQuoted(c)
	}

	start := p.pos
	for !p.eof() && !isBoundary(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return Token{}, p.errorHere("Was expecting %s but instead got `%c`.", expected, c)
	}
	return p.token(start, p.pos, p.src[start:p.pos]), nil
}

// parseQuoted reads a string delimited by quote, decoding \', \" and \\.
func (p *parser) parseQuoted(quote byte) (Token, error) {
	openPos := p.pos
	p.pos++ // opening quote
	start := p.pos
	var b strings.Builder
	for !p.eof() {
		c := p.src[p.pos]
		switch c {
		case quote:
			tok := p.token(start, p.pos, b.String())
			p.pos++ // closing quote
			return tok, nil
		case '\\':
			if p.pos+1 >= len(p.src) {
				return Token{}, p.errorAt(p.pos, p.pos+1, "Unfinished escape sequence.")
			}
			next := p.src[p.pos+1]
			switch next {
			case '\'', '"', '\\':
				b.WriteByte(next)
				p.pos += 2
			default:
				// keep unknown escapes verbatim
				b.WriteByte(c)
				b.WriteByte(next)
				p.pos += 2
			}
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return Token{}, p.errorAt(openPos, openPos+1, "Expression `%s` is missing the following closing delimiter: `%c`.", p.src[start:], quote)
}
