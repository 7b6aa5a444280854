package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Error is implemented by every user-input error of this package. Code is a
// stable machine identifier; the Error method renders the human message,
// followed by the line:col span and the offending slice of the expression
// when one is known.
type Error interface {
	error
	Code() string
}

// spanSuffix formats the trailing "line:col slice" pointer shared by every
// span-carrying error.
func spanSuffix(t Token) string {
	if t.Source == "" {
		return ""
	}
	start := 0
	for line := 1; line < t.Span.Line; line++ {
		start += strings.IndexByte(t.Source[start:], '\n') + 1
	}
	start += t.Span.Col - 1
	end := start + t.Span.Len
	if start < 0 || start > end || end > len(t.Source) {
		return fmt.Sprintf("\n%d:%d", t.Span.Line, t.Span.Col)
	}
	return fmt.Sprintf("\n%d:%d %s", t.Span.Line, t.Span.Col, t.Source[start:end])
}

// InvalidFilterError reports a malformed expression.
type InvalidFilterError struct {
	Message string
	Token   Token
}

func (e *InvalidFilterError) Code() string { return "invalid_filter" }
func (e *InvalidFilterError) Error() string {
	return e.Message + spanSuffix(e.Token)
}

// InvalidFilterExpressionError reports a structured filter whose JSON shape
// is wrong.
type InvalidFilterExpressionError struct {
	Expected []string
	Got      string
}

func (e *InvalidFilterExpressionError) Code() string { return "invalid_filter_expression" }
func (e *InvalidFilterExpressionError) Error() string {
	return fmt.Sprintf(
		"Invalid syntax for the filter parameter: expected %s, found %s.",
		strings.Join(e.Expected, " or "), e.Got,
	)
}

// AttributeNotFilterableError reports a filter over a field no rule marks
// filterable.
type AttributeNotFilterableError struct {
	Attribute         string
	AvailablePatterns []string
	Token             Token
}

func (e *AttributeNotFilterableError) Code() string { return "invalid_filter_attribute" }
func (e *AttributeNotFilterableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attribute `%s` is not filterable.", e.Attribute)
	if len(e.AvailablePatterns) == 0 {
		b.WriteString(" This index does not have configured filterable attributes.")
	} else {
		patterns := append([]string(nil), e.AvailablePatterns...)
		sort.Strings(patterns)
		b.WriteString(" Available filterable attribute patterns are: ")
		for i, p := range patterns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "`%s`", p)
		}
		b.WriteString(".")
	}
	return b.String() + spanSuffix(e.Token)
}

// OperatorNotAllowedError reports an operator the matched rule's feature
// set forbids for the field.
type OperatorNotAllowedError struct {
	Field     string
	Operator  string
	Allowed   []string
	RuleIndex int
	Token     Token
}

func (e *OperatorNotAllowedError) Code() string { return "invalid_filter_operator" }
func (e *OperatorNotAllowedError) Error() string {
	return fmt.Sprintf(
		"Filter operator `%s` is not allowed for the attribute `%s` (rule #%d). Allowed operators: %s.",
		e.Operator, e.Field, e.RuleIndex, strings.Join(e.Allowed, ", "),
	) + spanSuffix(e.Token)
}

// TooDeepError reports an AST exceeding MaxFilterDepth.
type TooDeepError struct {
	Token Token
}

func (e *TooDeepError) Code() string { return "invalid_filter_depth" }
func (e *TooDeepError) Error() string {
	return fmt.Sprintf(
		"Too many filter conditions, can't process more than %d filters.", MaxFilterDepth,
	) + spanSuffix(e.Token)
}

// BadGeoKind discriminates geo validation failures.
type BadGeoKind uint8

const (
	BadGeoLat BadGeoKind = iota
	BadGeoLng
	BadGeoBoundingBoxTopIsBelowBottom
)

// BadGeoError reports an out-of-range coordinate or an inverted bounding
// box.
type BadGeoError struct {
	Kind   BadGeoKind
	Value  float64 // the offending latitude or longitude; the top for boxes
	Second float64 // the bottom latitude for inverted boxes
	Token  Token
}

func (e *BadGeoError) Code() string { return "invalid_filter_geo" }
func (e *BadGeoError) Error() string {
	var msg string
	switch e.Kind {
	case BadGeoLat:
		msg = fmt.Sprintf(
			"Bad latitude `%s`. Latitude must be contained between -90 and 90 degrees. ",
			formatFloat(e.Value),
		)
	case BadGeoLng:
		msg = fmt.Sprintf(
			"Bad longitude `%s`. Longitude must be contained between -180 and 180 degrees. ",
			formatFloat(e.Value),
		)
	default:
		msg = fmt.Sprintf(
			"The top latitude `%s` is below the bottom latitude `%s`.",
			formatFloat(e.Value), formatFloat(e.Second),
		)
	}
	return msg + spanSuffix(e.Token)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// StoreError reports a decode or encode failure against a named store, the
// internal-error side of the taxonomy.
type StoreError struct {
	Store string
	Op    string // "decoding" or "encoding"
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s error against store `%s`: %v", e.Op, e.Store, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
