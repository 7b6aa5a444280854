package filter

import "strings"

// Features is the set of operator families a filterable-attribute rule
// grants.
type Features struct {
	Filterable bool `json:"filterable"`
	Equality   bool `json:"equality"`
	Comparison bool `json:"comparison"`
	Empty      bool `json:"empty"`
	Null       bool `json:"null"`
	Exists     bool `json:"exists"`
}

// AllFeatures grants everything, the default for a plain field rule.
func AllFeatures() Features {
	return Features{Filterable: true, Equality: true, Comparison: true, Empty: true, Null: true, Exists: true}
}

// AllowedOperators lists the operators the feature set permits, for error
// messages.
func (f Features) AllowedOperators() []string {
	var ops []string
	if f.Equality {
		ops = append(ops, "=", "!=", "IN", "CONTAINS", "STARTS WITH")
	}
	if f.Comparison {
		ops = append(ops, "<", ">", "<=", ">=", "TO")
	}
	if f.Empty {
		ops = append(ops, "IS EMPTY")
	}
	if f.Null {
		ops = append(ops, "IS NULL")
	}
	if f.Exists {
		ops = append(ops, "EXISTS")
	}
	return ops
}

// allows reports whether the feature set permits the operator. Contains and
// StartsWith ride on equality.
func (f Features) allows(op OpKind) bool {
	switch op {
	case OpEqual, OpNotEqual, OpContains, OpStartsWith:
		return f.Equality
	case OpGreaterThan, OpGreaterThanOrEqual, OpLowerThan, OpLowerThanOrEqual, OpBetween:
		return f.Comparison
	case OpEmpty:
		return f.Empty
	case OpNull:
		return f.Null
	case OpExists:
		return f.Exists
	default:
		return false
	}
}

// AttributeRule pairs a pattern with the features it grants. The ordered
// rule list is matched first-rule-wins; the winning rule's position is the
// rule index user errors refer to.
type AttributeRule struct {
	Pattern  string   `json:"pattern"`
	Features Features `json:"features"`
}

// FieldRule is the common single-field rule with every feature enabled.
func FieldRule(name string) AttributeRule {
	return AttributeRule{Pattern: name, Features: AllFeatures()}
}

// matchesPattern reports whether field matches pattern: exactly, as a
// nested subfield (pattern `a` covers `a.b`), or by a trailing-star
// wildcard.
func matchesPattern(pattern, field string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(field, prefix)
	}
	return field == pattern || strings.HasPrefix(field, pattern+".")
}

// MatchingFeatures finds the first rule matching field, returning its index
// and features.
func MatchingFeatures(field string, rules []AttributeRule) (int, Features, bool) {
	for i, rule := range rules {
		if matchesPattern(rule.Pattern, field) {
			return i, rule.Features, true
		}
	}
	return 0, Features{}, false
}

// FilterablePatterns collects the patterns of every rule whose features
// pass the predicate, for the AttributeNotFilterable error.
func FilterablePatterns(rules []AttributeRule, pred func(Features) bool) []string {
	var out []string
	for _, rule := range rules {
		if pred(rule.Features) {
			out = append(out, rule.Pattern)
		}
	}
	return out
}
