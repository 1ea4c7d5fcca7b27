package condition

import "strings"

// MatchAutoApproval reports whether metadata satisfies every rule.
//
// Rule shapes:
//
//	{"amount": 1000}                 metadata.amount <= 1000
//	{"amount": {"lt": 1000}}         operators: lt, lte, gt, gte, eq, ne
//	{"priority": "LOW"}              equality (strings compare case-insensitively)
//	{"expedite": true}               equality
//	{"when": "amount < 5 && urgent"} expression evaluated against metadata
//
// Empty or nil rules never match. A rule naming a key that is missing from
// metadata does not match.
func MatchAutoApproval(rules, metadata map[string]any) bool {
	if len(rules) == 0 {
		return false
	}
	for key, rule := range rules {
		if !matchRule(key, rule, metadata) {
			return false
		}
	}
	return true
}

func matchRule(key string, rule any, metadata map[string]any) bool {
	if key == "when" {
		expr, ok := rule.(string)
		if !ok {
			return false
		}
		ok, err := Evaluate(expr, metadata)
		return err == nil && ok
	}

	actual, present := metadata[key]
	if !present || actual == nil {
		return false
	}

	if _, ok := toNumber(rule); ok {
		return compare("<=", actual, rule)
	}

	switch r := rule.(type) {
	case string:
		s, ok := actual.(string)
		return ok && strings.EqualFold(s, r)
	case bool:
		b, ok := actual.(bool)
		return ok && b == r
	case map[string]any:
		if len(r) == 0 {
			return false
		}
		for op, bound := range r {
			cmp, ok := ruleOperators[strings.ToLower(op)]
			if !ok || !compare(cmp, actual, bound) {
				return false
			}
		}
		return true
	case []any:
		for _, candidate := range r {
			if compare("==", actual, candidate) {
				return true
			}
		}
		return false
	}
	return false
}

var ruleOperators = map[string]string{
	"lt":  "<",
	"lte": "<=",
	"gt":  ">",
	"gte": ">=",
	"eq":  "==",
	"ne":  "!=",
}
