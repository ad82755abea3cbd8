package orchestrator

import (
	"fmt"
	"regexp"
)

// matchFilter evaluates a MongoDB-like filter expression against a metadata
// document, per §4.10's post-filter contract:
// $eq/$gt/$gte/$lt/$lte/$ne/$in/$nin/$and/$or/$not/$exists/$regex/$includes/
// $all/$size.
func matchFilter(doc map[string]interface{}, filter map[string]interface{}) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			clauses, ok := cond.([]map[string]interface{})
			if !ok {
				clauses = toMapSlice(cond)
			}
			for _, c := range clauses {
				if !matchFilter(doc, c) {
					return false
				}
			}
		case "$or":
			clauses := toMapSlice(cond)
			matched := false
			for _, c := range clauses {
				if matchFilter(doc, c) {
					matched = true
					break
				}
			}
			if !matched && len(clauses) > 0 {
				return false
			}
		case "$not":
			sub, ok := cond.(map[string]interface{})
			if ok && matchFilter(doc, sub) {
				return false
			}
		default:
			if !matchField(doc[key], cond) {
				return false
			}
		}
	}
	return true
}

func toMapSlice(v interface{}) []map[string]interface{} {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// matchField evaluates one field's condition, which is either an operator
// document ({"$gt": 5}) or a bare value meaning implicit $eq.
func matchField(value interface{}, cond interface{}) bool {
	ops, ok := cond.(map[string]interface{})
	if !ok {
		return compareEq(value, cond)
	}
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !compareEq(value, arg) {
				return false
			}
		case "$ne":
			if compareEq(value, arg) {
				return false
			}
		case "$gt":
			if compareNum(value, arg) <= 0 {
				return false
			}
		case "$gte":
			if compareNum(value, arg) < 0 {
				return false
			}
		case "$lt":
			if compareNum(value, arg) >= 0 {
				return false
			}
		case "$lte":
			if compareNum(value, arg) > 0 {
				return false
			}
		case "$in":
			if !containsAny(arg, value) {
				return false
			}
		case "$nin":
			if containsAny(arg, value) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if (value != nil) != want {
				return false
			}
		case "$regex":
			pattern, _ := arg.(string)
			s := fmt.Sprintf("%v", value)
			re, err := regexp.Compile(pattern)
			if err != nil || !re.MatchString(s) {
				return false
			}
		case "$includes":
			if !sliceIncludes(value, arg) {
				return false
			}
		case "$all":
			wanted, ok := arg.([]interface{})
			if !ok {
				return false
			}
			for _, w := range wanted {
				if !sliceIncludes(value, w) {
					return false
				}
			}
		case "$size":
			n, ok := value.([]interface{})
			if !ok || float64(len(n)) != toFloat(arg) {
				return false
			}
		default:
			// Unknown operator: fail closed rather than silently matching.
			return false
		}
	}
	return true
}

func compareEq(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func compareNum(a, b interface{}) int {
	fa, fb := toFloat(a), toFloat(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

func containsAny(set interface{}, value interface{}) bool {
	items, ok := set.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if compareEq(item, value) {
			return true
		}
	}
	return false
}

func sliceIncludes(value interface{}, target interface{}) bool {
	items, ok := value.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if compareEq(item, target) {
			return true
		}
	}
	return false
}
