package condition

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
)

func (n *literal) eval(map[string]any) any { return n.v }

func (n *pathNode) eval(vars map[string]any) any {
	var cur any = vars
	for _, seg := range n.segments {
		cur = lookup(cur, seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func lookup(cur any, seg pathSegment) any {
	switch v := cur.(type) {
	case map[string]any:
		return v[seg.key]
	case []any:
		if seg.isIdx && seg.index >= 0 && seg.index < len(v) {
			return v[seg.index]
		}
		return nil
	}

	// Typed maps and slices coming from Go callers.
	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		out := rv.MapIndex(reflect.ValueOf(seg.key).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil
		}
		return out.Interface()
	case reflect.Slice, reflect.Array:
		if seg.isIdx && seg.index >= 0 && seg.index < rv.Len() {
			return rv.Index(seg.index).Interface()
		}
	}
	return nil
}

func (n *notNode) eval(vars map[string]any) any {
	return !truthy(n.x.eval(vars))
}

func (n *logicalNode) eval(vars map[string]any) any {
	l := truthy(n.l.eval(vars))
	if n.op == "&&" {
		return l && truthy(n.r.eval(vars))
	}
	return l || truthy(n.r.eval(vars))
}

func (n *compareNode) eval(vars map[string]any) any {
	l, r := n.l.eval(vars), n.r.eval(vars)
	if (l == nil || r == nil) && !isNullLiteral(n.l) && !isNullLiteral(n.r) {
		// An unknown variable makes every comparison false, != included.
		return false
	}
	return compare(n.op, l, r)
}

func isNullLiteral(n node) bool {
	lit, ok := n.(*literal)
	return ok && lit.v == nil
}

// compare never panics. A nil operand stands for an explicit null: only
// == and != can be true. Callers filter out unknown values first.
func compare(op string, l, r any) bool {
	if l == nil || r == nil {
		switch op {
		case "==":
			return l == nil && r == nil
		case "!=":
			return (l == nil) != (r == nil)
		}
		return false
	}

	if ln, ok := toNumber(l); ok {
		if rn, ok := toNumber(r); ok {
			return compareNumbers(op, ln, rn)
		}
		return op == "!="
	}

	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		if !ok {
			return op == "!="
		}
		switch op {
		case "==":
			return lv == rv
		case "!=":
			return lv != rv
		case ">":
			return lv > rv
		case ">=":
			return lv >= rv
		case "<":
			return lv < rv
		case "<=":
			return lv <= rv
		}
	case bool:
		rv, ok := r.(bool)
		if !ok {
			return op == "!="
		}
		switch op {
		case "==":
			return lv == rv
		case "!=":
			return lv != rv
		}
	}
	return false
}

// number keeps integers exact so int64 values beyond 2^53 compare correctly.
type number struct {
	i     int64
	f     float64
	isInt bool
}

func toNumber(v any) (number, bool) {
	switch n := v.(type) {
	case int:
		return number{i: int64(n), isInt: true}, true
	case int8:
		return number{i: int64(n), isInt: true}, true
	case int16:
		return number{i: int64(n), isInt: true}, true
	case int32:
		return number{i: int64(n), isInt: true}, true
	case int64:
		return number{i: n, isInt: true}, true
	case uint:
		return fromUint(uint64(n))
	case uint8:
		return number{i: int64(n), isInt: true}, true
	case uint16:
		return number{i: int64(n), isInt: true}, true
	case uint32:
		return number{i: int64(n), isInt: true}, true
	case uint64:
		return fromUint(n)
	case float32:
		return number{f: float64(n)}, true
	case float64:
		return number{f: n}, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return number{i: i, isInt: true}, true
		}
		if f, err := n.Float64(); err == nil {
			return number{f: f}, true
		}
	case string:
		// Numeric strings are not coerced; "10" and 10 are different values.
		return number{}, false
	}
	return number{}, false
}

func fromUint(u uint64) (number, bool) {
	if u > math.MaxInt64 {
		return number{f: float64(u)}, true
	}
	return number{i: int64(u), isInt: true}, true
}

func (n number) float() float64 {
	if n.isInt {
		return float64(n.i)
	}
	return n.f
}

func compareNumbers(op string, l, r number) bool {
	var c int
	if l.isInt && r.isInt {
		switch {
		case l.i < r.i:
			c = -1
		case l.i > r.i:
			c = 1
		}
	} else {
		lf, rf := l.float(), r.float()
		if math.IsNaN(lf) || math.IsNaN(rf) {
			return op == "!="
		}
		switch {
		case lf < rf:
			c = -1
		case lf > rf:
			c = 1
		}
	}
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(x)
		if err == nil {
			return b
		}
		return x != ""
	}
	if n, ok := toNumber(v); ok {
		return n.float() != 0
	}
	return true
}
