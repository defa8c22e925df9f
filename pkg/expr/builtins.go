package expr

import (
	"hash/fnv"
	"math"
	"sort"

	"github.com/quillframe/quill/pkg/value"
)

// builtinFunc is a safe, side-effect free builtin callable from expressions.
type builtinFunc func(args []any) (any, error)

// builtinNames is consulted at parse time: only these identifiers may appear
// in call position.
var builtinNames = map[string]bool{
	"abs": true, "min": true, "max": true, "len": true, "sum": true,
	"round": true, "int": true, "float": true, "str": true, "bool": true,
	"list": true, "dict": true, "tuple": true, "sorted": true, "range": true,
	"enumerate": true, "zip": true, "isinstance": true, "all": true,
	"any": true, "hash": true,
}

var builtins = map[string]builtinFunc{
	"abs":        builtinAbs,
	"min":        builtinMin,
	"max":        builtinMax,
	"len":        builtinLen,
	"sum":        builtinSum,
	"round":      builtinRound,
	"int":        builtinInt,
	"float":      builtinFloat,
	"str":        builtinStr,
	"bool":       builtinBool,
	"list":       builtinList,
	"dict":       builtinDict,
	"tuple":      builtinList, // tuples are lists in this value model
	"sorted":     builtinSorted,
	"range":      builtinRange,
	"enumerate":  builtinEnumerate,
	"zip":        builtinZip,
	"isinstance": builtinIsInstance,
	"all":        builtinAll,
	"any":        builtinAny,
	"hash":       builtinHash,
}

func argCount(name string, args []any, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return runtimeErrorf("%s: wrong number of arguments (%d)", name, len(args))
	}
	return nil
}

func builtinAbs(args []any) (any, error) {
	if err := argCount("abs", args, 1, 1); err != nil {
		return nil, err
	}
	if i, ok := value.Normalize(args[0]).(int64); ok {
		if i < 0 {
			return -i, nil
		}
		return i, nil
	}
	f, ok := value.AsFloat(args[0])
	if !ok {
		return nil, runtimeErrorf("abs: not a number")
	}
	return math.Abs(f), nil
}

func minMax(name string, args []any, want int) (any, error) {
	items := args
	if len(args) == 1 {
		list, ok := value.Normalize(args[0]).([]any)
		if !ok {
			return nil, runtimeErrorf("%s: single argument must be a list", name)
		}
		items = list
	}
	if len(items) == 0 {
		return nil, runtimeErrorf("%s: empty sequence", name)
	}
	best := value.Normalize(items[0])
	for _, item := range items[1:] {
		cmp, ok := value.Compare(item, best)
		if !ok {
			return nil, runtimeErrorf("%s: unorderable values", name)
		}
		if cmp == want {
			best = value.Normalize(item)
		}
	}
	return best, nil
}

func builtinMin(args []any) (any, error) { return minMax("min", args, -1) }
func builtinMax(args []any) (any, error) { return minMax("max", args, 1) }

func builtinLen(args []any) (any, error) {
	if err := argCount("len", args, 1, 1); err != nil {
		return nil, err
	}
	n, ok := value.Len(args[0])
	if !ok {
		return nil, runtimeErrorf("len: %s has no length", value.KindOf(args[0]))
	}
	return int64(n), nil
}

func builtinSum(args []any) (any, error) {
	if err := argCount("sum", args, 1, 2); err != nil {
		return nil, err
	}
	list, ok := value.Normalize(args[0]).([]any)
	if !ok {
		return nil, runtimeErrorf("sum: not a list")
	}
	var acc any = int64(0)
	if len(args) == 2 {
		acc = value.Normalize(args[1])
	}
	for _, item := range list {
		next, err := evalArith("+", acc, item)
		if err != nil {
			return nil, err
		}
		acc = next
	}
	return acc, nil
}

func builtinRound(args []any) (any, error) {
	if err := argCount("round", args, 1, 2); err != nil {
		return nil, err
	}
	f, ok := value.AsFloat(args[0])
	if !ok {
		return nil, runtimeErrorf("round: not a number")
	}
	digits := int64(0)
	if len(args) == 2 {
		d, ok := value.AsInt(args[1])
		if !ok {
			return nil, runtimeErrorf("round: digits must be an integer")
		}
		digits = d
	}
	if digits == 0 {
		return int64(math.Round(f)), nil
	}
	scale := math.Pow(10, float64(digits))
	return math.Round(f*scale) / scale, nil
}

func builtinInt(args []any) (any, error) {
	if err := argCount("int", args, 1, 1); err != nil {
		return nil, err
	}
	switch n := value.Normalize(args[0]).(type) {
	case int64:
		return n, nil
	case float64:
		return int64(math.Trunc(n)), nil
	default:
		if i, ok := value.AsInt(args[0]); ok {
			return i, nil
		}
		if f, ok := value.AsFloat(args[0]); ok {
			return int64(math.Trunc(f)), nil
		}
		return nil, runtimeErrorf("int: cannot convert %s", value.KindOf(args[0]))
	}
}

func builtinFloat(args []any) (any, error) {
	if err := argCount("float", args, 1, 1); err != nil {
		return nil, err
	}
	f, ok := value.AsFloat(args[0])
	if !ok {
		return nil, runtimeErrorf("float: cannot convert %s", value.KindOf(args[0]))
	}
	return f, nil
}

func builtinStr(args []any) (any, error) {
	if err := argCount("str", args, 1, 1); err != nil {
		return nil, err
	}
	return value.Stringify(args[0]), nil
}

func builtinBool(args []any) (any, error) {
	if err := argCount("bool", args, 1, 1); err != nil {
		return nil, err
	}
	return value.Truthy(args[0]), nil
}

func builtinList(args []any) (any, error) {
	if len(args) == 0 {
		return []any{}, nil
	}
	if err := argCount("list", args, 1, 1); err != nil {
		return nil, err
	}
	switch n := value.Normalize(args[0]).(type) {
	case []any:
		out := make([]any, len(n))
		copy(out, n)
		return out, nil
	case string:
		out := make([]any, 0, len(n))
		for _, r := range n {
			out = append(out, string(r))
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	default:
		return nil, runtimeErrorf("list: cannot convert %s", value.KindOf(args[0]))
	}
}

func builtinDict(args []any) (any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	if err := argCount("dict", args, 1, 1); err != nil {
		return nil, err
	}
	if m, ok := value.Normalize(args[0]).(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	}
	return nil, runtimeErrorf("dict: cannot convert %s", value.KindOf(args[0]))
}

func builtinSorted(args []any) (any, error) {
	if err := argCount("sorted", args, 1, 1); err != nil {
		return nil, err
	}
	list, ok := value.Normalize(args[0]).([]any)
	if !ok {
		return nil, runtimeErrorf("sorted: not a list")
	}
	out := make([]any, len(list))
	copy(out, list)
	var sortErr error
	sort.SliceStable(out, func(i, j int) bool {
		cmp, ok := value.Compare(out[i], out[j])
		if !ok && sortErr == nil {
			sortErr = runtimeErrorf("sorted: unorderable values")
		}
		return cmp < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return out, nil
}

func builtinRange(args []any) (any, error) {
	if err := argCount("range", args, 1, 3); err != nil {
		return nil, err
	}
	nums := make([]int64, len(args))
	for i, arg := range args {
		n, ok := value.AsInt(arg)
		if !ok {
			return nil, runtimeErrorf("range: arguments must be integers")
		}
		nums[i] = n
	}
	start, stop, step := int64(0), int64(0), int64(1)
	switch len(nums) {
	case 1:
		stop = nums[0]
	case 2:
		start, stop = nums[0], nums[1]
	case 3:
		start, stop, step = nums[0], nums[1], nums[2]
	}
	if step == 0 {
		return nil, runtimeErrorf("range: step cannot be zero")
	}
	var out []any
	if step > 0 {
		for i := start; i < stop; i += step {
			out = append(out, i)
		}
	} else {
		for i := start; i > stop; i += step {
			out = append(out, i)
		}
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func builtinEnumerate(args []any) (any, error) {
	if err := argCount("enumerate", args, 1, 2); err != nil {
		return nil, err
	}
	list, ok := value.Normalize(args[0]).([]any)
	if !ok {
		return nil, runtimeErrorf("enumerate: not a list")
	}
	start := int64(0)
	if len(args) == 2 {
		s, ok := value.AsInt(args[1])
		if !ok {
			return nil, runtimeErrorf("enumerate: start must be an integer")
		}
		start = s
	}
	out := make([]any, len(list))
	for i, item := range list {
		out[i] = []any{start + int64(i), item}
	}
	return out, nil
}

func builtinZip(args []any) (any, error) {
	if len(args) == 0 {
		return []any{}, nil
	}
	lists := make([][]any, len(args))
	shortest := -1
	for i, arg := range args {
		list, ok := value.Normalize(arg).([]any)
		if !ok {
			return nil, runtimeErrorf("zip: arguments must be lists")
		}
		lists[i] = list
		if shortest < 0 || len(list) < shortest {
			shortest = len(list)
		}
	}
	out := make([]any, shortest)
	for i := 0; i < shortest; i++ {
		row := make([]any, len(lists))
		for j, list := range lists {
			row[j] = list[i]
		}
		out[i] = row
	}
	return out, nil
}

func builtinIsInstance(args []any) (any, error) {
	if err := argCount("isinstance", args, 2, 2); err != nil {
		return nil, err
	}
	names, ok := value.Normalize(args[1]).([]any)
	if !ok {
		names = []any{args[1]}
	}
	kind := value.KindOf(args[0])
	for _, n := range names {
		name, ok := value.Normalize(n).(string)
		if !ok {
			return nil, runtimeErrorf("isinstance: type names must be strings")
		}
		switch name {
		case "int":
			if kind == value.KindInt {
				return true, nil
			}
		case "float":
			if kind == value.KindFloat {
				return true, nil
			}
		case "number":
			if kind == value.KindInt || kind == value.KindFloat {
				return true, nil
			}
		case "str", "string":
			if kind == value.KindString {
				return true, nil
			}
		case "bool":
			if kind == value.KindBool {
				return true, nil
			}
		case "list", "tuple":
			if kind == value.KindList {
				return true, nil
			}
		case "dict", "map":
			if kind == value.KindMap {
				return true, nil
			}
		case "null", "none":
			if kind == value.KindNull {
				return true, nil
			}
		default:
			return nil, runtimeErrorf("isinstance: unknown type %q", name)
		}
	}
	return false, nil
}

func builtinAll(args []any) (any, error) {
	if err := argCount("all", args, 1, 1); err != nil {
		return nil, err
	}
	list, ok := value.Normalize(args[0]).([]any)
	if !ok {
		return nil, runtimeErrorf("all: not a list")
	}
	for _, item := range list {
		if !value.Truthy(item) {
			return false, nil
		}
	}
	return true, nil
}

func builtinAny(args []any) (any, error) {
	if err := argCount("any", args, 1, 1); err != nil {
		return nil, err
	}
	list, ok := value.Normalize(args[0]).([]any)
	if !ok {
		return nil, runtimeErrorf("any: not a list")
	}
	for _, item := range list {
		if value.Truthy(item) {
			return true, nil
		}
	}
	return false, nil
}

func builtinHash(args []any) (any, error) {
	if err := argCount("hash", args, 1, 1); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(value.Stringify(args[0])))
	return int64(h.Sum64()), nil
}
