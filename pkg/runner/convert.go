package runner

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/wzdat/wzdat/pkg/engine"
)

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		// Stored rows come back from JSON; integral numbers read as ints.
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value storable in a
// table cell.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromIterable(val, val.Len())
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIterable(it starlark.Iterable, n int) ([]interface{}, error) {
	list := make([]interface{}, 0, n)
	iter := it.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		item, err := fromStarlarkValue(x)
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	return list, nil
}

// stringList converts a Starlark sequence of strings.
func stringList(v starlark.Value, what string) ([]string, error) {
	it, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of strings, got %s", what, v.Type())
	}
	var out []string
	iter := it.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		s, ok := starlark.AsString(x)
		if !ok {
			return nil, fmt.Errorf("%s must be a list of strings, got element %s", what, x.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

// tableFromArgs builds a table from Starlark columns, rows and index values.
func tableFromArgs(columns, rows, index starlark.Value) (engine.Table, error) {
	var t engine.Table
	cols, err := stringList(columns, "columns")
	if err != nil {
		return t, err
	}
	t.Columns = cols

	it, ok := rows.(starlark.Iterable)
	if !ok {
		return t, fmt.Errorf("rows must be a list, got %s", rows.Type())
	}
	iter := it.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		v, err := fromStarlarkValue(x)
		if err != nil {
			return t, err
		}
		row, ok := v.([]interface{})
		if !ok {
			return t, fmt.Errorf("each row must be a list, got %s", x.Type())
		}
		t.Rows = append(t.Rows, row)
	}

	if index != nil && index != starlark.None {
		labels, err := stringList(index, "index")
		if err != nil {
			return t, err
		}
		t.Index = labels
	}
	return t, nil
}

// tableValue exposes a table as struct(columns, rows, index).
func tableValue(t *engine.Table) (starlark.Value, error) {
	rows := make([]interface{}, len(t.Rows))
	for i, r := range t.Rows {
		rows[i] = r
	}
	sRows, err := toStarlarkValue(rows)
	if err != nil {
		return nil, err
	}
	sCols, _ := toStarlarkValue(t.Columns)
	index := t.Index
	if index == nil {
		index = []string{}
	}
	sIndex, _ := toStarlarkValue(index)

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"columns": sCols,
		"rows":    sRows,
		"index":   sIndex,
	}), nil
}
