package script

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

const (
	cycleToken  = "<cycle>"
	maxRendered = 512
)

// Render produces a printable representation of a captured variable,
// truncating reference cycles with an identity set. The renderer side
// interprets the cycle token.
func Render(v any) string {
	seen := make(map[uintptr]bool)
	s := render(reflect.ValueOf(v), seen, 0)
	if len(s) > maxRendered {
		s = s[:maxRendered] + "..."
	}
	return s
}

func render(v reflect.Value, seen map[uintptr]bool, depth int) string {
	if !v.IsValid() {
		return "nil"
	}
	if depth > 8 {
		return "..."
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return "nil"
		}
		if v.Kind() == reflect.Ptr {
			p := v.Pointer()
			if seen[p] {
				return cycleToken
			}
			seen[p] = true
			defer delete(seen, p)
		}
		return render(v.Elem(), seen, depth+1)
	case reflect.Map:
		if v.IsNil() {
			return "nil"
		}
		p := v.Pointer()
		if seen[p] {
			return cycleToken
		}
		seen[p] = true
		defer delete(seen, p)
		parts := make([]string, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			parts = append(parts, fmt.Sprintf("%s: %s",
				render(iter.Key(), seen, depth+1),
				render(iter.Value(), seen, depth+1)))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case reflect.Slice:
		if v.IsNil() {
			return "nil"
		}
		p := v.Pointer()
		if seen[p] {
			return cycleToken
		}
		seen[p] = true
		defer delete(seen, p)
		return renderSeq(v, seen, depth)
	case reflect.Array:
		return renderSeq(v, seen, depth)
	case reflect.Struct:
		t := v.Type()
		parts := make([]string, 0, v.NumField())
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s: %s",
				t.Field(i).Name, render(v.Field(i), seen, depth+1)))
		}
		return t.Name() + "{" + strings.Join(parts, ", ") + "}"
	case reflect.String:
		return strconv.Quote(v.String())
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return "<" + v.Kind().String() + ">"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func renderSeq(v reflect.Value, seen map[uintptr]bool, depth int) string {
	n := v.Len()
	parts := make([]string, 0, n)
	for i := 0; i < n && i < 32; i++ {
		parts = append(parts, render(v.Index(i), seen, depth+1))
	}
	if n > 32 {
		parts = append(parts, fmt.Sprintf("... %d more", n-32))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
