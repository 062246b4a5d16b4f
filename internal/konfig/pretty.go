package konfig

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Pretty renders a nested config-like value as indented text with
// deterministic key ordering. Self-referencing values render as
// "<cycle TypeName>" instead of recursing, so arbitrary object graphs
// are safe to print.
func Pretty(v any) string {
	var b strings.Builder
	p := &printer{seen: make(map[uintptr]bool)}
	p.print(&b, reflect.ValueOf(v), 0)
	b.WriteString("\n")
	return b.String()
}

type printer struct {
	seen map[uintptr]bool
}

func (p *printer) print(b *strings.Builder, v reflect.Value, depth int) {
	if !v.IsValid() {
		b.WriteString("null")
		return
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			b.WriteString("null")
			return
		}
		p.print(b, v.Elem(), depth)

	case reflect.Ptr:
		if v.IsNil() {
			b.WriteString("null")
			return
		}
		ptr := v.Pointer()
		if p.seen[ptr] {
			fmt.Fprintf(b, "<cycle %s>", v.Type().Elem().Name())
			return
		}
		p.seen[ptr] = true
		p.print(b, v.Elem(), depth)
		delete(p.seen, ptr)

	case reflect.Map:
		if v.IsNil() || v.Len() == 0 {
			b.WriteString("{}")
			return
		}
		ptr := v.Pointer()
		if p.seen[ptr] {
			fmt.Fprintf(b, "<cycle %s>", v.Type().Name())
			return
		}
		p.seen[ptr] = true
		keys := make([]string, 0, v.Len())
		byKey := make(map[string]reflect.Value, v.Len())
		for _, k := range v.MapKeys() {
			s := fmt.Sprint(k.Interface())
			keys = append(keys, s)
			byKey[s] = v.MapIndex(k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for _, k := range keys {
			b.WriteString("\n")
			indent(b, depth+1)
			fmt.Fprintf(b, "%s: ", k)
			p.print(b, byKey[k], depth+1)
		}
		b.WriteString("\n")
		indent(b, depth)
		b.WriteString("}")
		delete(p.seen, ptr)

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			b.WriteString("[]")
			return
		}
		if v.Len() == 0 {
			b.WriteString("[]")
			return
		}
		b.WriteString("[")
		for i := 0; i < v.Len(); i++ {
			b.WriteString("\n")
			indent(b, depth+1)
			fmt.Fprintf(b, "%d: ", i)
			p.print(b, v.Index(i), depth+1)
		}
		b.WriteString("\n")
		indent(b, depth)
		b.WriteString("]")

	case reflect.Struct:
		t := v.Type()
		fields := make([]string, 0, t.NumField())
		byName := make(map[string]reflect.Value, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fields = append(fields, f.Name)
			byName[f.Name] = v.Field(i)
		}
		sort.Strings(fields)
		if len(fields) == 0 {
			b.WriteString("{}")
			return
		}
		b.WriteString("{")
		for _, name := range fields {
			b.WriteString("\n")
			indent(b, depth+1)
			fmt.Fprintf(b, "%s: ", name)
			p.print(b, byName[name], depth+1)
		}
		b.WriteString("\n")
		indent(b, depth)
		b.WriteString("}")

	case reflect.String:
		fmt.Fprintf(b, "%q", v.String())

	case reflect.Float32, reflect.Float64:
		fmt.Fprintf(b, "%g", v.Float())

	default:
		fmt.Fprint(b, v.Interface())
	}
}

func indent(b *strings.Builder, depth int) {
	for i := 0; i < depth; i++ {
		b.WriteString("  ")
	}
}
