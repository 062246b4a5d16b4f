package data

import "fmt"

// Transform is a stateless per-element preprocessing operation.
// Transforms run data-parallel over elements and must not carry state
// between calls.
type Transform interface {
	Name() string
	Apply(Element) (Element, error)
}

// ValueRange rescales a field from an input range to an output range.
type ValueRange struct {
	Field   string
	InLow   float64
	InHigh  float64
	OutLow  float64
	OutHigh float64
}

// Name implements Transform.
func (v ValueRange) Name() string { return "value_range" }

// Apply rescales the configured field in place on a copied element.
func (v ValueRange) Apply(elem Element) (Element, error) {
	vec, ok := elem[v.Field]
	if !ok {
		return nil, fmt.Errorf("value_range: field %q not in element", v.Field)
	}
	if v.InHigh == v.InLow {
		return nil, fmt.Errorf("value_range: degenerate input range [%v, %v]", v.InLow, v.InHigh)
	}
	out := cloneElement(elem)
	scaled := make([]float64, len(vec))
	scale := (v.OutHigh - v.OutLow) / (v.InHigh - v.InLow)
	for i, x := range vec {
		scaled[i] = v.OutLow + (x-v.InLow)*scale
	}
	out[v.Field] = scaled
	return out, nil
}

// Rename renames a field, dropping the old key.
type Rename struct {
	From string
	To   string
}

// Name implements Transform.
func (r Rename) Name() string { return "rename" }

// Apply moves the field under its new name.
func (r Rename) Apply(elem Element) (Element, error) {
	vec, ok := elem[r.From]
	if !ok {
		return nil, fmt.Errorf("rename: field %q not in element", r.From)
	}
	if _, exists := elem[r.To]; exists {
		return nil, fmt.Errorf("rename: field %q already exists", r.To)
	}
	out := cloneElement(elem)
	delete(out, r.From)
	out[r.To] = vec
	return out, nil
}

func cloneElement(elem Element) Element {
	out := make(Element, len(elem))
	for k, v := range elem {
		out[k] = v
	}
	return out
}
