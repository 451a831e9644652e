package value

import (
	"fmt"
	"strconv"

	"github.com/zclconf/go-cty/cty"
)

// Navigate walks a dotted path through nested values. Segments select object
// attributes, map keys, or ordinal positions in lists and tuples. The error
// names the first segment that could not be followed.
func Navigate(v cty.Value, segments []string) (cty.Value, error) {
	current := v
	for i, seg := range segments {
		next, ok := step(current, seg)
		if !ok {
			return cty.NilVal, &PathError{Segment: seg, Depth: i}
		}
		current = next
	}
	return current, nil
}

// PathError reports where navigation stopped.
type PathError struct {
	Segment string
	Depth   int
}

func (e *PathError) Error() string {
	return fmt.Sprintf("field %q not found at depth %d", e.Segment, e.Depth)
}

func step(v cty.Value, seg string) (cty.Value, bool) {
	if v.IsNull() || !v.IsKnown() {
		return cty.NilVal, false
	}
	v, _ = v.Unmark()
	ty := v.Type()
	switch {
	case ty.IsObjectType():
		if !ty.HasAttribute(seg) {
			return cty.NilVal, false
		}
		return v.GetAttr(seg), true
	case ty.IsMapType():
		key := cty.StringVal(seg)
		if !v.HasIndex(key).True() {
			return cty.NilVal, false
		}
		return v.Index(key), true
	case ty.IsListType() || ty.IsTupleType():
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= v.LengthInt() {
			return cty.NilVal, false
		}
		return v.Index(cty.NumberIntVal(int64(idx))), true
	}
	return cty.NilVal, false
}

// NavigateType follows the same path through a declared type. Anything the
// type does not describe yields cty.DynamicPseudoType.
func NavigateType(t cty.Type, segments []string) cty.Type {
	current := t
	for _, seg := range segments {
		if current == cty.NilType || current == cty.DynamicPseudoType {
			return cty.DynamicPseudoType
		}
		switch {
		case current.IsObjectType():
			if !current.HasAttribute(seg) {
				return cty.DynamicPseudoType
			}
			current = current.AttributeType(seg)
		case current.IsMapType(), current.IsListType(), current.IsSetType():
			current = current.ElementType()
		case current.IsTupleType():
			idx, err := strconv.Atoi(seg)
			elems := current.TupleElementTypes()
			if err != nil || idx < 0 || idx >= len(elems) {
				return cty.DynamicPseudoType
			}
			current = elems[idx]
		default:
			return cty.DynamicPseudoType
		}
	}
	if current == cty.NilType {
		return cty.DynamicPseudoType
	}
	return current
}

// IsSequence reports whether values of t are ordered collections.
func IsSequence(t cty.Type) bool {
	return t.IsListType() || t.IsSetType() || t.IsTupleType()
}

// Fallback returns the value substituted for a reference that could not be
// resolved: an empty collection for sequence and map types, a typed null for
// everything else. Without a declared type the fallback is an empty sequence.
func Fallback(t cty.Type) cty.Value {
	switch {
	case t == cty.NilType || t == cty.DynamicPseudoType:
		return cty.EmptyTupleVal
	case t.IsListType():
		return cty.ListValEmpty(t.ElementType())
	case t.IsSetType():
		return cty.SetValEmpty(t.ElementType())
	case t.IsTupleType():
		return cty.EmptyTupleVal
	case t.IsMapType():
		return cty.MapValEmpty(t.ElementType())
	case t.IsObjectType() && len(t.AttributeTypes()) == 0:
		return cty.EmptyObjectVal
	}
	return cty.NullVal(t)
}
