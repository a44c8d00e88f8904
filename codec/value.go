/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package codec

import "fmt"

// Kind identifies the avro type a Value node was decoded from
type Kind int

const (
	Null Kind = iota
	Boolean
	Int
	Long
	Float
	Double
	Bytes
	String
	Record
	Enum
	Array
	Map
	Fixed
	Union
)

var kindNames = [...]string{
	Null:    `null`,
	Boolean: `boolean`,
	Int:     `int`,
	Long:    `long`,
	Float:   `float`,
	Double:  `double`,
	Bytes:   `bytes`,
	String:  `string`,
	Record:  `record`,
	Enum:    `enum`,
	Array:   `array`,
	Map:     `map`,
	Fixed:   `fixed`,
	Union:   `union`,
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf(`Kind(%d)`, int(k))
	}
	return kindNames[k]
}

// Value is a decoded avro datum. Only the fields relevant to Kind are set.
type Value struct {
	Kind Kind

	// Name is the full name of named types (record, enum, fixed)
	Name string
	// Logical holds the logical type annotation, if any (eg: timestamp-millis)
	Logical string

	Bool  bool
	Int   int64   // int, long
	Float float64 // float, double
	Bytes []byte  // bytes, fixed
	Str   string  // string, enum symbol

	Fields  []Field // record, in schema order
	Items   []Value // array
	Entries []Entry // map, in wire order

	// Branch is the selected union member, Index its position in the union and
	// BranchName its avro JSON type name
	Index      int
	BranchName string
	Branch     *Value
}

// Field is a named record member
type Field struct {
	Name  string
	Value Value
}

// Entry is a map member
type Entry struct {
	Key   string
	Value Value
}

// Field returns the record field with the given name
func (v Value) Field(name string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}

	return Value{}, false
}

// Unwrap returns the branch value of a union, or the value itself
func (v Value) Unwrap() Value {
	if v.Kind == Union && v.Branch != nil {
		return v.Branch.Unwrap()
	}

	return v
}

// Constructors used by producers of Value trees

func NullValue() Value { return Value{Kind: Null} }
func BoolValue(b bool) Value { return Value{Kind: Boolean, Bool: b} }
func IntValue(i int32) Value { return Value{Kind: Int, Int: int64(i)} }
func LongValue(i int64) Value { return Value{Kind: Long, Int: i} }
func FloatValue(f float32) Value { return Value{Kind: Float, Float: float64(f)} }
func DoubleValue(f float64) Value { return Value{Kind: Double, Float: f} }
func BytesValue(b []byte) Value { return Value{Kind: Bytes, Bytes: b} }
func StringValue(s string) Value { return Value{Kind: String, Str: s} }
func ArrayValue(items ...Value) Value { return Value{Kind: Array, Items: items} }

// RecordValue builds a record node, fields must follow schema order
func RecordValue(name string, fields ...Field) Value {
	return Value{Kind: Record, Name: name, Fields: fields}
}

// UnionValue wraps v as branch index of a union
func UnionValue(index int, branchName string, v Value) Value {
	return Value{Kind: Union, Index: index, BranchName: branchName, Branch: &v}
}
