// Package wire holds the small protobuf wire-format helpers shared by every
// encoded overlay record. Records are plain Go structs; their Marshal and
// Unmarshal methods are written against these helpers so no generated code is
// needed.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zde37/pgrid/pkg"
)

// Field is one decoded field of a record. Only varint and length-delimited
// fields are surfaced; anything else is skipped for forward compatibility.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// String returns the length-delimited payload as a string.
func (f Field) String() string { return string(f.Bytes) }

// Int64 returns the varint payload as a signed integer.
func (f Field) Int64() int64 { return int64(f.Varint) }

// Bool returns the varint payload as a bool.
func (f Field) Bool() bool { return f.Varint != 0 }

// Walk calls fn for every field of b in wire order.
func Walk(b []byte, fn func(f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", pkg.ErrProtocolViolation, protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", pkg.ErrProtocolViolation, num, protowire.ParseError(n))
			}
			f.Varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", pkg.ErrProtocolViolation, num, protowire.ParseError(n))
			}
			f.Bytes = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", pkg.ErrProtocolViolation, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// AppendString appends a non-empty string field.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited field, even when v is empty.
// Repeated embedded records rely on this to keep their position.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendUint appends a non-zero varint field.
func AppendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendInt appends a non-zero signed varint field.
func AppendInt(b []byte, num protowire.Number, v int64) []byte {
	return AppendUint(b, num, uint64(v))
}

// AppendBool appends a true bool field.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendUint(b, num, 1)
}

// AppendFloat appends a non-zero float64 as its IEEE-754 bits in a varint.
func AppendFloat(b []byte, num protowire.Number, v float64) []byte {
	return AppendUint(b, num, math.Float64bits(v))
}

// Float returns the varint payload as a float64 written by AppendFloat.
func (f Field) Float() float64 { return math.Float64frombits(f.Varint) }
