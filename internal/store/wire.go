package store

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/wire"
	"github.com/zde37/pgrid/pkg"
)

// MarshalItem encodes an item.
//
//	1: key  2: owner  3: type  4: data
func MarshalItem(it Item) []byte {
	var b []byte
	b = wire.AppendString(b, 1, it.Key)
	if !it.Owner.IsZero() {
		b = wire.AppendBytes(b, 2, routing.MarshalPeerRef(it.Owner))
	}
	b = wire.AppendString(b, 3, it.Type)
	if len(it.Data) > 0 {
		b = wire.AppendBytes(b, 4, it.Data)
	}
	return b
}

// UnmarshalItem decodes an item written by MarshalItem.
func UnmarshalItem(b []byte) (Item, error) {
	var it Item
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			it.Key = f.String()
		case 2:
			owner, err := routing.UnmarshalPeerRef(f.Bytes)
			if err != nil {
				return err
			}
			it.Owner = owner
		case 3:
			it.Type = f.String()
		case 4:
			it.Data = append([]byte(nil), f.Bytes...)
		}
		return nil
	})
	return it, err
}

// AppendItems encodes items as repeated field num.
func AppendItems(b []byte, num protowire.Number, items []Item) []byte {
	for _, it := range items {
		b = wire.AppendBytes(b, num, MarshalItem(it))
	}
	return b
}

// MarshalSignature encodes a signature as one packed varint list per page.
func MarshalSignature(s Signature) []byte {
	var b []byte
	for _, page := range s.Pages {
		var packed []byte
		for _, w := range page {
			packed = protowire.AppendVarint(packed, w)
		}
		b = wire.AppendBytes(b, 1, packed)
	}
	return b
}

// UnmarshalSignature decodes a signature written by MarshalSignature.
func UnmarshalSignature(b []byte) (Signature, error) {
	var s Signature
	err := wire.Walk(b, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		page := make([]uint64, 0, slotsPerPage)
		rest := f.Bytes
		for len(rest) > 0 {
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return fmt.Errorf("%w: signature page: %v", pkg.ErrProtocolViolation, protowire.ParseError(n))
			}
			page = append(page, v)
			rest = rest[n:]
		}
		s.Pages = append(s.Pages, page)
		return nil
	})
	return s, err
}
