package store

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultPageSize is the number of items digested into one signature page.
const DefaultPageSize = 32

// slotsPerPage is the number of 64-bit words kept from each page digest.
const slotsPerPage = 4

// Signature is a page-segmented digest of an item set: Pages[page][slot].
// Items are serialized in sorted order, chunked into pages and every page is
// hashed independently, so two sets differing in one item differ in one page.
type Signature struct {
	Pages [][]uint64
}

// ComputeSignature digests items, which must already be sorted with Compare.
func ComputeSignature(items []Item, pageSize int) Signature {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	sig := Signature{Pages: make([][]uint64, 0, (len(items)+pageSize-1)/pageSize)}
	var lenBuf [binary.MaxVarintLen64]byte
	for start := 0; start < len(items); start += pageSize {
		end := start + pageSize
		if end > len(items) {
			end = len(items)
		}

		h := blake3.New()
		for _, it := range items[start:end] {
			for _, field := range [][]byte{[]byte(it.Key), []byte(it.Owner.ID), []byte(it.Type), it.Data} {
				n := binary.PutUvarint(lenBuf[:], uint64(len(field)))
				_, _ = h.Write(lenBuf[:n])
				_, _ = h.Write(field)
			}
		}
		sum := h.Sum(nil)

		page := make([]uint64, slotsPerPage)
		for slot := range page {
			page[slot] = binary.BigEndian.Uint64(sum[slot*8:])
		}
		sig.Pages = append(sig.Pages, page)
	}
	return sig
}

// Equal reports whether both signatures digest the same item set.
func (s Signature) Equal(other Signature) bool {
	if len(s.Pages) != len(other.Pages) {
		return false
	}
	for i := range s.Pages {
		if len(s.Pages[i]) != len(other.Pages[i]) {
			return false
		}
		for j := range s.Pages[i] {
			if s.Pages[i][j] != other.Pages[i][j] {
				return false
			}
		}
	}
	return true
}

// IsEmpty reports whether the signature digests an empty set.
func (s Signature) IsEmpty() bool {
	return len(s.Pages) == 0
}

// DiffPages returns the indexes of pages that differ between s and other,
// including pages present on one side only.
func (s Signature) DiffPages(other Signature) []int {
	n := len(s.Pages)
	if len(other.Pages) > n {
		n = len(other.Pages)
	}
	var diff []int
	for i := 0; i < n; i++ {
		if i >= len(s.Pages) || i >= len(other.Pages) {
			diff = append(diff, i)
			continue
		}
		if !(Signature{Pages: s.Pages[i : i+1]}).Equal(Signature{Pages: other.Pages[i : i+1]}) {
			diff = append(diff, i)
		}
	}
	return diff
}

// String returns a short fingerprint for logs.
func (s Signature) String() string {
	if s.IsEmpty() {
		return "sig:empty"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("sig:%d:", len(s.Pages)))
	var acc uint64
	for _, page := range s.Pages {
		for _, w := range page {
			acc ^= w
		}
	}
	sb.WriteString(fmt.Sprintf("%016x", acc))
	return sb.String()
}
