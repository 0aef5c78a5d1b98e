// Package keyspace implements the binary key/path model of the trie: common
// prefixes, sibling prefixes, bitstring ordering, key ranges and the
// responsibility predicates that decide which path owns which key.
//
// Keys and paths are plain Go strings over the alphabet {'0','1'}. The empty
// string is the root of the trie.
package keyspace

import (
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Key is a bitstring over {0,1}.
type Key = string

// Valid reports whether s only contains '0' and '1'.
func Valid(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' && s[i] != '1' {
			return false
		}
	}
	return true
}

// CommonPrefix returns the longest common prefix of a and b.
func CommonPrefix(a, b string) string {
	return a[:CommonPrefixLen(a, b)]
}

// CommonPrefixLen returns the length of the longest common prefix of a and b.
func CommonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// Flip returns the complementary trie bit.
func Flip(bit byte) byte {
	if bit == '0' {
		return '1'
	}
	return '0'
}

// Sibling returns the prefix of the sibling subtree at the given level:
// path[:level] followed by the complement of path[level].
// It panics if level is outside the path.
func Sibling(path string, level int) string {
	if level < 0 || level >= len(path) {
		panic(fmt.Sprintf("keyspace: sibling level %d outside path of length %d", level, len(path)))
	}
	return path[:level] + string(Flip(path[level]))
}

// IsResponsible reports whether the peer owning path is responsible for key.
// The peer is responsible when the key lies inside its subtree, or when the key
// is itself a prefix of the path (a short key matching a deep peer).
func IsResponsible(path string, key Key) bool {
	c := CommonPrefixLen(path, key)
	return c == len(path) || c == len(key)
}

// Compare orders bitstrings lexicographically; a proper prefix sorts first.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// Truncate returns at most the first n symbols of s.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Successor returns the smallest bitstring that sorts after every key of the
// subtree rooted at path. ok is false when path is the rightmost subtree
// (empty or all ones).
func Successor(path string) (next string, ok bool) {
	i := strings.LastIndexByte(path, '0')
	if i < 0 {
		return "", false
	}
	return path[:i] + "1", true
}

// Range is an inclusive interval [Min, Max] of keys under bitstring order.
type Range struct {
	Min Key
	Max Key
}

// NewRange validates and builds a key range.
func NewRange(min, max Key) (Range, error) {
	if !Valid(min) || !Valid(max) {
		return Range{}, fmt.Errorf("range bounds must be bitstrings: [%q, %q]", min, max)
	}
	if Compare(min, max) > 0 {
		return Range{}, fmt.Errorf("range min %q sorts after max %q", min, max)
	}
	return Range{Min: min, Max: max}, nil
}

// Contains reports whether min <= key <= max.
func (r Range) Contains(key Key) bool {
	return Compare(r.Min, key) <= 0 && Compare(key, r.Max) <= 0
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Min, r.Max)
}

// Intersects reports whether the subtree rooted at path contains at least one
// key of the range. Both bounds are truncated to the path length, so for paths
// at least as long as the bounds this is the plain "path within [min, max]" test.
func (r Range) Intersects(path string) bool {
	if path == "" {
		return true
	}
	lo := Truncate(r.Min, len(path))
	hi := Truncate(r.Max, len(path))
	return Compare(lo, path) <= 0 && Compare(path, hi) <= 0
}

// IsResponsibleRange reports whether the peer owning path answers for a part
// of the range. An un-split peer (empty path) is responsible for everything.
func IsResponsibleRange(path string, r Range) bool {
	return r.Intersects(path)
}

// FromString encodes s as an order-preserving bitstring, eight bits per byte,
// most significant bit first. Lexicographic order of the inputs is preserved.
func FromString(s string) Key {
	var sb strings.Builder
	sb.Grow(len(s) * 8)
	for i := 0; i < len(s); i++ {
		b := s[i]
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
	}
	return sb.String()
}

// ToString decodes a key produced by FromString. Trailing bits that do not
// form a whole byte are ignored.
func ToString(k Key) string {
	out := make([]byte, 0, len(k)/8)
	for i := 0; i+8 <= len(k); i += 8 {
		var b byte
		for j := 0; j < 8; j++ {
			b <<= 1
			if k[i+j] == '1' {
				b |= 1
			}
		}
		out = append(out, b)
	}
	return string(out)
}

// Hash maps arbitrary data to a uniformly distributed key of the given bit length.
func Hash(data []byte, bits int) Key {
	if bits <= 0 {
		return ""
	}
	if bits > 256 {
		bits = 256
	}
	sum := blake3.Sum256(data)
	var sb strings.Builder
	sb.Grow(bits)
	for i := 0; i < bits; i++ {
		if sum[i/8]&(0x80>>uint(i%8)) != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
