// Package config implements ConfigNode, the tagged dynamic value used as the
// payload of actor messages (spec.md §6). It favours explicit accessors
// over reflection, matching the "match/elof" pattern the original dynamic
// config tree used, collapsed here into an exhaustive Go type switch.
package config

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Kind tags the variant a Node holds.
type Kind uint8

const (
	KindDict Kind = 1 + iota
	KindArray
	KindInt
	KindString
	KindFloat
	KindBoolTrue
	KindBoolFalse
)

// MaxContainerEntries bounds the number of entries a Dict or Array may carry
// on the wire, so a malicious or corrupt sender cannot force unbounded
// parser work.
const MaxContainerEntries = 2048

// MaxStringBytes bounds the length of a single String value on the wire.
const MaxStringBytes = 1 << 20

// Node is a dynamic, tagged config value: a dict, an array, or one of the
// scalar kinds (int, float, string, bool). The zero value is not valid;
// use the New* constructors.
type Node struct {
	kind Kind

	i   int64
	f   float64
	s   string
	arr []*Node

	dictKeys []string
	dict     map[string]*Node
}

// NewDict returns an empty dictionary node.
func NewDict() *Node {
	return &Node{kind: KindDict, dict: make(map[string]*Node)}
}

// NewArray returns an empty array node.
func NewArray() *Node {
	return &Node{kind: KindArray}
}

// NewInt wraps an int64.
func NewInt(v int64) *Node { return &Node{kind: KindInt, i: v} }

// NewFloat wraps a float64.
func NewFloat(v float64) *Node { return &Node{kind: KindFloat, f: v} }

// NewString wraps a string.
func NewString(v string) *Node { return &Node{kind: KindString, s: v} }

// NewBool wraps a bool.
func NewBool(v bool) *Node {
	if v {
		return &Node{kind: KindBoolTrue}
	}
	return &Node{kind: KindBoolFalse}
}

// Kind reports the node's variant.
func (n *Node) Kind() Kind { return n.kind }

func (n *Node) IsDict() bool  { return n.kind == KindDict }
func (n *Node) IsArray() bool { return n.kind == KindArray }

// Int returns the wrapped int64, or 0 if n is not an Int node.
func (n *Node) Int() int64 {
	if n == nil || n.kind != KindInt {
		return 0
	}
	return n.i
}

// Float returns the wrapped float64, or 0 if n is not a Float node.
func (n *Node) Float() float64 {
	if n == nil || n.kind != KindFloat {
		return 0
	}
	return n.f
}

// Str returns the wrapped string, or "" if n is not a String node.
func (n *Node) Str() string {
	if n == nil || n.kind != KindString {
		return ""
	}
	return n.s
}

// Bool returns the wrapped bool. Non-bool nodes report false.
func (n *Node) Bool() bool {
	if n == nil {
		return false
	}
	return n.kind == KindBoolTrue
}

// Len returns the number of entries in a Dict or Array; 0 for scalars.
func (n *Node) Len() int {
	if n == nil {
		return 0
	}
	switch n.kind {
	case KindArray:
		return len(n.arr)
	case KindDict:
		return len(n.dictKeys)
	default:
		return 0
	}
}

// Get looks up key in a Dict node. ok is false if n is not a Dict or the key
// is absent — this, plus the typed *Or helpers below, implement the
// "get_or(key, default)" fallible-lookup pattern from the original config
// tree (spec.md §9).
func (n *Node) Get(key string) (*Node, bool) {
	if n == nil || n.kind != KindDict {
		return nil, false
	}
	v, ok := n.dict[key]
	return v, ok
}

// Set inserts or replaces key in a Dict node. Panics if n is not a Dict —
// callers build trees with NewDict() before populating them.
func (n *Node) Set(key string, v *Node) {
	if n.kind != KindDict {
		panic("config: Set on a non-Dict node")
	}
	if _, exists := n.dict[key]; !exists {
		n.dictKeys = append(n.dictKeys, key)
	}
	n.dict[key] = v
}

// Append adds v to an Array node. Panics if n is not an Array.
func (n *Node) Append(v *Node) {
	if n.kind != KindArray {
		panic("config: Append on a non-Array node")
	}
	n.arr = append(n.arr, v)
}

// At returns the i-th element of an Array node, or nil if out of range.
func (n *Node) At(i int) *Node {
	if n == nil || n.kind != KindArray || i < 0 || i >= len(n.arr) {
		return nil
	}
	return n.arr[i]
}

// IntOr returns the Int value at key, or def if absent / wrong shape.
func (n *Node) IntOr(key string, def int64) int64 {
	v, ok := n.Get(key)
	if !ok || v.kind != KindInt {
		return def
	}
	return v.i
}

// FloatOr returns the Float value at key, or def if absent / wrong shape.
func (n *Node) FloatOr(key string, def float64) float64 {
	v, ok := n.Get(key)
	if !ok || v.kind != KindFloat {
		return def
	}
	return v.f
}

// StringOr returns the String value at key, or def if absent / wrong shape.
func (n *Node) StringOr(key string, def string) string {
	v, ok := n.Get(key)
	if !ok || v.kind != KindString {
		return def
	}
	return v.s
}

// BoolOr returns the Bool value at key, or def if absent / wrong shape.
func (n *Node) BoolOr(key string, def bool) bool {
	v, ok := n.Get(key)
	if !ok || (v.kind != KindBoolTrue && v.kind != KindBoolFalse) {
		return def
	}
	return v.kind == KindBoolTrue
}

// Equal reports structural equality, used by wire round-trip tests
// (P12). Dict comparison ignores key insertion order.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBoolTrue, KindBoolFalse:
		return true
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.dictKeys) != len(b.dictKeys) {
			return false
		}
		for k, av := range a.dict {
			bv, ok := b.dict[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Wire format
// ───────────────────────────────────────────────────────────────────────────

// Serialize writes n in the little-endian tagged format from spec.md §6.
func Serialize(w io.Writer, n *Node) error {
	var hdr [1]byte
	hdr[0] = byte(n.kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	switch n.kind {
	case KindDict:
		if len(n.dictKeys) > MaxContainerEntries {
			return fmt.Errorf("config: dict has %d entries, exceeds cap %d", len(n.dictKeys), MaxContainerEntries)
		}
		if err := writeU32(w, uint32(len(n.dictKeys))); err != nil {
			return err
		}
		for _, k := range n.dictKeys {
			if len(k) > MaxStringBytes {
				return fmt.Errorf("config: dict key exceeds %d bytes", MaxStringBytes)
			}
			if err := writeU32(w, uint32(len(k))); err != nil {
				return err
			}
			if _, err := io.WriteString(w, k); err != nil {
				return err
			}
			if err := Serialize(w, n.dict[k]); err != nil {
				return err
			}
		}
	case KindArray:
		if len(n.arr) > MaxContainerEntries {
			return fmt.Errorf("config: array has %d entries, exceeds cap %d", len(n.arr), MaxContainerEntries)
		}
		if err := writeU32(w, uint32(len(n.arr))); err != nil {
			return err
		}
		for _, v := range n.arr {
			if err := Serialize(w, v); err != nil {
				return err
			}
		}
	case KindInt:
		return writeI64(w, n.i)
	case KindFloat:
		return writeF64(w, n.f)
	case KindString:
		if len(n.s) > MaxStringBytes {
			return fmt.Errorf("config: string exceeds %d bytes", MaxStringBytes)
		}
		if err := writeU32(w, uint32(len(n.s))); err != nil {
			return err
		}
		_, err := io.WriteString(w, n.s)
		return err
	case KindBoolTrue, KindBoolFalse:
		// Tag alone carries the value.
		return nil
	default:
		return fmt.Errorf("config: unknown node kind %d", n.kind)
	}
	return nil
}

// Deserialize reads a Node in the format Serialize writes, enforcing the
// same container/string caps so a corrupt or hostile sender cannot force
// unbounded allocation.
func Deserialize(r io.Reader) (*Node, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	kind := Kind(hdr[0])

	switch kind {
	case KindDict:
		count, err := readU32(r)
		if err != nil {
			return nil, err
		}
		if count > MaxContainerEntries {
			return nil, fmt.Errorf("config: dict entry count %d exceeds cap", count)
		}
		n := NewDict()
		for i := uint32(0); i < count; i++ {
			klen, err := readU32(r)
			if err != nil {
				return nil, err
			}
			if klen > MaxStringBytes {
				return nil, fmt.Errorf("config: dict key length %d exceeds cap", klen)
			}
			kb := make([]byte, klen)
			if _, err := io.ReadFull(r, kb); err != nil {
				return nil, err
			}
			v, err := Deserialize(r)
			if err != nil {
				return nil, err
			}
			n.Set(string(kb), v)
		}
		return n, nil
	case KindArray:
		count, err := readU32(r)
		if err != nil {
			return nil, err
		}
		if count > MaxContainerEntries {
			return nil, fmt.Errorf("config: array entry count %d exceeds cap", count)
		}
		n := NewArray()
		for i := uint32(0); i < count; i++ {
			v, err := Deserialize(r)
			if err != nil {
				return nil, err
			}
			n.Append(v)
		}
		return n, nil
	case KindInt:
		v, err := readI64(r)
		if err != nil {
			return nil, err
		}
		return NewInt(v), nil
	case KindFloat:
		v, err := readF64(r)
		if err != nil {
			return nil, err
		}
		return NewFloat(v), nil
	case KindString:
		slen, err := readU32(r)
		if err != nil {
			return nil, err
		}
		if slen > MaxStringBytes {
			return nil, fmt.Errorf("config: string length %d exceeds cap", slen)
		}
		sb := make([]byte, slen)
		if _, err := io.ReadFull(r, sb); err != nil {
			return nil, err
		}
		return NewString(string(sb)), nil
	case KindBoolTrue:
		return NewBool(true), nil
	case KindBoolFalse:
		return NewBool(false), nil
	default:
		return nil, fmt.Errorf("config: unknown wire tag %d", kind)
	}
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeI64(w io.Writer, v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	_, err := w.Write(b[:])
	return err
}

func writeF64(w io.Writer, v float64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readI64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readF64(r io.Reader) (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
}
