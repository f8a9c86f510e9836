package config

import (
	"bytes"
	"testing"
)

func TestWireRoundTrip(t *testing.T) {
	n := NewDict()
	n.Set("v", NewInt(42))
	n.Set("name", NewString("echo"))
	n.Set("ok", NewBool(true))
	n.Set("bad", NewBool(false))
	n.Set("ratio", NewFloat(3.5))

	arr := NewArray()
	arr.Append(NewInt(1))
	arr.Append(NewInt(2))
	arr.Append(NewDict())
	n.Set("items", arr)

	var buf bytes.Buffer
	if err := Serialize(&buf, n); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := Deserialize(&buf)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !Equal(n, got) {
		t.Fatalf("round trip mismatch:\nwant %#v\ngot  %#v", n, got)
	}
}

func TestGetOrHelpers(t *testing.T) {
	n := NewDict()
	n.Set("v", NewInt(42))

	if got := n.IntOr("v", -1); got != 42 {
		t.Fatalf("IntOr(present) = %d", got)
	}
	if got := n.IntOr("missing", -1); got != -1 {
		t.Fatalf("IntOr(missing) = %d", got)
	}
	if got := n.StringOr("v", "default"); got != "default" {
		t.Fatalf("StringOr on wrong shape should fall back, got %q", got)
	}
}

func TestDeserializeRejectsOversizedContainer(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindArray))
	_ = writeU32(&buf, MaxContainerEntries+1)
	if _, err := Deserialize(&buf); err == nil {
		t.Fatal("expected error for array entry count exceeding cap")
	}
}
