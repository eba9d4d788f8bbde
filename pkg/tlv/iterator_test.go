package tlv

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecode_RoundTrip(t *testing.T) {
	raw := Hex(
		"6F 0C",
		"84 03 010203",
		"A5 05",
		"50 03 414243",
	)

	records, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	encoded, err := Encode(records)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if diff := cmp.Diff(raw, encoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_MultiByteTag(t *testing.T) {
	// 9F38 is a two-byte tag (low 5 bits of first byte all set, continuation
	// byte has high bit clear).
	raw := Hex("9F 38 02 AABB")

	records, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(records) != 1 || records[0].Tag != "9F38" {
		t.Fatalf("expected single record tag 9F38, got %+v", records)
	}
}

func TestDecode_ConstructedDetection(t *testing.T) {
	raw := Hex("6F 02 50 00")
	records, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !records[0].Constructed {
		t.Error("tag 6F should be detected as constructed (bit 6 set)")
	}

	raw2 := Hex("50 00")
	records2, err := Decode(raw2)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if records2[0].Constructed {
		t.Error("tag 50 should be detected as primitive")
	}
}

func TestDecode_MalformedTlv(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"truncated tag continuation", []byte{0x1F}},
		{"truncated length", []byte{0x50}},
		{"length exceeds buffer", Hex("50 05 AABB")},
		{"indefinite length rejected", []byte{0x50, 0x80}},
		{"tag exceeds 4-byte cap", []byte{0x1F, 0x81, 0x81, 0x81, 0x01, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			if err == nil {
				t.Fatalf("expected MalformedTlvError, got nil")
			}
			if _, ok := err.(*MalformedTlvError); !ok {
				t.Errorf("expected *MalformedTlvError, got %T: %v", err, err)
			}
		})
	}
}

func TestDecode_LongFormLength(t *testing.T) {
	value := make([]byte, 0x101)
	raw := append([]byte{0x50, 0x82, 0x01, 0x01}, value...)

	records, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(records) != 1 || len(records[0].Value) != 0x101 {
		t.Fatalf("expected one record with 0x101-byte value, got %+v", records)
	}
}

func TestDecode_NestedConstructed(t *testing.T) {
	raw := Hex(
		"6F 08",
		"A5 06",
		"88 01 02",
		"87 01 01",
	)

	records, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(records) != 1 || len(records[0].TLVs) != 1 {
		t.Fatalf("expected one top-level record with one child, got %+v", records)
	}
	inner := records[0].TLVs[0]
	if inner.Tag != "A5" || len(inner.TLVs) != 2 {
		t.Fatalf("expected A5 with 2 children, got %+v", inner)
	}
}

func TestIterator_Restartable(t *testing.T) {
	raw := Hex("50 02 AABB", "84 02 CCDD")

	it1 := NewIterator(raw)
	first, err := it1.Next()
	if err != nil {
		t.Fatalf("first Next failed: %v", err)
	}

	// A fresh iterator over the same bytes must reproduce the same result,
	// proving no shared mutable state leaks across iterators.
	it2 := NewIterator(raw)
	second, err := it2.Next()
	if err != nil {
		t.Fatalf("second Next failed: %v", err)
	}

	if first.TagHex() != second.TagHex() {
		t.Errorf("restarted iterator diverged: %s != %s", first.TagHex(), second.TagHex())
	}
}
