// Package tlv provides high-level utilities for parsing and mapping BER-TLV
// (Basic Encoding Rules - Tag-Length-Value) data into Go structures using struct tags.
package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// TLV is a decoded BER-TLV record: a tag, its constructed/primitive flag, the
// raw value bytes, and - for constructed tags - the eagerly decoded children.
// TLVs is derived from Value, not an independent source of truth; Encode only
// ever serialises Tag and Value, so parse(encode(x)) == x holds regardless of
// whether a constructed tag's children were walked.
type TLV struct {
	Tag         string
	Constructed bool
	Value       []byte
	TLVs        []TLV
}

const maxTagBytes = 4

// indefiniteLength is the reserved first length byte (0x80) EMV does not permit.
const indefiniteLength = 0x80

// Decode walks data left to right and returns the top-level TLV records,
// recursing into constructed values to populate TLVs.
func Decode(data []byte) ([]TLV, error) {
	it := NewIterator(data)
	var out []TLV
	for it.HasNext() {
		raw, err := it.Next()
		if err != nil {
			return nil, err
		}
		rec := TLV{
			Tag:         raw.TagHex(),
			Constructed: raw.Constructed,
			Value:       raw.Value,
		}
		if rec.Constructed && len(rec.Value) > 0 {
			children, err := Decode(rec.Value)
			if err != nil {
				return nil, fmt.Errorf("tag %s: %w", rec.Tag, err)
			}
			rec.TLVs = children
		}
		out = append(out, rec)
	}
	return out, nil
}

// Encode serialises a slice of TLV records back into a BER-TLV byte buffer.
func Encode(tlvs []TLV) ([]byte, error) {
	var buf []byte
	for _, t := range tlvs {
		tagBytes, err := hex.DecodeString(t.Tag)
		if err != nil {
			return nil, fmt.Errorf("invalid tag %q: %w", t.Tag, err)
		}
		lenBytes, err := encodeLength(len(t.Value))
		if err != nil {
			return nil, err
		}
		buf = append(buf, tagBytes...)
		buf = append(buf, lenBytes...)
		buf = append(buf, t.Value...)
	}
	return buf, nil
}

func encodeLength(n int) ([]byte, error) {
	if n < 0x80 {
		return []byte{byte(n)}, nil
	}

	var body []byte
	v := n
	for v > 0 {
		body = append([]byte{byte(v & 0xFF)}, body...)
		v >>= 8
	}
	if len(body) > maxLengthBytes {
		return nil, fmt.Errorf("length %d exceeds %d-byte long form", n, maxLengthBytes)
	}
	return append([]byte{byte(indefiniteLength | len(body))}, body...), nil
}

const maxLengthBytes = 4

// GetValue scans the raw data for a specific tag and returns its raw payload.
func GetValue(data []byte, tag uint) ([]byte, error) {
	records, err := Decode(data)
	if err != nil {
		return nil, err
	}

	targetTag := strings.ToUpper(fmt.Sprintf("%X", tag))
	for _, r := range records {
		if strings.ToUpper(r.Tag) == targetTag {
			return r.Value, nil
		}
	}
	return nil, fmt.Errorf("tag %s not found", targetTag)
}
