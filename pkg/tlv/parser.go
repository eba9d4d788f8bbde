package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
)

// Unmarshaler allows custom types to implement their own TLV parsing logic.
type Unmarshaler interface {
	UnmarshalTLV(data []byte) error
}

// Unmarshal parses raw BER-TLV data and maps it into a target Go struct.
func Unmarshal(data []byte, target interface{}) error {
	records, err := Decode(data)
	if err != nil {
		return fmt.Errorf("tlv decode failed: %w", err)
	}
	return UnmarshalFromPackets(records, target)
}

// UnmarshalFromPackets maps a slice of pre-decoded TLV records to a target struct.
//
//nolint:gocyclo // Parsing logic requires handling many types, complexity is expected here
func UnmarshalFromPackets(packets []TLV, target interface{}) error {
	v := reflect.ValueOf(target)
	// Ensure the target is a non-nil pointer to a struct
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer")
	}
	v = v.Elem()
	t := v.Type()

	// Group packets by their hex tag so repeated sibling tags (e.g. several
	// Application Templates '61' inside one directory record) all survive,
	// not just the last one seen.
	tagGroups := make(map[string][]TLV)
	var order []string
	for _, p := range packets {
		tagHex := strings.ToUpper(p.Tag)
		if _, seen := tagGroups[tagHex]; !seen {
			order = append(order, tagHex)
		}
		tagGroups[tagHex] = append(tagGroups[tagHex], p)
	}

	consumedTags := make(map[string]bool)
	var unknownField reflect.Value
	hasUnknownField := false

	// Iterate through struct fields to map TLV data
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		tagConfig := fieldType.Tag.Get("tlv")

		// The tag name is left empty as this field does not target a specific hex tag.
		// The ",unknown" suffix defines its behavior as a catch-all for all unmapped fields.
		// SHould be read as "<no tag>,unknown"
		if tagConfig == ",unknown" || fieldType.Name == "Unknown" {
			unknownField = field
			hasUnknownField = true
			continue
		}

		if tagConfig == "" {
			continue
		}

		parts := strings.Split(tagConfig, ",")
		tagHex := strings.ToUpper(parts[0])

		group, exists := tagGroups[tagHex]
		if !exists {
			continue
		}

		consumedTags[tagHex] = true

		// A slice of structs means every sibling occurrence of the tag is an
		// element, not just the first - e.g. Applications []ApplicationTemplate.
		if field.Kind() == reflect.Slice && !isByteSlice(field) && isStructOrPtrToStructType(field.Type().Elem()) {
			elemType := field.Type().Elem()
			slice := reflect.MakeSlice(field.Type(), 0, len(group))
			for _, packet := range group {
				elem := reflect.New(derefType(elemType)).Elem()
				if len(packet.TLVs) > 0 {
					if err := UnmarshalFromPackets(packet.TLVs, elem.Addr().Interface()); err != nil {
						return err
					}
				} else if err := Unmarshal(packet.Value, elem.Addr().Interface()); err != nil {
					return err
				}
				if elemType.Kind() == reflect.Ptr {
					slice = reflect.Append(slice, elem.Addr())
				} else {
					slice = reflect.Append(slice, elem)
				}
			}
			field.Set(slice)
			continue
		}

		packet := group[0]

		// Check for custom Unmarshaler implementation
		if field.CanAddr() {
			if u, ok := field.Addr().Interface().(Unmarshaler); ok {
				data := packet.Value
				if len(packet.TLVs) > 0 {
					if enc, err := Encode(packet.TLVs); err == nil {
						data = enc
					}
				}
				if err := u.UnmarshalTLV(data); err != nil {
					return fmt.Errorf("custom unmarshal failed for tag %s: %w", tagHex, err)
				}
				continue
			}
		}

		// Handle byte slices (direct value copy)
		if isByteSlice(field) {
			if len(packet.Value) > 0 {
				field.SetBytes(packet.Value)
			} else if len(packet.TLVs) > 0 {
				encodedChildren, err := Encode(packet.TLVs)
				if err == nil {
					field.SetBytes(encodedChildren)
				}
			}
			continue
		}

		// Handle strings as hexadecimal representation
		if field.Kind() == reflect.String {
			field.SetString(hex.EncodeToString(packet.Value))
			continue
		}

		// Handle nested structures
		if isStructOrPtrToStruct(field) && !isByteSlice(field) {
			targetField := getTargetField(field)
			if len(packet.TLVs) > 0 {
				if err := UnmarshalFromPackets(packet.TLVs, targetField.Interface()); err != nil {
					return err
				}
			} else {
				if err := Unmarshal(packet.Value, targetField.Interface()); err != nil {
					return err
				}
			}
			continue
		}
	}

	// Capture all tags that were not mapped to a specific field, preserving
	// first-seen order rather than Go's randomised map iteration order.
	if hasUnknownField {
		var leftovers []TLV
		for _, tag := range order {
			if !consumedTags[tag] {
				leftovers = append(leftovers, tagGroups[tag]...)
			}
		}

		if len(leftovers) > 0 && unknownField.CanSet() {
			unknownField.Set(reflect.ValueOf(leftovers))
		}
	}

	return nil
}

func isByteSlice(v reflect.Value) bool {
	return v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
}

func isStructOrPtrToStruct(v reflect.Value) bool {
	return isStructOrPtrToStructType(v.Type())
}

func isStructOrPtrToStructType(t reflect.Type) bool {
	if t.Kind() == reflect.Struct {
		return true
	}
	if t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct {
		return true
	}
	return false
}

func derefType(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Ptr {
		return t.Elem()
	}
	return t
}

func getTargetField(field reflect.Value) reflect.Value {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return field
	}
	return field.Addr()
}
