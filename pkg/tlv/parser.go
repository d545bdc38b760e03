// Package tlv binds decoded BER-TLV objects to structs whose []byte fields
// carry a `tlv:"<tag>"` struct tag, and renders such structs for reports.
//
// Only the shapes found in ISO 7816-4 selection answers are supported: leaf
// values land in []byte fields and a single []bertlv.TLV field tagged
// `tlv:",unknown"` collects whatever no field claimed.
package tlv

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

const unknownTag = ",unknown"

var tlvSliceType = reflect.TypeOf([]bertlv.TLV(nil))

// ErrTarget is returned when the bind target is not a pointer to a struct.
var ErrTarget = errors.New("tlv: target must be a non-nil pointer to a struct")

// Bind copies every packet whose tag matches a field into that field. When a
// tag repeats, the last occurrence wins. Unclaimed packets go to the unknown
// field, if the struct has one.
func Bind(packets []bertlv.TLV, target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrTarget
	}
	v = v.Elem()
	t := v.Type()

	claimed := make([]bool, len(packets))
	unknown := -1

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("tlv")
		if tag == unknownTag {
			if sf.Type != tlvSliceType {
				return fmt.Errorf("tlv: field %s must be []bertlv.TLV", sf.Name)
			}
			unknown = i
			continue
		}
		if tag == "" {
			continue
		}
		if sf.Type.Kind() != reflect.Slice || sf.Type.Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("tlv: field %s must be []byte", sf.Name)
		}
		for idx, p := range packets {
			if !strings.EqualFold(p.Tag, tag) {
				continue
			}
			raw, err := Payload(p)
			if err != nil {
				return fmt.Errorf("tlv: tag %s: %w", p.Tag, err)
			}
			v.Field(i).SetBytes(raw)
			claimed[idx] = true
		}
	}

	if unknown < 0 {
		return nil
	}
	var rest []bertlv.TLV
	for idx, p := range packets {
		if !claimed[idx] {
			rest = append(rest, p)
		}
	}
	if len(rest) > 0 {
		v.Field(unknown).Set(reflect.ValueOf(rest))
	}
	return nil
}

// Find returns the first packet carrying tag, compared case-insensitively.
func Find(packets []bertlv.TLV, tag string) (bertlv.TLV, bool) {
	for _, p := range packets {
		if strings.EqualFold(p.Tag, tag) {
			return p, true
		}
	}
	return bertlv.TLV{}, false
}

// Payload returns the value bytes of p, re-encoding children of a
// constructed object.
func Payload(p bertlv.TLV) ([]byte, error) {
	if len(p.TLVs) > 0 {
		return bertlv.Encode(p.TLVs)
	}
	return p.Value, nil
}
