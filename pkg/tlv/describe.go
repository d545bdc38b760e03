package tlv

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// Describe appends one "    - prefix.Field (tag): value" line per non-empty
// []byte field of s, then one line per unknown packet. Lines are joined with
// newlines and a newline separates them from earlier content in sb. The
// `fmt` struct tag picks the rendering: "ascii", "int" or hex by default.
func Describe(sb *strings.Builder, prefix string, s any) {
	v := reflect.ValueOf(s)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	t := v.Type()

	var lines []string
	for i := 0; i < t.NumField(); i++ {
		sf, fv := t.Field(i), v.Field(i)
		switch {
		case sf.Type == tlvSliceType:
			for _, p := range fv.Interface().([]bertlv.TLV) {
				lines = append(lines, fmt.Sprintf("    - %s.Unknown Tag %s: %X", prefix, p.Tag, p.Value))
			}
		case sf.Type.Kind() == reflect.Slice && sf.Type.Elem().Kind() == reflect.Uint8:
			if fv.Len() == 0 {
				continue
			}
			name := sf.Name
			if tag := sf.Tag.Get("tlv"); tag != "" {
				name += " (" + tag + ")"
			}
			lines = append(lines, fmt.Sprintf("    - %s.%s: %s", prefix, name, render(fv.Bytes(), sf.Tag.Get("fmt"))))
		}
	}
	if len(lines) == 0 {
		return
	}
	if sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	sb.WriteString(strings.Join(lines, "\n"))
}

func render(b []byte, format string) string {
	switch format {
	case "ascii":
		return fmt.Sprintf("%X (%q)", b, Printable(b))
	case "int":
		var n uint64
		for _, c := range b {
			n = n<<8 | uint64(c)
		}
		return fmt.Sprintf("%X (Dec: %d)", b, n)
	default:
		return fmt.Sprintf("%X", b)
	}
}

// Printable maps every byte outside the printable ASCII range to '.'.
func Printable(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c < 0x20 || c > 0x7E {
			c = '.'
		}
		out[i] = c
	}
	return string(out)
}
