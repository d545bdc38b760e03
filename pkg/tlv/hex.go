package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Hex decodes hex fragments written the way APDUs appear in traces,
// e.g. Hex("90 AF 00 00", "10", key). Whitespace is ignored. It panics on
// malformed input and is meant for literals.
func Hex(parts ...string) []byte {
	s := strings.Join(strings.Fields(strings.Join(parts, " ")), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("tlv.Hex(%q): %v", s, err))
	}
	return b
}
