package desfire

import (
	"fmt"
	"strconv"
)

// AID is a 24-bit DESFire application identifier. AID 0 is the PICC level.
type AID uint32

// PICCLevel is the card level application.
const PICCLevel AID = 0

// AIDFromBytes decodes the three wire bytes, least significant byte first.
func AIDFromBytes(b []byte) (AID, error) {
	if len(b) != 3 {
		return 0, fmt.Errorf("%w: AID needs 3 bytes, got %d", ErrUnexpectedLength, len(b))
	}
	return AID(b[0]) | AID(b[1])<<8 | AID(b[2])<<16, nil
}

// ParseAID reads a hex AID such as "F51230".
func ParseAID(s string) (AID, error) {
	v, err := strconv.ParseUint(s, 16, 24)
	if err != nil {
		return 0, fmt.Errorf("invalid AID %q: %w", s, err)
	}
	return AID(v), nil
}

// Bytes returns the wire encoding, least significant byte first.
func (a AID) Bytes() []byte {
	return []byte{byte(a), byte(a >> 8), byte(a >> 16)}
}

func (a AID) String() string { return fmt.Sprintf("%06X", uint32(a)) }
