package tlv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHex(t *testing.T) {
	assert.Equal(t, []byte{0x90, 0x60, 0x00, 0x00, 0x00}, Hex("90 60", "00 00", " 00 "))
	assert.Equal(t, []byte{0xCA, 0xFE}, Hex("ca", "FE"))
	assert.Equal(t, []byte{0x91, 0xAF}, Hex("91\tAF\n"))
	assert.Empty(t, Hex())

	assert.Panics(t, func() { Hex("ZZ") })
	assert.Panics(t, func() { Hex("9") })
}
