package desfire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	k, err := ParseKey(KeyAES, "00 11 22 33:44 55 66 77 88 99 AA BB CC DD EE FF")
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "00112233445566778899AABBCCDDEEFF"), k.Data)

	_, err = ParseKey(KeyAES, "0011")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseKey(KeyDES, "zz")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKey_Validate(t *testing.T) {
	assert.NoError(t, EmptyKey(Key3K3DES).Validate())
	assert.ErrorIs(t, Key{Type: KeyAES, Data: make([]byte, 8)}.Validate(), ErrInvalidKey)
	assert.ErrorIs(t, Key{Type: KeyType(7)}.Validate(), ErrInvalidKey)
	// the bytes of a SAM key stay in the SAM
	assert.NoError(t, Key{Type: KeyAES, Storage: SAMStorage{KeyIndex: 3}}.Validate())
}

func TestKey_IsEmpty(t *testing.T) {
	assert.True(t, EmptyKey(KeyAES).IsEmpty())
	k := EmptyKey(KeyAES)
	k.Data[15] = 1
	assert.False(t, k.IsEmpty())
	assert.False(t, Key{Type: KeyAES, Storage: PKCSStorage{SlotID: 1}}.IsEmpty())
}

func TestKey_StringHidesMaterial(t *testing.T) {
	k, err := ParseKey(KeyAES, "DEADBEEFDEADBEEFDEADBEEFDEADBEEF")
	require.NoError(t, err)
	k.Version = 2
	s := k.String()
	assert.Contains(t, s, "AES")
	assert.Contains(t, s, "memory")
	assert.NotContains(t, strings.ToUpper(s), "DEADBEEF")
}

func TestDESKeyVersion(t *testing.T) {
	key := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	for _, v := range []byte{0x00, 0x01, 0x5A, 0xFF} {
		versioned := SetDESKeyVersion(key, v)
		assert.Equal(t, v, DESKeyVersion(versioned))
		assert.Equal(t, key[8:], versioned[8:], "only the first eight bytes carry the version")
	}
	assert.Equal(t, key, mustHex(t, "00112233445566778899AABBCCDDEEFF"), "the input is not modified")
}

func TestAID(t *testing.T) {
	aid, err := AIDFromBytes([]byte{0x30, 0x42, 0xF5})
	require.NoError(t, err)
	assert.Equal(t, AID(0xF54230), aid)
	assert.Equal(t, []byte{0x30, 0x42, 0xF5}, aid.Bytes())
	assert.Equal(t, "F54230", aid.String())

	parsed, err := ParseAID("f54230")
	require.NoError(t, err)
	assert.Equal(t, aid, parsed)

	_, err = ParseAID("1000000")
	assert.Error(t, err)
	_, err = AIDFromBytes([]byte{1, 2})
	assert.ErrorIs(t, err, ErrUnexpectedLength)
}
