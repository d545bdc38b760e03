package desfire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aesContext(t *testing.T) *CryptoContext {
	t.Helper()
	c := NewCryptoContext()
	require.NoError(t, c.install(AuthEV1, 0x010203, 1, KeyAES, mustHex(t, "000102030405060708090A0B0C0D0E0F")))
	return c
}

func TestCryptoContext_RequiresSession(t *testing.T) {
	c := NewCryptoContext()
	assert.False(t, c.IsAuthenticated())

	_, err := c.CMAC([]byte{1})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = c.Encrypt([]byte{1}, nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	// a SAM handshake without dump authenticates without a session key
	require.NoError(t, c.install(AuthEV1, 0, 0, KeyAES, nil))
	assert.True(t, c.IsAuthenticated())
	assert.False(t, c.HasSessionKey())
	_, err = c.GenerateMAC(CmdGetFileIDs, nil)
	assert.ErrorIs(t, err, ErrNoSessionKey)
}

func TestCryptoContext_KeyTableSurvivesReset(t *testing.T) {
	c := aesContext(t)
	c.SetKey(0x010203, 1, EmptyKey(KeyAES))
	c.Reset()

	assert.False(t, c.IsAuthenticated())
	assert.Nil(t, c.SessionKey())
	_, ok := c.Key(0x010203, 1)
	assert.True(t, ok)

	c.ClearKeys()
	_, ok = c.Key(0x010203, 1)
	assert.False(t, ok)
}

func TestCryptoContext_CMACChain(t *testing.T) {
	c := aesContext(t)
	assert.Equal(t, make([]byte, 16), c.IV())

	first, err := c.CMAC([]byte{byte(CmdGetFileIDs)})
	require.NoError(t, err)
	assert.Equal(t, first, c.IV())

	second, err := c.CMAC([]byte{byte(CmdGetFileIDs)})
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "the IV chains")
	assert.Equal(t, CMAC(c.block, first, []byte{byte(CmdGetFileIDs)}), second)
}

func TestCryptoContext_VerifyMAC(t *testing.T) {
	card := aesContext(t)
	pcd := aesContext(t)

	payload := []byte{0x01, 0x02, 0x03}
	mac := CMAC(card.block, card.iv, append(append([]byte(nil), payload...), 0x00))

	got, err := pcd.VerifyMAC(true, append(append([]byte(nil), payload...), mac[:8]...))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, mac, pcd.IV())

	bad := append(append([]byte(nil), payload...), make([]byte, 8)...)
	_, err = pcd.VerifyMAC(true, bad)
	assert.True(t, IsIntegrityError(err))
	assert.False(t, pcd.IsAuthenticated(), "a MAC mismatch drops the session")
}

func TestCryptoContext_LegacyMAC(t *testing.T) {
	c := NewCryptoContext()
	require.NoError(t, c.install(AuthLegacy, 0, 0, KeyDES, mustHex(t, "00112233445566778899AABBCCDDEEFF")))
	assert.Equal(t, 4, c.MACSize())

	data := []byte("legacy")
	mac, err := c.GenerateMAC(CmdWriteData, data)
	require.NoError(t, err)
	assert.Len(t, mac, 4)

	got, err := c.VerifyMAC(true, append(append([]byte(nil), data...), mac...))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCryptoContext_Decrypt(t *testing.T) {
	data := []byte("0123456789")
	plain := appendCRC32(append([]byte(nil), data...), CRC32(append(append([]byte(nil), data...), 0x00)))

	t.Run("known length", func(t *testing.T) {
		c := aesContext(t)
		ct := cbcEncrypt(c.block, c.iv, zeroPad(plain, 16))
		got, err := c.Decrypt(ct, len(data))
		require.NoError(t, err)
		assert.Equal(t, data, got)
		assert.Equal(t, lastBlock(ct, 16), c.IV())
	})

	t.Run("length found from the checksum", func(t *testing.T) {
		c := aesContext(t)
		ct := cbcEncrypt(c.block, c.iv, zeroPad(plain, 16))
		got, err := c.Decrypt(ct, 0)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("corrupted", func(t *testing.T) {
		c := aesContext(t)
		ct := cbcEncrypt(c.block, c.iv, zeroPad(plain, 16))
		ct[0] ^= 0xFF
		_, err := c.Decrypt(ct, len(data))
		assert.True(t, IsIntegrityError(err))
		assert.False(t, c.IsAuthenticated())
	})

	t.Run("legacy", func(t *testing.T) {
		c := NewCryptoContext()
		require.NoError(t, c.install(AuthLegacy, 0, 0, KeyDES, mustHex(t, "00112233445566778899AABBCCDDEEFF")))
		legacy := appendCRC16(append([]byte(nil), data...), CRC16(data))
		ct := cbcEncrypt(c.block, make([]byte, 8), zeroPad(legacy, 8))
		got, err := c.Decrypt(ct, 0)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})
}

func TestCryptoContext_Encrypt(t *testing.T) {
	c := aesContext(t)
	prefix := []byte{byte(CmdWriteData), 0x01, 0, 0, 0, 3, 0, 0}
	ct, err := c.Encrypt([]byte{0xAA, 0xBB, 0xCC}, prefix)
	require.NoError(t, err)
	require.Len(t, ct, 16)
	assert.Equal(t, lastBlock(ct, 16), c.IV())

	plain := cbcDecrypt(c.block, make([]byte, 16), ct)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, plain[:3])
	assert.Equal(t, appendCRC32(nil, CRC32(append(prefix, 0xAA, 0xBB, 0xCC))), plain[3:7])
	assert.True(t, allZero(plain[7:]))
}
