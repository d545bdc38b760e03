package desfire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/desfire/pkg/desfire"
)

func TestChangeKey(t *testing.T) {
	tests := []struct {
		name   string
		h      desfire.Handshake
		kt     desfire.KeyType
		newKey string
	}{
		{"legacy", desfire.HandshakeLegacy, desfire.KeyDES, "A0A1A2A3A4A5A6A7B0B1B2B3B4B5B6B7"},
		{"native ISO 3K3DES", desfire.HandshakeNativeISO, desfire.Key3K3DES, "A0A1A2A3A4A5A6A7B0B1B2B3B4B5B6B7C0C1C2C3C4C5C6C7"},
		{"AES", desfire.HandshakeAES, desfire.KeyAES, "A0A1A2A3A4A5A6A7B0B1B2B3B4B5B6B7"},
		{"ISO 7816 AES", desfire.HandshakeISO7816, desfire.KeyAES, "A0A1A2A3A4A5A6A7B0B1B2B3B4B5B6B7"},
		{"EV2", desfire.HandshakeEV2First, desfire.KeyAES, "A0A1A2A3A4A5A6A7B0B1B2B3B4B5B6B7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			master := desfire.EmptyKey(tt.kt)
			newKey := keyOf(t, tt.kt, tt.newKey)
			newKey.Version = 0x07

			t.Run("other key", func(t *testing.T) {
				card, app := newCard(t, tt.kt, master.Data)
				s := newSession(t, card)
				require.NoError(t, s.AuthenticateWith(tt.h, 0, master))

				require.NoError(t, s.ChangeKey(1, newKey))
				assert.NotEqual(t, desfire.AuthNone, s.AuthMethod(), "changing another key keeps the session")
				assert.Equal(t, byte(0x07), app.Versions[1])

				version, err := s.GetKeyVersion(1)
				require.NoError(t, err)
				assert.Equal(t, byte(0x07), version)

				stored, ok := s.CryptoContext().Key(testAID, 1)
				require.True(t, ok, "the new key is recorded")
				assert.Equal(t, newKey.Data, stored.Data)

				require.NoError(t, s.AuthenticateWith(tt.h, 1, newKey))
			})

			t.Run("authenticated key", func(t *testing.T) {
				card, _ := newCard(t, tt.kt, master.Data)
				s := newSession(t, card)
				require.NoError(t, s.AuthenticateWith(tt.h, 0, master))

				require.NoError(t, s.ChangeKey(0, newKey))
				assert.Equal(t, desfire.AuthNone, s.AuthMethod(), "changing the session key ends the session")
				assert.False(t, card.Authenticated())

				err := s.AuthenticateWith(tt.h, 0, master)
				assert.Error(t, err, "the old key is gone")
				require.NoError(t, s.AuthenticateWith(tt.h, 0, newKey))
			})

			t.Run("twice in a row", func(t *testing.T) {
				card, _ := newCard(t, tt.kt, master.Data)
				s := newSession(t, card)
				require.NoError(t, s.AuthenticateWith(tt.h, 0, master))

				require.NoError(t, s.ChangeKey(2, newKey))
				// the second change XORs against the key recorded by the first
				second := keyOf(t, tt.kt, tt.newKey)
				second.Data[0] ^= 0xF0
				require.NoError(t, s.ChangeKey(2, second))
				require.NoError(t, s.AuthenticateWith(tt.h, 2, second))
			})
		})
	}
}

func TestChangeKey_PICCMasterKeyType(t *testing.T) {
	card, _ := newCard(t, desfire.KeyAES, make([]byte, 16))
	s := newSession(t, card)
	require.NoError(t, s.SelectApplication(desfire.PICCLevel))
	require.NoError(t, s.Authenticate(0, desfire.EmptyKey(desfire.KeyDES)))
	assert.Equal(t, desfire.AuthLegacy, s.AuthMethod())

	aesKey := keyOf(t, desfire.KeyAES, "000102030405060708090A0B0C0D0E0F")
	require.NoError(t, s.ChangeKey(0, aesKey))
	assert.Equal(t, desfire.KeyAES, card.Apps[desfire.PICCLevel].KeyType, "the key type travels in the key number")

	require.NoError(t, s.Authenticate(0, aesKey))
	assert.Equal(t, desfire.AuthEV1, s.AuthMethod())

	ks, err := s.GetKeySettings()
	require.NoError(t, err)
	assert.Equal(t, desfire.KeyAES, ks.KeyType)
}

func TestChangeKey_DESVersionInParityBits(t *testing.T) {
	card, app := newCard(t, desfire.KeyDES, make([]byte, 16))
	s := newSession(t, card)
	require.NoError(t, s.AuthenticateWith(desfire.HandshakeNativeISO, 0, desfire.EmptyKey(desfire.KeyDES)))

	newKey := keyOf(t, desfire.KeyDES, "00112233445566778899AABBCCDDEEFF")
	newKey.Version = 0xA5
	require.NoError(t, s.ChangeKey(1, newKey))

	assert.Equal(t, desfire.SetDESKeyVersion(newKey.Data, 0xA5), app.Keys[1])
	assert.Equal(t, byte(0xA5), desfire.DESKeyVersion(app.Keys[1]))
	require.NoError(t, s.AuthenticateWith(desfire.HandshakeNativeISO, 1, newKey), "parity bits do not change the cipher")
}

func TestChangeKey_Rejected(t *testing.T) {
	card, _ := newCard(t, desfire.KeyAES, make([]byte, 16))
	s := newSession(t, card)
	require.NoError(t, s.Authenticate(1, desfire.EmptyKey(desfire.KeyAES)))

	err := s.ChangeKey(2, desfire.EmptyKey(desfire.KeyAES))
	assert.True(t, desfire.IsStatus(err, desfire.StatusPermissionDenied), "got %v", err)
	assert.Equal(t, desfire.AuthNone, s.AuthMethod())

	require.NoError(t, s.Authenticate(0, desfire.EmptyKey(desfire.KeyAES)))
	err = s.ChangeKey(1, desfire.Key{Type: desfire.KeyAES, Storage: desfire.SAMStorage{KeyIndex: 1}})
	assert.ErrorIs(t, err, desfire.ErrUnsupportedCombination)
}
