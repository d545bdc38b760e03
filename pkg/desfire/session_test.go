package desfire_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/desfire/internal/cardsim"
	"github.com/gregLibert/desfire/pkg/desfire"
)

var testUID = []byte{0x04, 0x78, 0x2E, 0x21, 0x80, 0x1D, 0x80}

const testAID desfire.AID = 0xF54230

const (
	filePlain    byte = 1
	fileMAC      byte = 2
	fileEnc      byte = 3
	fileLarge    byte = 4
	fileReadOnly byte = 5
)

func unhex(t testing.TB, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func keyOf(t testing.TB, kt desfire.KeyType, s string) desfire.Key {
	t.Helper()
	k, err := desfire.ParseKey(kt, s)
	require.NoError(t, err)
	return k
}

var (
	keyAll0 = desfire.AccessRights{}
	keyFree = desfire.AccessRights{Read: desfire.AccessFree, Write: desfire.AccessFree, ReadWrite: desfire.AccessFree, Change: 0}
)

// newCard returns a card holding testAID with three keys of type kt, key 0
// set to key, and one file per communication mode.
func newCard(t testing.TB, kt desfire.KeyType, key []byte) (*cardsim.Card, *cardsim.App) {
	t.Helper()
	card := cardsim.New(testUID)
	app := card.AddApplication(testAID, kt, 3)
	app.SetKey(0, key, 0)
	app.AddFile(filePlain, desfire.CommPlain, keyFree, pattern(32, 0x00))
	app.AddFile(fileMAC, desfire.CommMAC, keyAll0, pattern(64, 0x40))
	app.AddFile(fileEnc, desfire.CommEnciphered, keyAll0, pattern(300, 0x80))
	app.AddFile(fileLarge, desfire.CommPlain, keyFree, pattern(600, 0x10))
	app.AddFile(fileReadOnly, desfire.CommPlain, desfire.AccessRights{Read: desfire.AccessFree, Write: desfire.AccessNever, ReadWrite: desfire.AccessNever}, pattern(16, 0x20))
	return card, app
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession(t testing.TB, card *cardsim.Card, opts ...desfire.Option) *desfire.Session {
	t.Helper()
	s := desfire.NewSession(card, append([]desfire.Option{desfire.WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, s.SelectApplication(testAID))
	return s
}

type handshakeCase struct {
	name   string
	h      desfire.Handshake
	kt     desfire.KeyType
	key    string
	method desfire.AuthMethod
}

var handshakeCases = []handshakeCase{
	{"legacy 2K3DES", desfire.HandshakeLegacy, desfire.KeyDES, "00112233445566778899AABBCCDDEEFF", desfire.AuthLegacy},
	{"legacy single DES", desfire.HandshakeLegacy, desfire.KeyDES, "01234567890ABCDE01234567890ABCDE", desfire.AuthLegacy},
	{"native ISO 2K3DES", desfire.HandshakeNativeISO, desfire.KeyDES, "00112233445566778899AABBCCDDEEFF", desfire.AuthISO},
	{"native ISO 3K3DES", desfire.HandshakeNativeISO, desfire.Key3K3DES, "00112233445566778899AABBCCDDEEFF0102030405060708", desfire.AuthISO},
	{"AES", desfire.HandshakeAES, desfire.KeyAES, "F0E1D2C3B4A5968778695A4B3C2D1E0F", desfire.AuthEV1},
	{"ISO 7816 2K3DES", desfire.HandshakeISO7816, desfire.KeyDES, "00112233445566778899AABBCCDDEEFF", desfire.AuthEV1ISO},
	{"ISO 7816 3K3DES", desfire.HandshakeISO7816, desfire.Key3K3DES, "00112233445566778899AABBCCDDEEFF0102030405060708", desfire.AuthEV1ISO},
	{"ISO 7816 AES", desfire.HandshakeISO7816, desfire.KeyAES, "F0E1D2C3B4A5968778695A4B3C2D1E0F", desfire.AuthISOAES},
	{"EV2 first", desfire.HandshakeEV2First, desfire.KeyAES, "F0E1D2C3B4A5968778695A4B3C2D1E0F", desfire.AuthEV2},
}

func TestSession_Handshakes(t *testing.T) {
	for _, tc := range handshakeCases {
		t.Run(tc.name, func(t *testing.T) {
			key := keyOf(t, tc.kt, tc.key)
			card, app := newCard(t, tc.kt, key.Data)
			s := newSession(t, card)

			require.NoError(t, s.AuthenticateWith(tc.h, 0, key))
			assert.Equal(t, tc.method, s.AuthMethod())
			assert.True(t, card.Authenticated())
			stored, ok := s.CryptoContext().Key(testAID, 0)
			assert.True(t, ok)
			assert.Equal(t, key.Data, stored.Data)

			got, err := s.ReadFile(fileEnc)
			require.NoError(t, err)
			assert.Equal(t, pattern(300, 0x80), got)

			got, err = s.ReadData(fileMAC, 8, 16, desfire.CommMAC)
			require.NoError(t, err)
			assert.Equal(t, pattern(64, 0x40)[8:24], got)

			got, err = s.ReadData(filePlain, 0, 32, desfire.CommPlain)
			require.NoError(t, err)
			assert.Equal(t, pattern(32, 0x00), got)

			update := pattern(100, 0xA0)
			require.NoError(t, s.WriteData(fileEnc, 10, update, desfire.CommEnciphered))
			assert.Equal(t, update, app.Files[fileEnc].Data[10:110])

			require.NoError(t, s.WriteData(fileMAC, 0, []byte{1, 2, 3, 4}, desfire.CommMAC))
			got, err = s.ReadData(fileMAC, 0, 4, desfire.CommMAC)
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3, 4}, got)

			ids, err := s.GetFileIDs()
			require.NoError(t, err)
			assert.Equal(t, []byte{filePlain, fileMAC, fileEnc, fileLarge, fileReadOnly}, ids)

			ks, err := s.GetKeySettings()
			require.NoError(t, err)
			assert.Equal(t, 3, ks.MaxKeys)
			assert.Equal(t, tc.kt, ks.KeyType)

			v, err := s.GetVersion()
			require.NoError(t, err)
			assert.Equal(t, testUID, v.UID)

			if tc.method != desfire.AuthLegacy {
				uid, err := s.GetCardUID()
				require.NoError(t, err)
				assert.Equal(t, testUID, uid)
			}
			assert.Equal(t, tc.method, s.AuthMethod(), "the session survives every command")
		})
	}
}

func TestSession_AutoHandshake(t *testing.T) {
	tests := []struct {
		kt     desfire.KeyType
		method desfire.AuthMethod
	}{
		{desfire.KeyDES, desfire.AuthLegacy},
		{desfire.Key3K3DES, desfire.AuthISO},
		{desfire.KeyAES, desfire.AuthEV1},
	}
	for _, tt := range tests {
		t.Run(tt.kt.String(), func(t *testing.T) {
			key := desfire.EmptyKey(tt.kt)
			card, _ := newCard(t, tt.kt, key.Data)
			s := newSession(t, card)
			require.NoError(t, s.Authenticate(0, key))
			assert.Equal(t, tt.method, s.AuthMethod())
		})
	}
}

func TestSession_WrongKey(t *testing.T) {
	for _, tc := range handshakeCases {
		t.Run(tc.name, func(t *testing.T) {
			key := keyOf(t, tc.kt, tc.key)
			card, _ := newCard(t, tc.kt, key.Data)
			s := newSession(t, card)

			wrong := desfire.EmptyKey(tc.kt)
			err := s.AuthenticateWith(tc.h, 0, wrong)
			require.Error(t, err)
			var authErr *desfire.AuthError
			require.True(t, errors.As(err, &authErr))
			assert.Equal(t, tc.h, authErr.Handshake)
			assert.Equal(t, desfire.AuthNone, s.AuthMethod())
			assert.False(t, card.Authenticated())
		})
	}
}

func TestSession_TamperedHandshake(t *testing.T) {
	for _, tc := range handshakeCases {
		t.Run(tc.name, func(t *testing.T) {
			key := keyOf(t, tc.kt, tc.key)
			card, _ := newCard(t, tc.kt, key.Data)
			s := newSession(t, card)
			require.NoError(t, s.AuthenticateWith(tc.h, 0, key))
			require.NotNil(t, s.CryptoContext().SessionKey())

			// The final frame carries RndA' or RPICC2‖RPCD2'. Flipping its
			// last data byte garbles the block holding the echoed challenge.
			final := byte(desfire.CmdAdditionalFrame)
			if tc.h == desfire.HandshakeISO7816 {
				final = byte(desfire.CmdISOInternalAuthenticate)
			}
			card.Tamper = func(ins byte, resp []byte) []byte {
				if ins != final || len(resp) <= 2 {
					return resp
				}
				out := append([]byte(nil), resp...)
				out[len(out)-3] ^= 0x01
				return out
			}

			err := s.AuthenticateWith(tc.h, 0, key)
			require.Error(t, err)
			assert.True(t, desfire.IsIntegrityError(err), "got %v", err)
			assert.Nil(t, s.CryptoContext().SessionKey())
			assert.Equal(t, desfire.AuthNone, s.AuthMethod())

			_, err = s.ReadData(fileMAC, 0, 8, desfire.CommMAC)
			assert.ErrorIs(t, err, desfire.ErrNotAuthenticated)
		})
	}
}

func TestSession_TryAuthenticate(t *testing.T) {
	key := keyOf(t, desfire.KeyAES, "F0E1D2C3B4A5968778695A4B3C2D1E0F")
	card, _ := newCard(t, desfire.KeyAES, key.Data)
	s := newSession(t, card)

	ok, err := s.TryAuthenticate(0, desfire.EmptyKey(desfire.KeyAES))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TryAuthenticate(7, key)
	require.NoError(t, err, "an unknown key number is a refusal")
	assert.False(t, ok)

	ok, err = s.TryAuthenticate(0, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSession_UsageErrorsSendNothing(t *testing.T) {
	card, _ := newCard(t, desfire.KeyAES, make([]byte, 16))
	s := newSession(t, card)
	sent := len(card.Received)

	_, err := s.ReadData(fileEnc, 0, 16, desfire.CommEnciphered)
	assert.ErrorIs(t, err, desfire.ErrNotAuthenticated)

	err = s.WriteData(fileMAC, 0, []byte{1}, desfire.CommMAC)
	assert.ErrorIs(t, err, desfire.ErrNotAuthenticated)

	err = s.ChangeKey(1, desfire.EmptyKey(desfire.KeyAES))
	assert.ErrorIs(t, err, desfire.ErrNotAuthenticated)

	err = s.AuthenticateWith(desfire.HandshakeLegacy, 0, desfire.EmptyKey(desfire.KeyAES))
	assert.ErrorIs(t, err, desfire.ErrUnsupportedCombination)

	err = s.AuthenticateWith(desfire.HandshakeEV2First, 0, desfire.EmptyKey(desfire.Key3K3DES))
	assert.ErrorIs(t, err, desfire.ErrUnsupportedCombination)

	err = s.Authenticate(0, desfire.Key{Type: desfire.KeyAES, Data: make([]byte, 8)})
	assert.ErrorIs(t, err, desfire.ErrInvalidKey)

	err = s.Authenticate(0, desfire.Key{Type: desfire.KeyAES, Storage: desfire.SAMStorage{KeyIndex: 1}})
	assert.ErrorIs(t, err, desfire.ErrNoSAM)

	err = s.Authenticate(0, desfire.Key{Type: desfire.KeyAES, Storage: desfire.PKCSStorage{SlotID: 1}})
	assert.ErrorIs(t, err, desfire.ErrNoAESService)

	err = s.Authenticate(0, desfire.Key{Type: desfire.KeyAES, Storage: desfire.ReaderStorage{Slot: 2}})
	assert.ErrorIs(t, err, desfire.ErrUnsupportedCombination)

	require.NoError(t, s.WriteData(filePlain, 0, nil, desfire.CommPlain), "an empty write is a no-op")
	assert.Len(t, card.Received, sent, "usage errors are raised before any exchange")
}

func TestSession_IntegrityFailureDropsSession(t *testing.T) {
	tests := []struct {
		name string
		h    desfire.Handshake
		kt   desfire.KeyType
		read func(s *desfire.Session) error
	}{
		{"AES MAC", desfire.HandshakeAES, desfire.KeyAES, func(s *desfire.Session) error {
			_, err := s.ReadData(fileMAC, 0, 16, desfire.CommMAC)
			return err
		}},
		{"AES enciphered", desfire.HandshakeAES, desfire.KeyAES, func(s *desfire.Session) error {
			_, err := s.ReadData(fileEnc, 0, 16, desfire.CommEnciphered)
			return err
		}},
		{"AES management", desfire.HandshakeAES, desfire.KeyAES, func(s *desfire.Session) error {
			_, err := s.GetFileIDs()
			return err
		}},
		{"legacy MAC", desfire.HandshakeLegacy, desfire.KeyDES, func(s *desfire.Session) error {
			_, err := s.ReadData(fileMAC, 0, 16, desfire.CommMAC)
			return err
		}},
		{"legacy enciphered", desfire.HandshakeLegacy, desfire.KeyDES, func(s *desfire.Session) error {
			_, err := s.ReadData(fileEnc, 0, 16, desfire.CommEnciphered)
			return err
		}},
		{"EV2 MAC", desfire.HandshakeEV2First, desfire.KeyAES, func(s *desfire.Session) error {
			_, err := s.ReadData(fileMAC, 0, 16, desfire.CommMAC)
			return err
		}},
		{"EV2 enciphered", desfire.HandshakeEV2First, desfire.KeyAES, func(s *desfire.Session) error {
			_, err := s.GetCardUID()
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := desfire.EmptyKey(tt.kt)
			card, _ := newCard(t, tt.kt, key.Data)
			s := newSession(t, card)
			require.NoError(t, s.AuthenticateWith(tt.h, 0, key))

			card.Tamper = func(ins byte, resp []byte) []byte {
				if len(resp) < 3 {
					return resp
				}
				resp[0] ^= 0x01
				return resp
			}
			err := tt.read(s)
			assert.True(t, desfire.IsIntegrityError(err), "got %v", err)
			assert.Equal(t, desfire.AuthNone, s.AuthMethod())
		})
	}
}

func TestSession_StrippedProtection(t *testing.T) {
	tests := []struct {
		name  string
		h     desfire.Handshake
		kt    desfire.KeyType
		file  byte
		mode  desfire.CommMode
		strip int // trailing data bytes removed before the status word, -1 for all
	}{
		{"AES MAC removed", desfire.HandshakeAES, desfire.KeyAES, fileMAC, desfire.CommMAC, 8},
		{"AES cryptogram removed", desfire.HandshakeAES, desfire.KeyAES, fileEnc, desfire.CommEnciphered, -1},
		{"legacy MAC removed", desfire.HandshakeLegacy, desfire.KeyDES, fileMAC, desfire.CommMAC, 4},
		{"legacy cryptogram removed", desfire.HandshakeLegacy, desfire.KeyDES, fileEnc, desfire.CommEnciphered, -1},
		{"EV2 MAC removed", desfire.HandshakeEV2First, desfire.KeyAES, fileMAC, desfire.CommMAC, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := desfire.EmptyKey(tt.kt)
			card, _ := newCard(t, tt.kt, key.Data)
			s := newSession(t, card)
			require.NoError(t, s.AuthenticateWith(tt.h, 0, key))

			card.Tamper = func(ins byte, resp []byte) []byte {
				if ins != byte(desfire.CmdReadData) || len(resp) < 2 {
					return resp
				}
				data, sw := resp[:len(resp)-2], resp[len(resp)-2:]
				if tt.strip < 0 || tt.strip > len(data) {
					return append([]byte(nil), sw...)
				}
				return append(append([]byte(nil), data[:len(data)-tt.strip]...), sw...)
			}

			got, err := s.ReadData(tt.file, 0, 4, tt.mode)
			assert.Nil(t, got)
			assert.True(t, desfire.IsIntegrityError(err), "got %v", err)
			assert.Equal(t, desfire.AuthNone, s.AuthMethod())
			assert.Nil(t, s.CryptoContext().SessionKey())
		})
	}
}

func TestSession_CardErrorDropsSession(t *testing.T) {
	card, _ := newCard(t, desfire.KeyAES, make([]byte, 16))
	s := newSession(t, card)
	require.NoError(t, s.Authenticate(1, desfire.EmptyKey(desfire.KeyAES)))

	_, err := s.ReadData(fileEnc, 0, 16, desfire.CommEnciphered)
	assert.True(t, desfire.IsStatus(err, desfire.StatusPermissionDenied), "got %v", err)
	var se *desfire.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, desfire.CmdReadData, se.Cmd)
	assert.Equal(t, desfire.AuthNone, s.AuthMethod())

	err = s.WriteData(fileReadOnly, 0, []byte{1}, desfire.CommPlain)
	assert.True(t, desfire.IsStatus(err, desfire.StatusPermissionDenied), "got %v", err)

	_, err = s.ReadData(filePlain, 30, 10, desfire.CommPlain)
	assert.True(t, desfire.IsStatus(err, desfire.StatusBoundaryError), "got %v", err)
}

func TestSession_MultiFrame(t *testing.T) {
	card, app := newCard(t, desfire.KeyAES, make([]byte, 16))
	s := newSession(t, card)

	got, err := s.ReadData(fileLarge, 0, 600, desfire.CommPlain)
	require.NoError(t, err)
	assert.Equal(t, pattern(600, 0x10), got)

	got, err = s.ReadData(fileLarge, 0, desfire.MaxReadChunk, desfire.CommPlain)
	require.NoError(t, err)
	assert.Len(t, got, desfire.MaxReadChunk)
	assert.Len(t, s.LastTrace(), 5, "248 bytes come back in five frames")

	got, err = s.ReadData(filePlain, 4, 0, desfire.CommPlain)
	require.NoError(t, err)
	assert.Equal(t, pattern(32, 0x00)[4:], got, "length 0 reads to the end of the file")

	payload := pattern(500, 0x33)
	require.NoError(t, s.WriteData(fileLarge, 50, payload, desfire.CommPlain))
	assert.Equal(t, payload, app.Files[fileLarge].Data[50:550])
	assert.Len(t, s.LastTrace(), 9, "507 bytes go out in nine frames")

	require.NoError(t, s.Authenticate(0, desfire.EmptyKey(desfire.KeyAES)))
	secret := pattern(200, 0x44)
	require.NoError(t, s.WriteData(fileEnc, 0, secret, desfire.CommEnciphered))
	got, err = s.ReadData(fileEnc, 0, 300, desfire.CommEnciphered)
	require.NoError(t, err)
	assert.Equal(t, secret, got[:200])
	assert.Equal(t, pattern(300, 0x80)[200:], got[200:])
}

func TestSession_SelectApplication(t *testing.T) {
	card, _ := newCard(t, desfire.KeyAES, make([]byte, 16))
	card.AddApplication(0x010203, desfire.KeyDES, 1)
	s := newSession(t, card)
	assert.Equal(t, testAID, s.AID())
	assert.NotEqual(t, uuid.Nil, s.ID())

	require.NoError(t, s.Authenticate(0, desfire.EmptyKey(desfire.KeyAES)))
	require.NoError(t, s.SelectApplication(testAID))
	assert.Equal(t, desfire.AuthNone, s.AuthMethod(), "selecting drops the session")
	_, ok := s.CryptoContext().Key(testAID, 0)
	assert.False(t, ok, "selecting clears the key table")

	err := s.SelectApplication(0x123456)
	assert.True(t, desfire.IsStatus(err, desfire.StatusApplicationNotFound), "got %v", err)
	assert.Equal(t, testAID, s.AID())

	require.NoError(t, s.SelectApplication(desfire.PICCLevel))
	aids, err := s.GetApplicationIDs()
	require.NoError(t, err)
	assert.Equal(t, []desfire.AID{0x010203, testAID}, aids)

	err = s.SelectApplication(0x1000000)
	assert.Error(t, err)
}

func TestSession_ISOSelectDFName(t *testing.T) {
	card, app := newCard(t, desfire.KeyAES, make([]byte, 16))
	app.DFName = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}
	s := desfire.NewSession(card, desfire.WithLogger(quietLogger()))

	fci, err := s.ISOSelectDFName(app.DFName)
	require.NoError(t, err)
	require.NotNil(t, fci)
	assert.Equal(t, app.DFName, fci.DFName())

	require.NoError(t, s.Authenticate(0, desfire.EmptyKey(desfire.KeyAES)))
	assert.Equal(t, desfire.AuthEV1, s.AuthMethod())

	_, err = s.ISOSelectDFName([]byte{0xA0, 0x00})
	var se *desfire.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, uint16(0x6A82), uint16(se.SW))
	assert.Equal(t, desfire.AuthNone, s.AuthMethod())
}

func TestSession_ISOSelectMF(t *testing.T) {
	card, _ := newCard(t, desfire.KeyAES, make([]byte, 16))
	s := desfire.NewSession(card, desfire.WithLogger(quietLogger()))

	require.NoError(t, s.SelectApplication(testAID))
	require.NoError(t, s.ISOSelectMF())
	assert.Equal(t, desfire.PICCLevel, s.AID())
	require.Len(t, s.LastTrace(), 1)
	assert.Equal(t, []byte{0x3F, 0x00}, s.LastTrace()[0].Command.Data)

	// the card level still answers native commands
	require.NoError(t, s.Authenticate(0, desfire.EmptyKey(desfire.KeyDES)))
	aids, err := s.GetApplicationIDs()
	require.NoError(t, err)
	assert.Contains(t, aids, testAID)
}

func TestSession_Diversification(t *testing.T) {
	master := keyOf(t, desfire.KeyAES, "00112233445566778899AABBCCDDEEFF")
	div := desfire.NXPAV2{DiversificationOptions: desfire.DiversificationOptions{SystemIdentifier: unhex(t, "4E585020416275")}}
	in, err := div.Input(testUID, testAID, 0)
	require.NoError(t, err)
	cardKey, err := div.Derive(master, in)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "A8DD63A3B89D54B37CA802473FDA9175"), cardKey)

	card, _ := newCard(t, desfire.KeyAES, cardKey)
	s := newSession(t, card)
	master.Diversify = div

	require.NoError(t, s.Authenticate(0, master))
	assert.Contains(t, card.Received, byte(desfire.CmdGetVersion), "the UID comes from GetVersion")

	card2, _ := newCard(t, desfire.KeyAES, cardKey)
	s2 := newSession(t, card2, desfire.WithUID(testUID))
	require.NoError(t, s2.Authenticate(0, master))
	assert.NotContains(t, card2.Received, byte(desfire.CmdGetVersion))
}

func TestSession_DiversifiedEncipheredRoundTrip(t *testing.T) {
	uid := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	const aid desfire.AID = 0x210500 // 00 05 21 on the wire

	master := keyOf(t, desfire.KeyAES, "00112233445566778899AABBCCDDEEFF")
	master.Diversify = desfire.NXPAV2{}
	in, err := desfire.NXPAV2{}.Input(uid, aid, 0)
	require.NoError(t, err)
	cardKey, err := desfire.NXPAV2{}.Derive(master, in)
	require.NoError(t, err)
	require.Equal(t, unhex(t, "EDF8CD6523D2C8C4CA64F06DBA84FEE6"), cardKey)

	card := cardsim.New(uid)
	app := card.AddApplication(aid, desfire.KeyAES, 1)
	app.SetKey(0, cardKey, 0)
	app.AddFile(1, desfire.CommEnciphered, keyAll0, make([]byte, 32))

	s := desfire.NewSession(card, desfire.WithLogger(quietLogger()), desfire.WithUID(uid))
	require.NoError(t, s.SelectApplication(aid))
	require.NoError(t, s.Authenticate(0, master))

	want := bytes.Repeat([]byte{0xAA}, 32)
	require.NoError(t, s.WriteData(1, 0, want, desfire.CommEnciphered))
	got, err := s.ReadData(1, 0, 32, desfire.CommEnciphered)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSession_ConcurrentCommands(t *testing.T) {
	card, _ := newCard(t, desfire.KeyAES, make([]byte, 16))
	s := newSession(t, card)
	require.NoError(t, s.Authenticate(0, desfire.EmptyKey(desfire.KeyAES)))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ReadData(fileMAC, 0, 8, desfire.CommMAC); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, desfire.AuthEV1, s.AuthMethod())
}
