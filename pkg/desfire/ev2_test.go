package desfire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev2Pair(t *testing.T) (pcd, card *EV2Channel) {
	t.Helper()
	key := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	rndA := bytes.Repeat([]byte{0xA1}, 16)
	rndB := bytes.Repeat([]byte{0xB2}, 16)
	ti := []byte{0x9D, 0x00, 0xC4, 0xDF}

	pcd, err := NewEV2Channel(key, rndA, rndB, ti)
	require.NoError(t, err)
	card, err = NewEV2Channel(key, rndA, rndB, ti)
	require.NoError(t, err)
	return pcd, card
}

func TestEV2Channel_SessionKeysDiffer(t *testing.T) {
	pcd, _ := ev2Pair(t)
	in := make([]byte, 16)
	a, b := make([]byte, 16), make([]byte, 16)
	pcd.enc.Encrypt(a, in)
	pcd.mac.Encrypt(b, in)
	assert.NotEqual(t, a, b)
}

func TestEV2Channel_CommandRoundTrip(t *testing.T) {
	pcd, card := ev2Pair(t)
	data := []byte("a new key and its version")

	ct := pcd.EncryptCommand(data)
	assert.Len(t, ct, 32)
	got, err := card.DecryptCommand(ct)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	header := []byte{0x01}
	assert.Equal(t, pcd.CommandMAC(byte(CmdChangeKey), header, ct), card.CommandMAC(byte(CmdChangeKey), header, ct))
	assert.Len(t, pcd.CommandMAC(byte(CmdChangeKey), header, ct), 8)
}

func TestEV2Channel_ResponseRoundTrip(t *testing.T) {
	pcd, card := ev2Pair(t)
	uid := mustHex(t, "04782E21801D80")

	ct := card.EncryptResponse(uid)
	mac := card.ResponseMAC(byte(StatusOK), ct)
	assert.Equal(t, mac, pcd.ResponseMAC(byte(StatusOK), ct))

	got, err := pcd.DecryptResponse(ct)
	require.NoError(t, err)
	assert.Equal(t, uid, got)
}

func TestEV2Channel_CounterFeedsIVAndMAC(t *testing.T) {
	pcd, _ := ev2Pair(t)
	iv0, mac0 := pcd.CommandIV(), pcd.CommandMAC(byte(CmdGetFileIDs), nil, nil)
	assert.NotEqual(t, iv0, pcd.ResponseIV())

	pcd.Counter++
	assert.NotEqual(t, iv0, pcd.CommandIV())
	assert.NotEqual(t, mac0, pcd.CommandMAC(byte(CmdGetFileIDs), nil, nil))
}

func TestEV2Channel_RejectsBadInputs(t *testing.T) {
	_, err := NewEV2Channel(make([]byte, 16), make([]byte, 8), make([]byte, 16), make([]byte, 4))
	assert.ErrorIs(t, err, ErrUnexpectedLength)

	pcd, _ := ev2Pair(t)
	_, err = pcd.DecryptResponse(make([]byte, 15))
	assert.True(t, IsIntegrityError(err))
}
