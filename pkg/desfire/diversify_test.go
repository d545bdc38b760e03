package desfire

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNXPAV2_AN10922AES(t *testing.T) {
	master, err := ParseKey(KeyAES, "00112233445566778899AABBCCDDEEFF")
	require.NoError(t, err)
	d := NXPAV2{DiversificationOptions{SystemIdentifier: mustHex(t, "4E585020416275")}}

	in, err := d.Input(mustHex(t, "04782E21801D80"), AID(0xF54230), 0)
	require.NoError(t, err)
	msg, err := in.Message()
	require.NoError(t, err)
	if diff := cmp.Diff(mustHex(t, "04782E21801D803042F54E585020416275"), msg); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}

	got, err := d.Derive(master, in)
	require.NoError(t, err)
	if diff := cmp.Diff(mustHex(t, "A8DD63A3B89D54B37CA802473FDA9175"), got); diff != "" {
		t.Errorf("diversified key mismatch (-want +got):\n%s", diff)
	}
}

func TestNXPAV2_DESAndThreeKey(t *testing.T) {
	in := DiversificationInput{Override: mustHex(t, "04782E21801D80")}

	des, err := NXPAV2{}.Derive(Key{Type: KeyDES, Data: mustHex(t, "00112233445566778899AABBCCDDEEFF")}, in)
	require.NoError(t, err)
	assert.Len(t, des, 16)
	assert.NotEqual(t, des[:8], des[8:])

	three, err := NXPAV2{}.Derive(Key{Type: Key3K3DES, Data: bytes.Repeat([]byte{0x5A, 0x3C, 0x96}, 8)}, in)
	require.NoError(t, err)
	assert.Len(t, three, 24)
}

func TestNXPAV1(t *testing.T) {
	master := Key{Type: KeyAES, Data: mustHex(t, "00112233445566778899AABBCCDDEEFF")}
	in := DiversificationInput{Override: []byte{0x01, 0x02, 0x03}}

	av1, err := NXPAV1{}.Derive(master, in)
	require.NoError(t, err)
	av2, err := NXPAV2{}.Derive(master, in)
	require.NoError(t, err)
	assert.Len(t, av1, 16)
	assert.NotEqual(t, av1, av2, "AV1 skips the two block minimum")

	_, err = NXPAV1{}.Derive(Key{Type: Key3K3DES, Data: make([]byte, 24)}, in)
	assert.ErrorIs(t, err, ErrUnsupportedCombination)
}

func TestOmnitech(t *testing.T) {
	in := DiversificationInput{Override: []byte("card-0001")}
	for _, kt := range []KeyType{KeyDES, Key3K3DES, KeyAES} {
		t.Run(kt.String(), func(t *testing.T) {
			master := EmptyKey(kt)
			master.Data[0] = 0x42
			got, err := Omnitech{}.Derive(master, in)
			require.NoError(t, err)
			assert.Len(t, got, kt.Length())

			again, err := Omnitech{}.Derive(master, in)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestSagem(t *testing.T) {
	uid := mustHex(t, "04112233445566")
	msg, err := sagemMessage(DiversificationInput{UID: uid})
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "FF0411223344556600FBEEDDCCBBAA99"), msg)

	master := Key{Type: KeyDES, Data: mustHex(t, "00112233445566778899AABBCCDDEEFF")}
	got, err := Sagem{}.Derive(master, DiversificationInput{UID: uid})
	require.NoError(t, err)
	assert.Len(t, got, 16)

	aes, err := Sagem{}.Derive(Key{Type: KeyAES, Data: master.Data}, DiversificationInput{UID: uid})
	require.NoError(t, err)
	assert.Len(t, aes, 16)

	_, err = Sagem{}.Derive(master, DiversificationInput{UID: uid[:4]})
	assert.ErrorIs(t, err, ErrNoIdentifier)

	_, err = Sagem{}.Derive(Key{Type: Key3K3DES, Data: make([]byte, 24)}, DiversificationInput{UID: uid})
	assert.ErrorIs(t, err, ErrUnsupportedCombination)
}

func TestDiversificationInput(t *testing.T) {
	uid := mustHex(t, "04782E21801D80")

	t.Run("no identifier", func(t *testing.T) {
		_, err := NXPAV2{}.Input(nil, 0x010203, 1)
		assert.ErrorIs(t, err, ErrNoIdentifier)
	})

	t.Run("override without UID", func(t *testing.T) {
		in, err := NXPAV2{DiversificationOptions{Override: []byte{0xCA, 0xFE}}}.Input(nil, 0x010203, 1)
		require.NoError(t, err)
		msg, err := in.Message()
		require.NoError(t, err)
		assert.Equal(t, []byte{0xCA, 0xFE}, msg)
	})

	t.Run("override too long", func(t *testing.T) {
		_, err := NXPAV2{DiversificationOptions{Override: make([]byte, 32)}}.Input(uid, 0, 0)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("key number without system identifier", func(t *testing.T) {
		in, err := NXPAV2{}.Input(uid, 0xF54230, 2)
		require.NoError(t, err)
		msg, err := in.Message()
		require.NoError(t, err)
		assert.Equal(t, mustHex(t, "04782E21801D803042F502"), msg)
	})

	t.Run("reversed AID", func(t *testing.T) {
		in, err := NXPAV2{DiversificationOptions{ReverseAID: true}}.Input(uid, 0xF54230, 0)
		require.NoError(t, err)
		msg, err := in.Message()
		require.NoError(t, err)
		assert.Equal(t, mustHex(t, "04782E21801D80F5423000"), msg)
	})

	t.Run("built message too long", func(t *testing.T) {
		_, err := NXPAV2{DiversificationOptions{SystemIdentifier: make([]byte, 22)}}.Input(uid, 0xF54230, 0)
		assert.ErrorIs(t, err, ErrInvalidKey)

		in := DiversificationInput{UID: uid, AID: 0xF54230, SystemIdentifier: make([]byte, 22)}
		_, err = in.Message()
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = NXPAV2{}.Derive(Key{Type: KeyAES, Data: make([]byte, 16)}, in)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("longest message", func(t *testing.T) {
		in, err := NXPAV2{DiversificationOptions{SystemIdentifier: make([]byte, 21)}}.Input(uid, 0xF54230, 0)
		require.NoError(t, err)
		msg, err := in.Message()
		require.NoError(t, err)
		assert.Len(t, msg, 31)
	})
}

func TestDiversify_RejectsNonMemoryMaster(t *testing.T) {
	master := Key{Type: KeyAES, Storage: SAMStorage{KeyIndex: 1}}
	_, err := NXPAV2{}.Derive(master, DiversificationInput{Override: []byte{1}})
	assert.ErrorIs(t, err, ErrUnsupportedCombination)
}

func TestNXPAV2_KeyNumberInput(t *testing.T) {
	master := Key{Type: KeyAES, Data: mustHex(t, "00112233445566778899AABBCCDDEEFF")}
	uid := mustHex(t, "01020304050607")

	tests := []struct {
		keyNo byte
		msg   string
		want  string
	}{
		{0, "0102030405060700052100", "EDF8CD6523D2C8C4CA64F06DBA84FEE6"},
		{1, "0102030405060700052101", "639DF7CBECC7D0CD29E388BCA5C5583E"},
	}
	for _, tt := range tests {
		in, err := NXPAV2{}.Input(uid, AID(0x210500), tt.keyNo)
		require.NoError(t, err)
		msg, err := in.Message()
		require.NoError(t, err)
		assert.Equal(t, mustHex(t, tt.msg), msg)

		got, err := NXPAV2{}.Derive(master, in)
		require.NoError(t, err)
		if diff := cmp.Diff(mustHex(t, tt.want), got); diff != "" {
			t.Errorf("key %d mismatch (-want +got):\n%s", tt.keyNo, diff)
		}
	}
}

func TestDiversify_DeterministicAndSensitive(t *testing.T) {
	uid := mustHex(t, "01020304050607")
	const aid AID = 0x210500

	diversifiers := []struct {
		name string
		d    Diversifier
		kt   KeyType
	}{
		{"nxp-av2 aes", NXPAV2{}, KeyAES},
		{"nxp-av2 des", NXPAV2{}, KeyDES},
		{"nxp-av2 3k3des", NXPAV2{}, Key3K3DES},
		{"nxp-av1 aes", NXPAV1{}, KeyAES},
		{"omnitech aes", Omnitech{}, KeyAES},
	}
	for _, dv := range diversifiers {
		t.Run(dv.name, func(t *testing.T) {
			master := EmptyKey(dv.kt)
			for i := range master.Data {
				master.Data[i] = byte(0x11 * (i % 15))
			}
			derive := func(uid []byte, aid AID, keyNo byte) []byte {
				t.Helper()
				in, err := dv.d.Input(uid, aid, keyNo)
				require.NoError(t, err)
				k, err := dv.d.Derive(master, in)
				require.NoError(t, err)
				return k
			}

			base := derive(uid, aid, 0)
			assert.Equal(t, base, derive(uid, aid, 0))
			assert.NotEqual(t, base, derive(mustHex(t, "01020304050608"), aid, 0), "uid")
			assert.NotEqual(t, base, derive(uid, aid+1, 0), "aid")
			assert.NotEqual(t, base, derive(uid, aid, 1), "key number")
		})
	}
}
