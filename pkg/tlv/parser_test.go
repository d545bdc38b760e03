package tlv

import (
	"testing"

	"github.com/moov-io/bertlv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type appTemplate struct {
	Name    []byte `tlv:"84"`
	FileID  []byte `tlv:"83"`
	Prop    []byte `tlv:"A5"`
	Ignored []byte
	Rest    []bertlv.TLV `tlv:",unknown"`
}

func TestBind(t *testing.T) {
	packets, err := bertlv.Decode(Hex(
		"83 02 E105",
		"84 07 D2760000850101",
		"A5 03 8801FF",
		"DF01 01 BB",
	))
	require.NoError(t, err)

	var got appTemplate
	require.NoError(t, Bind(packets, &got))

	assert.Equal(t, Hex("D2760000850101"), got.Name)
	assert.Equal(t, Hex("E105"), got.FileID)
	assert.Equal(t, Hex("8801FF"), got.Prop)
	assert.Nil(t, got.Ignored)
	require.Len(t, got.Rest, 1)
	assert.Equal(t, "DF01", got.Rest[0].Tag)
}

func TestBind_LastOccurrenceWins(t *testing.T) {
	packets, err := bertlv.Decode(Hex("84 01 01", "84 01 02"))
	require.NoError(t, err)

	var got appTemplate
	require.NoError(t, Bind(packets, &got))
	assert.Equal(t, []byte{0x02}, got.Name)
	assert.Empty(t, got.Rest)
}

func TestBind_Errors(t *testing.T) {
	packets := []bertlv.TLV{{Tag: "84", Value: []byte{1}}}

	assert.ErrorIs(t, Bind(packets, appTemplate{}), ErrTarget)
	assert.ErrorIs(t, Bind(packets, (*appTemplate)(nil)), ErrTarget)

	var n int
	assert.ErrorIs(t, Bind(packets, &n), ErrTarget)

	var wrongField struct {
		Name string `tlv:"84"`
	}
	assert.ErrorContains(t, Bind(packets, &wrongField), "must be []byte")

	var wrongUnknown struct {
		Rest []byte `tlv:",unknown"`
	}
	assert.ErrorContains(t, Bind(packets, &wrongUnknown), "must be []bertlv.TLV")
}

func TestFind(t *testing.T) {
	packets, err := bertlv.Decode(Hex("6F 09", "84 07 D2760000850101"))
	require.NoError(t, err)

	fci, ok := Find(packets, "6f")
	require.True(t, ok)

	name, ok := Find(fci.TLVs, "84")
	require.True(t, ok)
	assert.Equal(t, Hex("D2760000850101"), name.Value)

	_, ok = Find(packets, "62")
	assert.False(t, ok)
}

func TestPayload(t *testing.T) {
	packets, err := bertlv.Decode(Hex("6F 09", "84 07 D2760000850101"))
	require.NoError(t, err)

	raw, err := Payload(packets[0])
	require.NoError(t, err)
	assert.Equal(t, Hex("84 07 D2760000850101"), raw)
}
