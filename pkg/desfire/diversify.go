package desfire

import (
	"crypto/cipher"
	"fmt"

	"github.com/aead/cmac"
)

// KEY DIVERSIFICATION:
// A diversifier turns a master key into a card specific key from the card
// UID, the selected AID and the key number. The input message is either the
// caller supplied override or UID‖AID‖SystemIdentifier, the key number
// standing in when no system identifier is set. It is at most 31 bytes.

// Diversifier derives a card specific key.
type Diversifier interface {
	// Input gathers the diversification input for a card and key slot.
	Input(uid []byte, aid AID, keyNo byte) (DiversificationInput, error)
	// Derive computes the diversified key bytes from an in-memory master key.
	Derive(master Key, in DiversificationInput) ([]byte, error)
}

const maxDiversificationInput = 31

// DiversificationInput is everything a diversifier needs to derive a key.
type DiversificationInput struct {
	UID              []byte
	AID              AID
	KeyNo            byte
	SystemIdentifier []byte
	Override         []byte
	ReverseAID       bool
}

// Message builds the diversification message. It fails when the message
// does not fit in 31 bytes.
func (in DiversificationInput) Message() ([]byte, error) {
	var msg []byte
	if len(in.Override) > 0 {
		msg = append(msg, in.Override...)
	} else {
		aid := in.AID.Bytes()
		if in.ReverseAID {
			aid[0], aid[2] = aid[2], aid[0]
		}
		msg = concat(in.UID, aid)
		if len(in.SystemIdentifier) > 0 {
			msg = append(msg, in.SystemIdentifier...)
		} else {
			msg = append(msg, in.KeyNo)
		}
	}
	if len(msg) > maxDiversificationInput {
		return nil, fmt.Errorf("%w: diversification input is %d bytes, max %d", ErrInvalidKey, len(msg), maxDiversificationInput)
	}
	return msg, nil
}

// DiversificationOptions are shared by all diversifiers.
type DiversificationOptions struct {
	SystemIdentifier []byte
	// Override replaces the UID‖AID‖SystemIdentifier message.
	Override   []byte
	ReverseAID bool
}

// Input implements Diversifier.
func (o DiversificationOptions) Input(uid []byte, aid AID, keyNo byte) (DiversificationInput, error) {
	if len(o.Override) == 0 && len(uid) == 0 {
		return DiversificationInput{}, ErrNoIdentifier
	}
	in := DiversificationInput{
		UID:              append([]byte(nil), uid...),
		AID:              aid,
		KeyNo:            keyNo,
		SystemIdentifier: o.SystemIdentifier,
		Override:         o.Override,
		ReverseAID:       o.ReverseAID,
	}
	if _, err := in.Message(); err != nil {
		return DiversificationInput{}, err
	}
	return in, nil
}

func masterBlock(master Key) (cipher.Block, error) {
	if _, ok := master.StorageOrDefault().(MemoryStorage); !ok {
		return nil, fmt.Errorf("%w: %s cannot be diversified locally", ErrUnsupportedCombination, master.StorageOrDefault())
	}
	if err := master.Validate(); err != nil {
		return nil, err
	}
	return NewBlockCipher(master.Type, master.Data)
}

// NXPAV2 is AN10922 diversification: a CMAC over selector‖message where the
// message is padded to two cipher blocks.
type NXPAV2 struct {
	DiversificationOptions
}

// Derive implements Diversifier.
func (d NXPAV2) Derive(master Key, in DiversificationInput) ([]byte, error) {
	block, err := masterBlock(master)
	if err != nil {
		return nil, err
	}
	msg, err := in.Message()
	if err != nil {
		return nil, err
	}
	switch master.Type {
	case KeyAES:
		return an10922(block, 0x01, msg), nil
	case KeyDES:
		return concat(an10922(block, 0x21, msg), an10922(block, 0x22, msg)), nil
	case Key3K3DES:
		return concat(an10922(block, 0x31, msg), an10922(block, 0x32, msg), an10922(block, 0x33, msg)), nil
	}
	return nil, ErrUnsupportedCombination
}

func an10922(b cipher.Block, selector byte, msg []byte) []byte {
	return cmacMinLength(b, nil, concat([]byte{selector}, msg), 2*b.BlockSize())
}

// NXPAV1 is the SAM AV1 flavour: a plain CMAC over selector‖message without
// the two-block minimum. 3K3DES keys are not supported.
type NXPAV1 struct {
	DiversificationOptions
}

// Derive implements Diversifier.
func (d NXPAV1) Derive(master Key, in DiversificationInput) ([]byte, error) {
	block, err := masterBlock(master)
	if err != nil {
		return nil, err
	}
	msg, err := in.Message()
	if err != nil {
		return nil, err
	}
	switch master.Type {
	case KeyAES:
		return cmacSum(block, 0x01, msg)
	case KeyDES:
		a, err := cmacSum(block, 0x21, msg)
		if err != nil {
			return nil, err
		}
		b, err := cmacSum(block, 0x22, msg)
		if err != nil {
			return nil, err
		}
		return concat(a, b), nil
	}
	return nil, fmt.Errorf("%w: NXP AV1 diversification of %s keys", ErrUnsupportedCombination, master.Type)
}

func cmacSum(b cipher.Block, prefix byte, msg []byte) ([]byte, error) {
	h, err := cmac.NewWithTagSize(b, b.BlockSize())
	if err != nil {
		return nil, err
	}
	h.Write([]byte{prefix})
	h.Write(msg)
	return h.Sum(nil), nil
}

// Omnitech chains CMAC blocks over counter‖message until the key length is
// reached.
type Omnitech struct {
	DiversificationOptions
}

// Derive implements Diversifier.
func (d Omnitech) Derive(master Key, in DiversificationInput) ([]byte, error) {
	block, err := masterBlock(master)
	if err != nil {
		return nil, err
	}
	msg, err := in.Message()
	if err != nil {
		return nil, err
	}
	var out []byte
	for i := byte(1); len(out) < master.Type.Length(); i++ {
		part, err := cmacSum(block, i, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out[:master.Type.Length()], nil
}

// Sagem enciphers a UID derived block: 0xFF‖UID‖0x00‖^UID, each DES half on
// its own. It needs a 7-byte UID and does not support 3K3DES.
type Sagem struct {
	DiversificationOptions
}

// Derive implements Diversifier.
func (d Sagem) Derive(master Key, in DiversificationInput) ([]byte, error) {
	if master.Type == Key3K3DES {
		return nil, fmt.Errorf("%w: Sagem diversification of 3K3DES keys", ErrUnsupportedCombination)
	}
	block, err := masterBlock(master)
	if err != nil {
		return nil, err
	}
	msg, err := sagemMessage(in)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 16)
	bs := block.BlockSize()
	for i := 0; i < 16; i += bs {
		block.Encrypt(out[i:i+bs], msg[i:i+bs])
	}
	return out, nil
}

func sagemMessage(in DiversificationInput) ([]byte, error) {
	msg := make([]byte, 16)
	if len(in.Override) > 0 {
		if len(in.Override) > len(msg) {
			return nil, fmt.Errorf("%w: Sagem diversification input is %d bytes, max %d", ErrInvalidKey, len(in.Override), len(msg))
		}
		copy(msg, in.Override)
		return msg, nil
	}
	if len(in.UID) != 7 {
		return nil, fmt.Errorf("%w: Sagem diversification needs a 7-byte UID, got %d", ErrNoIdentifier, len(in.UID))
	}
	msg[0] = 0xFF
	copy(msg[1:8], in.UID)
	msg[8] = 0x00
	for i, b := range in.UID {
		msg[9+i] = b ^ 0xFF
	}
	return msg, nil
}
