package desfire

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/aead/cmac"
)

// EV2 SECURE MESSAGING:
// AuthenticateEV2First yields a transaction identifier TI and two AES keys
// derived by CMAC: SesAuthENCKey from SV1 = A5 5A 00 01 00 80 ‖ ctx and
// SesAuthMACKey from SV2 = 5A A5 00 01 00 80 ‖ ctx, where ctx mixes RndA and
// RndB. Every command increments a 16-bit counter that feeds the IVs and MACs.
//
//	IVc  = E(Kenc, A5 5A ‖ TI ‖ CmdCtr ‖ 00..00)
//	IVr  = E(Kenc, 5A A5 ‖ TI ‖ CmdCtr+1 ‖ 00..00)
//	MACc = MACt(Kmac, Cmd ‖ CmdCtr ‖ TI ‖ Header ‖ Data)
//	MACr = MACt(Kmac, Status ‖ CmdCtr+1 ‖ TI ‖ Data)
//
// MACt keeps the odd bytes of the CMAC. Data is padded with 80 00..00.

// EV2Channel is the EV2 secure messaging state shared by both ends.
type EV2Channel struct {
	TI      [4]byte
	Counter uint16
	enc     cipher.Block
	mac     cipher.Block
}

// NewEV2Channel derives the session keys from the authentication nonces.
func NewEV2Channel(key, rndA, rndB []byte, ti []byte) (*EV2Channel, error) {
	if len(rndA) != 16 || len(rndB) != 16 || len(ti) != 4 {
		return nil, fmt.Errorf("%w: EV2 nonces must be 16 bytes and TI 4 bytes", ErrUnexpectedLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	kenc, err := ev2SessionKey(block, 0xA5, 0x5A, rndA, rndB)
	if err != nil {
		return nil, err
	}
	kmac, err := ev2SessionKey(block, 0x5A, 0xA5, rndA, rndB)
	if err != nil {
		return nil, err
	}
	c := &EV2Channel{}
	copy(c.TI[:], ti)
	if c.enc, err = aes.NewCipher(kenc); err != nil {
		return nil, err
	}
	if c.mac, err = aes.NewCipher(kmac); err != nil {
		return nil, err
	}
	return c, nil
}

func ev2SessionKey(block cipher.Block, l0, l1 byte, rndA, rndB []byte) ([]byte, error) {
	sv := make([]byte, 0, 32)
	sv = append(sv, l0, l1, 0x00, 0x01, 0x00, 0x80)
	sv = append(sv, rndA[0:2]...)
	x := make([]byte, 6)
	for i := range x {
		x[i] = rndA[2+i] ^ rndB[i]
	}
	sv = append(sv, x...)
	sv = append(sv, rndB[6:16]...)
	sv = append(sv, rndA[8:16]...)

	h, err := cmac.NewWithTagSize(block, 16)
	if err != nil {
		return nil, err
	}
	h.Write(sv)
	return h.Sum(nil), nil
}

func (c *EV2Channel) iv(l0, l1 byte, ctr uint16) []byte {
	in := make([]byte, 16)
	in[0], in[1] = l0, l1
	copy(in[2:6], c.TI[:])
	binary.LittleEndian.PutUint16(in[6:8], ctr)
	out := make([]byte, 16)
	c.enc.Encrypt(out, in)
	return out
}

// CommandIV is the IV for enciphering command data.
func (c *EV2Channel) CommandIV() []byte { return c.iv(0xA5, 0x5A, c.Counter) }

// ResponseIV is the IV for deciphering response data.
func (c *EV2Channel) ResponseIV() []byte { return c.iv(0x5A, 0xA5, c.Counter+1) }

func (c *EV2Channel) truncatedMAC(parts ...[]byte) []byte {
	h, err := cmac.NewWithTagSize(c.mac, 16)
	if err != nil {
		// aes blocks are always accepted
		panic(err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	full := h.Sum(nil)
	out := make([]byte, 8)
	for i := range out {
		out[i] = full[2*i+1]
	}
	return out
}

func counterBytes(ctr uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, ctr)
	return b
}

// CommandMAC authenticates a command: code, header and (enciphered) data.
func (c *EV2Channel) CommandMAC(cmd byte, header, data []byte) []byte {
	return c.truncatedMAC([]byte{cmd}, counterBytes(c.Counter), c.TI[:], header, data)
}

// ResponseMAC authenticates a response: status and (enciphered) data.
func (c *EV2Channel) ResponseMAC(status byte, data []byte) []byte {
	return c.truncatedMAC([]byte{status}, counterBytes(c.Counter+1), c.TI[:], data)
}

// EncryptCommand pads and enciphers command data.
func (c *EV2Channel) EncryptCommand(data []byte) []byte {
	return cbcEncrypt(c.enc, c.CommandIV(), isoPad(data, 16))
}

// DecryptCommand is the card side of EncryptCommand.
func (c *EV2Channel) DecryptCommand(ct []byte) ([]byte, error) {
	if len(ct) == 0 || len(ct)%16 != 0 {
		return nil, &IntegrityError{Kind: "padding"}
	}
	return isoUnpad(cbcDecrypt(c.enc, c.CommandIV(), ct), 16)
}

// EncryptResponse is the card side of DecryptResponse.
func (c *EV2Channel) EncryptResponse(data []byte) []byte {
	return cbcEncrypt(c.enc, c.ResponseIV(), isoPad(data, 16))
}

// DecryptResponse deciphers and unpads response data.
func (c *EV2Channel) DecryptResponse(ct []byte) ([]byte, error) {
	if len(ct) == 0 || len(ct)%16 != 0 {
		return nil, &IntegrityError{Kind: "padding"}
	}
	return isoUnpad(cbcDecrypt(c.enc, c.ResponseIV(), ct), 16)
}
