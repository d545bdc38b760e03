package desfire

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/subtle"
	"fmt"
)

// NewBlockCipher builds the block cipher of a key. A 16-byte DES key whose
// halves match (parity bits ignored) runs as single DES, otherwise as 2K3DES.
func NewBlockCipher(t KeyType, key []byte) (cipher.Block, error) {
	switch t {
	case KeyDES:
		if len(key) == 8 {
			return des.NewCipher(key)
		}
		if len(key) != 16 {
			return nil, fmt.Errorf("%w: DES key must be 16 bytes, got %d", ErrInvalidKey, len(key))
		}
		if halvesEqual(key) {
			return des.NewCipher(key[:8])
		}
		k := make([]byte, 0, 24)
		k = append(k, key[:16]...)
		k = append(k, key[:8]...)
		return des.NewTripleDESCipher(k)
	case Key3K3DES:
		if len(key) != 24 {
			return nil, fmt.Errorf("%w: 3K3DES key must be 24 bytes, got %d", ErrInvalidKey, len(key))
		}
		return des.NewTripleDESCipher(key)
	case KeyAES:
		if len(key) != 16 {
			return nil, fmt.Errorf("%w: AES key must be 16 bytes, got %d", ErrInvalidKey, len(key))
		}
		return aes.NewCipher(key)
	}
	return nil, fmt.Errorf("%w: unknown key type %d", ErrInvalidKey, t)
}

func halvesEqual(key []byte) bool {
	if len(key) != 16 {
		return false
	}
	for i := 0; i < 8; i++ {
		if key[i]&0xFE != key[i+8]&0xFE {
			return false
		}
	}
	return true
}

// SessionKey assembles the session key from both authentication nonces.
func SessionKey(t KeyType, key, rndA, rndB []byte) []byte {
	var sk []byte
	switch t {
	case KeyDES:
		if halvesEqual(key) {
			sk = concat(rndA[0:4], rndB[0:4], rndA[0:4], rndB[0:4])
		} else {
			sk = concat(rndA[0:4], rndB[0:4], rndA[4:8], rndB[4:8])
		}
	case Key3K3DES:
		sk = concat(rndA[0:4], rndB[0:4], rndA[6:10], rndB[6:10], rndA[12:16], rndB[12:16])
	case KeyAES:
		sk = concat(rndA[0:4], rndB[0:4], rndA[12:16], rndB[12:16])
	}
	return sk
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// cbcEncrypt enciphers block-aligned data. iv is not modified.
func cbcEncrypt(b cipher.Block, iv, data []byte) []byte {
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(out, data)
	return out
}

// cbcDecrypt deciphers block-aligned data. iv is not modified.
func cbcDecrypt(b cipher.Block, iv, data []byte) []byte {
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(out, data)
	return out
}

// LegacySend is the legacy terminal side transform: the terminal only owns the
// decipher primitive, so each block is C_i = D(P_i xor C_i-1) with a zero IV.
func LegacySend(b cipher.Block, data []byte) []byte {
	bs := b.BlockSize()
	out := make([]byte, len(data))
	prev := make([]byte, bs)
	for i := 0; i+bs <= len(data); i += bs {
		x := make([]byte, bs)
		subtle.XORBytes(x, data[i:i+bs], prev)
		b.Decrypt(out[i:i+bs], x)
		prev = out[i : i+bs]
	}
	return out
}

// LegacyReceive recovers the plaintext of LegacySend with the encipher
// primitive, as the card does.
func LegacyReceive(b cipher.Block, data []byte) []byte {
	bs := b.BlockSize()
	out := make([]byte, len(data))
	prev := make([]byte, bs)
	for i := 0; i+bs <= len(data); i += bs {
		b.Encrypt(out[i:i+bs], data[i:i+bs])
		subtle.XORBytes(out[i:i+bs], out[i:i+bs], prev)
		prev = data[i : i+bs]
	}
	return out
}

func zeroPad(data []byte, bs int) []byte {
	n := len(data)
	if r := n % bs; r != 0 || n == 0 {
		n += bs - r
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

// isoPad applies ISO 9797-1 method 2: 0x80 then zeros up to the next block.
func isoPad(data []byte, bs int) []byte {
	n := len(data) + 1
	if r := n % bs; r != 0 {
		n += bs - r
	}
	out := make([]byte, n)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func isoUnpad(data []byte, bs int) ([]byte, error) {
	if len(data) == 0 || len(data)%bs != 0 {
		return nil, &IntegrityError{Kind: "padding"}
	}
	for i := len(data) - 1; i >= len(data)-bs; i-- {
		if data[i] == 0x80 {
			return data[:i], nil
		}
		if data[i] != 0x00 {
			break
		}
	}
	return nil, &IntegrityError{Kind: "padding"}
}

func rotateLeft(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append(append([]byte(nil), b[1:]...), b[0])
}

func rotateRight(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte{b[len(b)-1]}, b[:len(b)-1]...)
}

func lastBlock(data []byte, bs int) []byte {
	return append([]byte(nil), data[len(data)-bs:]...)
}

// CMAC SUBKEYS (NIST SP 800-38B):
// L = E(0); K1 = L<<1 xor Rb if msb(L); K2 = K1<<1 xor Rb if msb(K1).
// Rb is 0x87 for 128-bit blocks and 0x1B for 64-bit blocks.

func cmacSubkeys(b cipher.Block) (k1, k2 []byte) {
	bs := b.BlockSize()
	rb := byte(0x87)
	if bs == 8 {
		rb = 0x1B
	}
	l := make([]byte, bs)
	b.Encrypt(l, l)
	k1 = shiftLeft(l, rb)
	k2 = shiftLeft(k1, rb)
	return k1, k2
}

func shiftLeft(in []byte, rb byte) []byte {
	out := make([]byte, len(in))
	var carry byte
	for i := len(in) - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	if in[0]&0x80 != 0 {
		out[len(out)-1] ^= rb
	}
	return out
}

// CMAC computes the full-length CMAC of msg, chaining from iv instead of a
// zero block. DESFire EV1 keeps iv as the running secure messaging IV.
func CMAC(b cipher.Block, iv, msg []byte) []byte {
	return cmacMinLength(b, iv, msg, 0)
}

// cmacMinLength pads short messages up to minLen before the last block is
// masked. AN10922 key diversification uses a two-block minimum.
func cmacMinLength(b cipher.Block, iv, msg []byte, minLen int) []byte {
	bs := b.BlockSize()
	k1, k2 := cmacSubkeys(b)

	n := len(msg)
	if r := n % bs; r != 0 {
		n += bs - r
	}
	if n == 0 {
		n = bs
	}
	if n < minLen {
		n = minLen
	}
	padded := make([]byte, n)
	copy(padded, msg)
	sub := k1
	if len(msg) != n {
		padded[len(msg)] = 0x80
		sub = k2
	}
	subtle.XORBytes(padded[n-bs:], padded[n-bs:], sub)

	if iv == nil {
		iv = make([]byte, bs)
	}
	return lastBlock(cbcEncrypt(b, iv, padded), bs)
}

// constantTimeEqual compares MACs and checksums.
func constantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

func allZero(b []byte) bool {
	return len(bytes.Trim(b, "\x00")) == 0
}
