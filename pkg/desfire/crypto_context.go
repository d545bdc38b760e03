package desfire

import (
	"crypto/cipher"

	"github.com/pkg/errors"
)

type keySlot struct {
	aid   AID
	keyNo byte
}

// CryptoContext is the secure messaging state of one card session: the live
// authentication, its session key and running IV, and the table of keys the
// caller handed in per (AID, key number).
//
// Every integrity failure resets the context, so a context is either fully
// authenticated or not authenticated at all.
type CryptoContext struct {
	aid        AID
	keyNo      byte
	method     AuthMethod
	keyType    KeyType
	sessionKey []byte
	block      cipher.Block
	iv         []byte
	ev2        *EV2Channel

	keys map[keySlot]Key
}

// NewCryptoContext returns an unauthenticated context.
func NewCryptoContext() *CryptoContext {
	return &CryptoContext{keys: make(map[keySlot]Key)}
}

// Reset drops the live session. The key table is kept.
func (c *CryptoContext) Reset() {
	c.method = AuthNone
	c.keyNo = 0
	c.sessionKey = nil
	c.block = nil
	c.iv = nil
	c.ev2 = nil
}

// SetKey records the key used for a slot.
func (c *CryptoContext) SetKey(aid AID, keyNo byte, k Key) {
	c.keys[keySlot{aid, keyNo}] = k
}

// Key returns the key recorded for a slot.
func (c *CryptoContext) Key(aid AID, keyNo byte) (Key, bool) {
	k, ok := c.keys[keySlot{aid, keyNo}]
	return k, ok
}

// ClearKeys forgets every recorded key.
func (c *CryptoContext) ClearKeys() {
	c.keys = make(map[keySlot]Key)
}

func (c *CryptoContext) IsAuthenticated() bool { return c.method != AuthNone }

func (c *CryptoContext) AuthMethod() AuthMethod { return c.method }

// AuthenticatedKey is the AID and key number of the live session.
func (c *CryptoContext) AuthenticatedKey() (AID, byte, bool) {
	return c.aid, c.keyNo, c.IsAuthenticated()
}

// SessionKey returns a copy of the session key, nil when unknown.
func (c *CryptoContext) SessionKey() []byte {
	if c.sessionKey == nil {
		return nil
	}
	return append([]byte(nil), c.sessionKey...)
}

// IV returns a copy of the running IV.
func (c *CryptoContext) IV() []byte { return append([]byte(nil), c.iv...) }

// HasSessionKey reports whether secure messaging can run. A SAM handshake
// without session key dump authenticates without one.
func (c *CryptoContext) HasSessionKey() bool {
	return c.block != nil || c.ev2 != nil
}

// MACSize is 4 bytes for legacy sessions and 8 otherwise.
func (c *CryptoContext) MACSize() int {
	if c.method == AuthLegacy {
		return 4
	}
	return 8
}

// install records a successful handshake. sessionKey may be nil.
func (c *CryptoContext) install(method AuthMethod, aid AID, keyNo byte, t KeyType, sessionKey []byte) error {
	c.Reset()
	if sessionKey != nil {
		st := t
		if method == AuthLegacy {
			st = KeyDES
		}
		block, err := NewBlockCipher(st, sessionKey)
		if err != nil {
			return errors.Wrap(err, "desfire: session key")
		}
		c.block = block
		c.iv = make([]byte, block.BlockSize())
		c.sessionKey = append([]byte(nil), sessionKey...)
	}
	c.method = method
	c.aid = aid
	c.keyNo = keyNo
	c.keyType = t
	return nil
}

func (c *CryptoContext) installEV2(aid AID, keyNo byte, ch *EV2Channel) {
	c.Reset()
	c.method = AuthEV2
	c.aid = aid
	c.keyNo = keyNo
	c.keyType = KeyAES
	c.ev2 = ch
}

func (c *CryptoContext) requireKey() error {
	if !c.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if c.block == nil {
		return ErrNoSessionKey
	}
	return nil
}

// CMAC advances the running IV over msg and returns the full CMAC.
func (c *CryptoContext) CMAC(msg []byte) ([]byte, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	mac := CMAC(c.block, c.iv, msg)
	c.iv = mac
	return append([]byte(nil), mac...), nil
}

// GenerateMAC computes the MAC appended to a MAC protected command. Legacy
// sessions MAC the data alone; CMAC sessions cover cmd‖data and advance the IV.
func (c *CryptoContext) GenerateMAC(cmd Command, data []byte) ([]byte, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	if c.method == AuthLegacy {
		return c.legacyMAC(data), nil
	}
	mac, err := c.CMAC(concat([]byte{byte(cmd)}, data))
	if err != nil {
		return nil, err
	}
	return mac[:8], nil
}

// legacyMAC is a zero IV CBC encipherment keeping four bytes of the last block.
func (c *CryptoContext) legacyMAC(data []byte) []byte {
	bs := c.block.BlockSize()
	ct := cbcEncrypt(c.block, make([]byte, bs), zeroPad(data, bs))
	return append([]byte(nil), ct[len(ct)-bs:len(ct)-bs+4]...)
}

// VerifyMAC strips and checks the trailing MAC of data. CMAC sessions verify
// card responses over data‖status, the status being 0x00 for success. A
// mismatch resets the session.
func (c *CryptoContext) VerifyMAC(fromCard bool, data []byte) ([]byte, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	n := c.MACSize()
	if len(data) < n {
		c.Reset()
		return nil, &IntegrityError{Kind: "mac length"}
	}
	payload, mac := data[:len(data)-n], data[len(data)-n:]

	var expected []byte
	if c.method == AuthLegacy {
		expected = c.legacyMAC(payload)
	} else {
		msg := payload
		if fromCard {
			msg = concat(payload, []byte{byte(StatusOK)})
		}
		full, err := c.CMAC(msg)
		if err != nil {
			return nil, err
		}
		expected = full[:8]
	}
	if !constantTimeEqual(expected, mac) {
		c.Reset()
		return nil, &IntegrityError{Kind: "mac"}
	}
	return append([]byte(nil), payload...), nil
}

// Encrypt enciphers data with its checksum. Legacy sessions append
// CRC16(data) and use the send transform; CMAC sessions append
// CRC32(crcPrefix‖data), encipher with the running IV and keep the last
// cipher block as the next IV.
func (c *CryptoContext) Encrypt(data, crcPrefix []byte) ([]byte, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	if c.method == AuthLegacy {
		return c.EncryptRaw(appendCRC16(append([]byte(nil), data...), CRC16(data)))
	}
	return c.EncryptRaw(appendCRC32(append([]byte(nil), data...), CRC32(concat(crcPrefix, data))))
}

// EncryptRaw zero pads and enciphers a plaintext whose checksums the caller
// already appended.
func (c *CryptoContext) EncryptRaw(plain []byte) ([]byte, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	bs := c.block.BlockSize()
	padded := zeroPad(plain, bs)
	if c.method == AuthLegacy {
		return LegacySend(c.block, padded), nil
	}
	ct := cbcEncrypt(c.block, c.iv, padded)
	c.iv = lastBlock(ct, bs)
	return ct, nil
}

// Decrypt deciphers a response and checks its checksum. length is the
// expected plaintext length; 0 means unknown, in which case the checksum is
// searched from the end. A failure resets the session.
func (c *CryptoContext) Decrypt(ct []byte, length int) ([]byte, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	bs := c.block.BlockSize()
	if len(ct) == 0 || len(ct)%bs != 0 {
		c.Reset()
		return nil, &IntegrityError{Kind: "cipher length"}
	}

	var plain []byte
	crcLen := 4
	if c.method == AuthLegacy {
		plain = cbcDecrypt(c.block, make([]byte, bs), ct)
		crcLen = 2
	} else {
		plain = cbcDecrypt(c.block, c.iv, ct)
		c.iv = lastBlock(ct, bs)
	}

	check := func(n int) bool {
		if n < 0 || n+crcLen > len(plain) || !allZero(plain[n+crcLen:]) {
			return false
		}
		data := plain[:n]
		if c.method == AuthLegacy {
			return constantTimeEqual(appendCRC16(nil, CRC16(data)), plain[n:n+2])
		}
		return constantTimeEqual(appendCRC32(nil, CRC32(concat(data, []byte{byte(StatusOK)}))), plain[n:n+4])
	}

	if length > 0 {
		if check(length) {
			return append([]byte(nil), plain[:length]...), nil
		}
	} else {
		for n := len(plain) - crcLen; n >= 0 && n > len(plain)-crcLen-bs; n-- {
			if check(n) {
				return append([]byte(nil), plain[:n]...), nil
			}
		}
	}
	c.Reset()
	return nil, &IntegrityError{Kind: "crc"}
}
