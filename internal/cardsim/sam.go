package cardsim

import (
	"crypto/cipher"
	"crypto/rand"
	"io"
	"sync"

	"github.com/gregLibert/desfire/pkg/desfire"
	"github.com/gregLibert/desfire/pkg/sam"
)

// SAMKey is a key entry of the emulated SAM.
type SAMKey struct {
	Type    desfire.KeyType
	Data    []byte
	Version byte
}

type samAuth struct {
	iso   bool
	t     desfire.KeyType
	key   []byte
	block cipher.Block
	n     int
	// native: nonces and the token sent to the card
	rndA, rndB, token []byte
	legacy            bool
	// iso: cryptogram 1 and the challenges
	rpcd1, rpcd2, c1 []byte
}

// SAM emulates the PICC authentication commands of a MIFARE SAM. It
// implements iso7816.Transmitter.
type SAM struct {
	mu sync.Mutex

	// Mode is byte 30 of the version: 0xA1, 0xA2 or 0xA3.
	Mode byte
	Keys map[byte]SAMKey
	// FailDiversified makes the next diversified part 1 commands fail with 6A86.
	FailDiversified int
	Rand            io.Reader

	// Received lists the INS byte of every APDU.
	Received []byte

	pending    *samAuth
	sessionKey []byte
}

// NewSAM returns an AV2 SAM without keys.
func NewSAM() *SAM {
	return &SAM{Mode: 0xA2, Keys: map[byte]SAMKey{}, Rand: rand.Reader}
}

func (m *SAM) random(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(m.Rand, b); err != nil {
		panic(err)
	}
	return b
}

// Transmit processes one SAM APDU.
func (m *SAM) Transmit(raw []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := parseAPDU(raw)
	if err != nil {
		return nil, err
	}
	m.Received = append(m.Received, a.ins)
	if a.cla != sam.Class {
		return isoStatus(0x6E00), nil
	}

	switch a.ins {
	case byte(sam.InsGetVersion):
		v := make([]byte, 31)
		copy(v, []byte{0x04, 0x09, 0x01, 0x03, 0x00, 0x0E, 0x01, 0x04, 0x09, 0x01, 0x03, 0x00, 0x0E, 0x01})
		copy(v[14:21], []byte{0x04, 0x5A, 0x33, 0x11, 0x22, 0x80, 0x01})
		v[30] = m.Mode
		return append(v, 0x90, 0x00), nil
	case byte(sam.InsKillAuthentication):
		m.pending, m.sessionKey = nil, nil
		return isoStatus(0x9000), nil
	case byte(sam.InsDumpSessionKey):
		if m.sessionKey == nil {
			return isoStatus(0x6985), nil
		}
		return append(append([]byte(nil), m.sessionKey...), 0x90, 0x00), nil
	case byte(sam.InsAuthenticatePICC):
		if p := m.pending; p != nil && !p.iso && a.p1 == 0 && len(a.data) == p.n {
			return m.nativePart2(a.data), nil
		}
		return m.nativePart1(a.p1, a.data), nil
	case byte(sam.InsIsoAuthenticatePICC):
		if m.Mode == 0xA1 {
			return isoStatus(0x6D00), nil
		}
		if p := m.pending; p != nil && p.iso && a.p1 == 0 && len(a.data) == 2*p.n {
			return m.isoPart2(a.data), nil
		}
		return m.isoPart1(a.p1, a.data), nil
	}
	return isoStatus(0x6D00), nil
}

// entry resolves a key entry, diversified with div when P1 asks for it.
func (m *SAM) entry(p1, index byte, div []byte) (desfire.KeyType, []byte, []byte) {
	k, ok := m.Keys[index]
	if !ok {
		return 0, nil, isoStatus(0x6A88)
	}
	if p1&sam.P1Diversify == 0 {
		return k.Type, k.Data, nil
	}
	if m.FailDiversified > 0 {
		m.FailDiversified--
		return 0, nil, isoStatus(0x6A86)
	}
	master := desfire.Key{Type: k.Type, Data: k.Data}
	data, err := desfire.NXPAV2{}.Derive(master, desfire.DiversificationInput{Override: div})
	if err != nil {
		return 0, nil, isoStatus(0x6A86)
	}
	return k.Type, data, nil
}

func (m *SAM) nativePart1(p1 byte, data []byte) []byte {
	m.pending, m.sessionKey = nil, nil
	head := 1
	if m.Mode != 0xA1 {
		head = 2
	}
	if len(data) < head {
		return isoStatus(0x6700)
	}
	k, ok := m.Keys[data[0]]
	if !ok {
		return isoStatus(0x6A88)
	}
	n := k.Type.ChallengeSize()
	if len(data) < head+n {
		return isoStatus(0x6700)
	}
	ek, div := data[head:head+n], data[head+n:]
	t, key, fail := m.entry(p1, data[0], div)
	if fail != nil {
		return fail
	}
	block, err := desfire.NewBlockCipher(t, key)
	if err != nil {
		return isoStatus(0x6A86)
	}
	bs := block.BlockSize()
	st := &samAuth{t: t, key: key, block: block, n: n, legacy: p1&(sam.P1ModeISO|sam.P1ModeAES) == 0}
	st.rndB = cbcDecrypt(block, make([]byte, bs), ek)
	st.rndA = m.random(n)
	plain := concat(st.rndA, rotateLeft(st.rndB))
	if st.legacy {
		st.token = desfire.LegacySend(block, plain)
	} else {
		st.token = cbcEncrypt(block, lastBlock(ek, bs), plain)
	}
	m.pending = st
	return append(append([]byte(nil), st.token...), 0x90, 0xAF)
}

func (m *SAM) nativePart2(data []byte) []byte {
	st := m.pending
	m.pending = nil
	bs := st.block.BlockSize()
	iv := make([]byte, bs)
	if !st.legacy {
		iv = lastBlock(st.token, bs)
	}
	rotated := cbcDecrypt(st.block, iv, data)
	if !equal(rotated, rotateLeft(st.rndA)) {
		return isoStatus(0x6300)
	}
	t := st.t
	if st.legacy {
		t = desfire.KeyDES
	}
	m.sessionKey = desfire.SessionKey(t, st.key, st.rndA, st.rndB)
	return isoStatus(0x9000)
}

func (m *SAM) isoPart1(p1 byte, data []byte) []byte {
	m.pending, m.sessionKey = nil, nil
	if len(data) < 2 {
		return isoStatus(0x6700)
	}
	k, ok := m.Keys[data[0]]
	if !ok {
		return isoStatus(0x6A88)
	}
	n := k.Type.ChallengeSize()
	if len(data) < 2+n {
		return isoStatus(0x6700)
	}
	rpicc1, div := data[2:2+n], data[2+n:]
	t, key, fail := m.entry(p1, data[0], div)
	if fail != nil {
		return fail
	}
	block, err := desfire.NewBlockCipher(t, key)
	if err != nil {
		return isoStatus(0x6A86)
	}
	st := &samAuth{iso: true, t: t, key: key, block: block, n: n}
	st.rpcd1 = m.random(n)
	st.c1 = cbcEncrypt(block, make([]byte, block.BlockSize()), concat(st.rpcd1, rpicc1))
	st.rpcd2 = m.random(n)
	m.pending = st
	return append(concat(st.c1, st.rpcd2), 0x90, 0xAF)
}

func (m *SAM) isoPart2(data []byte) []byte {
	st := m.pending
	m.pending = nil
	plain := cbcDecrypt(st.block, lastBlock(st.c1, st.block.BlockSize()), data)
	if !equal(plain[st.n:], st.rpcd2) {
		return isoStatus(0x6300)
	}
	m.sessionKey = desfire.SessionKey(st.t, st.key, st.rpcd1, plain[:st.n])
	return isoStatus(0x9000)
}
