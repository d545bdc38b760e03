package cardsim

import (
	"github.com/gregLibert/desfire/pkg/desfire"
)

func (c *Card) authKey(keyNo byte) (desfire.KeyType, []byte, bool) {
	app := c.Apps[c.selected]
	if int(keyNo) >= len(app.Keys) {
		return 0, nil, false
	}
	return app.KeyType, app.Keys[keyNo], true
}

func compatible(cmd desfire.Command, t desfire.KeyType) bool {
	switch cmd {
	case desfire.CmdAuthenticateLegacy:
		return t == desfire.KeyDES
	case desfire.CmdAuthenticateISO:
		return t == desfire.KeyDES || t == desfire.Key3K3DES
	}
	return t == desfire.KeyAES
}

func (c *Card) authStart(cmd desfire.Command, data []byte) []byte {
	c.reset()
	if len(data) < 1 {
		return c.fail(desfire.StatusLengthError)
	}
	keyNo := data[0]
	t, key, ok := c.authKey(keyNo)
	if !ok {
		return c.fail(desfire.StatusNoSuchKey)
	}
	if !compatible(cmd, t) {
		return c.fail(desfire.StatusAuthenticationError)
	}
	block, err := desfire.NewBlockCipher(t, key)
	if err != nil {
		return c.fail(desfire.StatusAuthenticationError)
	}
	n, bs := t.ChallengeSize(), t.BlockSize()
	if cmd == desfire.CmdAuthenticateEV2First {
		n = 16
	}
	rndB := c.random(n)
	ek := cbcEncrypt(block, make([]byte, bs), rndB)
	c.hs = &handshake{cmd: cmd, keyNo: keyNo, t: t, key: key, block: block, rndB: rndB, iv: lastBlock(ek, bs)}
	return append(ek, 0x91, byte(desfire.StatusAdditionalFrame))
}

func (c *Card) authFinish(data []byte) []byte {
	hs := c.hs
	c.hs = nil
	n, bs := len(hs.rndB), hs.block.BlockSize()
	if len(data) != 2*n {
		return c.fail(desfire.StatusLengthError)
	}
	zero := make([]byte, bs)

	var plain []byte
	switch hs.cmd {
	case desfire.CmdAuthenticateLegacy:
		plain = desfire.LegacyReceive(hs.block, data)
	case desfire.CmdAuthenticateEV2First:
		plain = cbcDecrypt(hs.block, zero, data)
	default:
		plain = cbcDecrypt(hs.block, hs.iv, data)
	}
	rndA := plain[:n]
	if !equal(plain[n:], rotateLeft(hs.rndB)) {
		return c.fail(desfire.StatusAuthenticationError)
	}

	switch hs.cmd {
	case desfire.CmdAuthenticateEV2First:
		ti := c.random(4)
		ch, err := desfire.NewEV2Channel(hs.key, rndA, hs.rndB, ti)
		if err != nil {
			return c.fail(desfire.StatusAuthenticationError)
		}
		resp := cbcEncrypt(hs.block, zero, concat(ti, rotateLeft(rndA), make([]byte, 12)))
		c.sess = &session{method: desfire.AuthEV2, keyNo: hs.keyNo, ev2: ch}
		return append(resp, 0x91, byte(desfire.StatusOK))

	case desfire.CmdAuthenticateLegacy:
		resp := cbcEncrypt(hs.block, zero, rotateLeft(rndA))
		sk := desfire.SessionKey(desfire.KeyDES, hs.key, rndA, hs.rndB)
		if !c.open(desfire.AuthLegacy, hs.keyNo, desfire.KeyDES, sk) {
			return c.fail(desfire.StatusAuthenticationError)
		}
		return append(resp, 0x91, byte(desfire.StatusOK))
	}

	resp := cbcEncrypt(hs.block, lastBlock(data, bs), rotateLeft(rndA))
	method := desfire.AuthISO
	if hs.cmd == desfire.CmdAuthenticateAES {
		method = desfire.AuthEV1
	}
	if !c.open(method, hs.keyNo, hs.t, desfire.SessionKey(hs.t, hs.key, rndA, hs.rndB)) {
		return c.fail(desfire.StatusAuthenticationError)
	}
	return append(resp, 0x91, byte(desfire.StatusOK))
}

func (c *Card) open(method desfire.AuthMethod, keyNo byte, t desfire.KeyType, sk []byte) bool {
	block, err := desfire.NewBlockCipher(t, sk)
	if err != nil {
		return false
	}
	c.sess = &session{method: method, keyNo: keyNo, block: block, iv: make([]byte, block.BlockSize())}
	return true
}

func isoStatus(sw uint16) []byte { return []byte{byte(sw >> 8), byte(sw)} }

// isoCommand handles the ISO 7816-4 subset: SELECT of the MF or by DF name and the
// GET CHALLENGE / EXTERNAL / INTERNAL AUTHENTICATE sequence.
func (c *Card) isoCommand(a apdu) []byte {
	c.hs, c.in, c.out = nil, nil, nil
	switch desfire.Command(a.ins) {
	case desfire.CmdISOSelectFile:
		c.reset()
		if a.p1 == 0x00 {
			if !equal(a.data, []byte{0x3F, 0x00}) {
				return isoStatus(0x6A82)
			}
			c.selected = desfire.PICCLevel
			return isoStatus(0x9000)
		}
		if a.p1 != 0x04 {
			return isoStatus(0x6A86)
		}
		for _, aid := range sortedAIDs(c.Apps) {
			app := c.Apps[aid]
			if len(app.DFName) > 0 && equal(app.DFName, a.data) {
				c.selected = aid
				fci := concat([]byte{0x6F, byte(len(app.DFName) + 2), 0x84, byte(len(app.DFName))}, app.DFName)
				return append(fci, 0x90, 0x00)
			}
		}
		return isoStatus(0x6A82)

	case desfire.CmdISOGetChallenge:
		c.reset()
		n := a.le
		if n != 8 && n != 16 {
			return isoStatus(0x6700)
		}
		c.iso = &isoAuth{rpicc1: c.random(n)}
		return append(append([]byte(nil), c.iso.rpicc1...), 0x90, 0x00)

	case desfire.CmdISOExternalAuthenticate:
		st := c.iso
		if st == nil || st.rpcd1 != nil {
			c.reset()
			return isoStatus(0x6985)
		}
		t, key, ok := c.authKey(a.p2)
		if !ok || t.ISOAlgorithm() != a.p1 || t.ChallengeSize() != len(st.rpicc1) {
			c.reset()
			return isoStatus(0x6A86)
		}
		n := len(st.rpicc1)
		if len(a.data) != 2*n {
			c.reset()
			return isoStatus(0x6700)
		}
		block, err := desfire.NewBlockCipher(t, key)
		if err != nil {
			c.reset()
			return isoStatus(0x6A86)
		}
		bs := block.BlockSize()
		plain := cbcDecrypt(block, make([]byte, bs), a.data)
		if !equal(plain[n:], st.rpicc1) {
			c.reset()
			return isoStatus(0x6300)
		}
		st.keyNo, st.t, st.key, st.block = a.p2, t, key, block
		st.rpcd1 = plain[:n]
		st.iv = lastBlock(a.data, bs)
		return isoStatus(0x9000)

	case desfire.CmdISOInternalAuthenticate:
		st := c.iso
		c.iso = nil
		if st == nil || st.rpcd1 == nil || a.p2 != st.keyNo {
			c.reset()
			return isoStatus(0x6985)
		}
		n := len(st.rpicc1)
		if len(a.data) != n {
			c.reset()
			return isoStatus(0x6700)
		}
		rpicc2 := c.random(n)
		resp := cbcEncrypt(st.block, st.iv, concat(rpicc2, a.data))
		method := desfire.AuthEV1ISO
		if st.t == desfire.KeyAES {
			method = desfire.AuthISOAES
		}
		if !c.open(method, st.keyNo, st.t, desfire.SessionKey(st.t, st.key, st.rpcd1, rpicc2)) {
			return isoStatus(0x6A86)
		}
		return append(resp, 0x90, 0x00)
	}
	return isoStatus(0x6D00)
}
