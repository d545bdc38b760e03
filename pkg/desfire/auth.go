package desfire

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/pkg/errors"

	"github.com/gregLibert/desfire/pkg/iso7816"
)

// AUTHENTICATION:
// All handshakes are three-pass mutual authentications. The card proves it
// knows the key by enciphering RndB, the terminal answers with
// E(RndA‖rotl(RndB)) and the card closes with E(rotl(RndA)). The session key
// is then assembled from both nonces.
//
//	legacy  0x0A    DES/2K3DES, 8-byte nonces, terminal uses the decipher primitive
//	iso     0x1A    DES/2K3DES/3K3DES, CBC chained over the whole exchange
//	aes     0xAA    AES, CBC chained over the whole exchange
//	iso7816 84/82/88 GetChallenge, ExternalAuthenticate, InternalAuthenticate
//	ev2     0x71    AES, session keys derived by CMAC, transaction identifier
//
// A failed handshake leaves the session unauthenticated.

// handshakeCipher abstracts where the key lives during a handshake.
type handshakeCipher interface {
	encrypt(iv, data []byte) ([]byte, error)
	decrypt(iv, data []byte) ([]byte, error)
	// send applies the legacy terminal transform.
	send(data []byte) ([]byte, error)
}

type blockCipher struct {
	b cipher.Block
}

func (c blockCipher) encrypt(iv, data []byte) ([]byte, error) { return cbcEncrypt(c.b, iv, data), nil }
func (c blockCipher) decrypt(iv, data []byte) ([]byte, error) { return cbcDecrypt(c.b, iv, data), nil }
func (c blockCipher) send(data []byte) ([]byte, error)        { return LegacySend(c.b, data), nil }

// Authenticate runs the default handshake for the key type: legacy for DES,
// native ISO for 3K3DES and AES for AES keys.
func (s *Session) Authenticate(keyNo byte, key Key) error {
	return s.AuthenticateWith(HandshakeAuto, keyNo, key)
}

// AuthenticateWith runs a given handshake against key keyNo of the selected
// application.
func (s *Session) AuthenticateWith(h Handshake, keyNo byte, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticate(h, keyNo, key)
}

// TryAuthenticate reports whether the card accepted the key. Only transport
// and usage failures are returned as errors.
func (s *Session) TryAuthenticate(keyNo byte, key Key) (bool, error) {
	err := s.Authenticate(keyNo, key)
	if err == nil {
		return true, nil
	}
	if isRefusal(err) {
		return false, nil
	}
	return false, err
}

func (s *Session) authenticate(h Handshake, keyNo byte, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	h = h.resolve(key.Type)
	if !h.supports(key.Type) {
		return fmt.Errorf("%w: %s handshake with a %s key", ErrUnsupportedCombination, h, key.Type)
	}
	if err := s.checkStorage(h, key); err != nil {
		return err
	}

	s.ctx.Reset()
	var err error
	switch st := key.StorageOrDefault().(type) {
	case SAMStorage:
		err = s.authenticateSAM(h, keyNo, key, st)
	case PKCSStorage:
		err = s.authenticatePKCS(keyNo, st)
	default:
		err = s.authenticateMemory(h, keyNo, key)
	}
	if err != nil {
		s.ctx.Reset()
		s.log.Warn("authentication failed", "aid", s.aid, "key", keyNo, "handshake", h, "trace", s.lastTrace, "error", err)
		return err
	}
	s.ctx.SetKey(s.aid, keyNo, key)
	s.log.Info("authenticated", "aid", s.aid, "key", keyNo, "handshake", h, "method", s.ctx.AuthMethod())
	return nil
}

// checkStorage rejects storage, key type and handshake combinations before
// anything is sent.
func (s *Session) checkStorage(h Handshake, key Key) error {
	switch st := key.StorageOrDefault().(type) {
	case MemoryStorage:
		return nil
	case SAMStorage:
		if s.sam == nil {
			return ErrNoSAM
		}
		if h == HandshakeEV2First {
			return fmt.Errorf("%w: EV2 handshake through a SAM", ErrUnsupportedCombination)
		}
		return nil
	case PKCSStorage:
		if s.aes == nil {
			return ErrNoAESService
		}
		if h != HandshakeAES || key.Diversify != nil {
			return fmt.Errorf("%w: PKCS#11 keys only run the AES handshake without diversification", ErrUnsupportedCombination)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCombination, st)
	}
}

func nativeCommand(h Handshake) Command {
	switch h {
	case HandshakeLegacy:
		return CmdAuthenticateLegacy
	case HandshakeNativeISO:
		return CmdAuthenticateISO
	default:
		return CmdAuthenticateAES
	}
}

func nativeMethod(h Handshake) AuthMethod {
	switch h {
	case HandshakeLegacy:
		return AuthLegacy
	case HandshakeNativeISO:
		return AuthISO
	default:
		return AuthEV1
	}
}

func iso7816Method(t KeyType) AuthMethod {
	if t == KeyAES {
		return AuthISOAES
	}
	return AuthEV1ISO
}

func (s *Session) authenticateMemory(h Handshake, keyNo byte, key Key) error {
	data, err := s.resolveKey(keyNo, key)
	if err != nil {
		return err
	}
	if h == HandshakeEV2First {
		return s.ev2First(keyNo, data)
	}
	block, err := NewBlockCipher(key.Type, data)
	if err != nil {
		return err
	}
	c := blockCipher{block}

	var rndA, rndB []byte
	method := nativeMethod(h)
	if h == HandshakeISO7816 {
		method = iso7816Method(key.Type)
		rndA, rndB, err = s.iso7816Handshake(keyNo, key.Type, c)
	} else {
		rndA, rndB, err = s.nativeHandshake(h, keyNo, key.Type, c)
	}
	if err != nil {
		return err
	}
	return s.ctx.install(method, s.aid, keyNo, key.Type, SessionKey(key.Type, data, rndA, rndB))
}

// resolveKey returns the key bytes, diversified when the key asks for it.
func (s *Session) resolveKey(keyNo byte, key Key) ([]byte, error) {
	if key.Diversify == nil {
		return key.Data, nil
	}
	in, err := s.diversificationInput(keyNo, key.Diversify)
	if err != nil {
		return nil, err
	}
	return key.Diversify.Derive(key, in)
}

func (s *Session) diversificationInput(keyNo byte, d Diversifier) (DiversificationInput, error) {
	in, err := d.Input(s.uid, s.aid, keyNo)
	if !errors.Is(err, ErrNoIdentifier) || len(s.uid) > 0 {
		return in, err
	}
	if uid, verr := s.fetchUID(); verr == nil && len(uid) > 0 {
		return d.Input(uid, s.aid, keyNo)
	}
	return in, err
}

// fetchUID reads the UID from GetVersion. Random IDs read as zero and are
// not recorded.
func (s *Session) fetchUID() ([]byte, error) {
	if _, err := s.getVersion(); err != nil {
		return nil, err
	}
	return s.uid, nil
}

func (s *Session) nativeHandshake(h Handshake, keyNo byte, t KeyType, c handshakeCipher) (rndA, rndB []byte, err error) {
	cmd := nativeCommand(h)
	n, bs := t.ChallengeSize(), t.BlockSize()
	fail := func(step string, cause error) ([]byte, []byte, error) {
		return nil, nil, &AuthError{Handshake: h, Step: step, Cause: cause}
	}

	s.lastTrace = nil
	resp, sw, err := s.transmit(cmd, []byte{keyNo})
	if err != nil {
		return fail("challenge", err)
	}
	if !sw.IsAdditionalFrame() {
		return fail("challenge", statusError(cmd, sw))
	}
	if len(resp) != n {
		return fail("challenge", fmt.Errorf("%w: got %d bytes, want %d", ErrUnexpectedLength, len(resp), n))
	}

	iv := make([]byte, bs)
	if rndB, err = c.decrypt(iv, resp); err != nil {
		return fail("challenge", err)
	}
	if rndA, err = s.random(n); err != nil {
		return fail("challenge", err)
	}
	token := concat(rndA, rotateLeft(rndB))

	var enc []byte
	if h == HandshakeLegacy {
		enc, err = c.send(token)
	} else {
		iv = lastBlock(resp, bs)
		enc, err = c.encrypt(iv, token)
	}
	if err != nil {
		return fail("response", err)
	}

	resp, sw, err = s.transmit(CmdAdditionalFrame, enc)
	if err != nil {
		return fail("response", err)
	}
	if !isOK(sw) {
		return fail("response", statusError(cmd, sw))
	}
	if len(resp) != n {
		return fail("response", fmt.Errorf("%w: got %d bytes, want %d", ErrUnexpectedLength, len(resp), n))
	}

	if h == HandshakeLegacy {
		iv = make([]byte, bs)
	} else {
		iv = lastBlock(enc, bs)
	}
	rotated, err := c.decrypt(iv, resp)
	if err != nil {
		return fail("response", err)
	}
	if !constantTimeEqual(rotateRight(rotated), rndA) {
		return fail("response", &IntegrityError{Kind: "RndA"})
	}
	return rndA, rndB, nil
}

func (s *Session) iso7816Handshake(keyNo byte, t KeyType, c handshakeCipher) (rpcd1, rpicc2 []byte, err error) {
	n, bs, alg := t.ChallengeSize(), t.BlockSize(), t.ISOAlgorithm()
	fail := func(step string, cause error) ([]byte, []byte, error) {
		return nil, nil, &AuthError{Handshake: HandshakeISO7816, Step: step, Cause: cause}
	}

	s.lastTrace = nil
	rpicc1, err := s.sendISO(CmdISOGetChallenge, iso7816.GetChallenge(isoClass, n))
	if err != nil {
		return fail("get challenge", err)
	}
	if len(rpicc1) != n {
		return fail("get challenge", fmt.Errorf("%w: got %d bytes, want %d", ErrUnexpectedLength, len(rpicc1), n))
	}

	if rpcd1, err = s.random(n); err != nil {
		return fail("external authenticate", err)
	}
	cryptogram1, err := c.encrypt(make([]byte, bs), concat(rpcd1, rpicc1))
	if err != nil {
		return fail("external authenticate", err)
	}
	if _, err := s.sendISO(CmdISOExternalAuthenticate, iso7816.ExternalAuthenticate(isoClass, alg, keyNo, cryptogram1)); err != nil {
		return fail("external authenticate", err)
	}

	rpcd2, err := s.random(n)
	if err != nil {
		return fail("internal authenticate", err)
	}
	cryptogram2, err := s.sendISO(CmdISOInternalAuthenticate, iso7816.InternalAuthenticate(isoClass, alg, keyNo, rpcd2, 2*n))
	if err != nil {
		return fail("internal authenticate", err)
	}
	if len(cryptogram2) != 2*n {
		return fail("internal authenticate", fmt.Errorf("%w: got %d bytes, want %d", ErrUnexpectedLength, len(cryptogram2), 2*n))
	}
	plain, err := c.decrypt(lastBlock(cryptogram1, bs), cryptogram2)
	if err != nil {
		return fail("internal authenticate", err)
	}
	if !constantTimeEqual(plain[n:], rpcd2) {
		return fail("internal authenticate", &IntegrityError{Kind: "RPCD2"})
	}
	return rpcd1, plain[:n], nil
}

func (s *Session) ev2First(keyNo byte, key []byte) error {
	h := HandshakeEV2First
	fail := func(step string, cause error) error {
		return &AuthError{Handshake: h, Step: step, Cause: cause}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	zero := make([]byte, aes.BlockSize)

	s.lastTrace = nil
	resp, sw, err := s.transmit(CmdAuthenticateEV2First, []byte{keyNo, 0x00})
	if err != nil {
		return fail("challenge", err)
	}
	if !sw.IsAdditionalFrame() {
		return fail("challenge", statusError(CmdAuthenticateEV2First, sw))
	}
	if len(resp) != 16 {
		return fail("challenge", fmt.Errorf("%w: got %d bytes, want 16", ErrUnexpectedLength, len(resp)))
	}
	rndB := cbcDecrypt(block, zero, resp)
	rndA, err := s.random(16)
	if err != nil {
		return fail("challenge", err)
	}

	resp, sw, err = s.transmit(CmdAdditionalFrame, cbcEncrypt(block, zero, concat(rndA, rotateLeft(rndB))))
	if err != nil {
		return fail("response", err)
	}
	if !isOK(sw) {
		return fail("response", statusError(CmdAuthenticateEV2First, sw))
	}
	if len(resp) != 32 {
		return fail("response", fmt.Errorf("%w: got %d bytes, want 32", ErrUnexpectedLength, len(resp)))
	}
	plain := cbcDecrypt(block, zero, resp)
	ti, rotated := plain[0:4], plain[4:20]
	if !constantTimeEqual(rotateRight(rotated), rndA) {
		return fail("response", &IntegrityError{Kind: "RndA"})
	}

	ch, err := NewEV2Channel(key, rndA, rndB, ti)
	if err != nil {
		return fail("session keys", err)
	}
	s.ctx.installEV2(s.aid, keyNo, ch)
	s.log.Debug("ev2 session established", "ti", fmt.Sprintf("%X", ti))
	return nil
}
