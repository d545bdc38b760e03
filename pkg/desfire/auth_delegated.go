package desfire

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/gregLibert/desfire/pkg/iso7816"
	"github.com/gregLibert/desfire/pkg/sam"
)

// DELEGATED AUTHENTICATION:
// SAM keys never reach the terminal: the card cryptograms are forwarded to
// the SAM with SAM_AuthenticatePICC (native handshakes) or
// SAM_IsoAuthenticatePICC (ISO 7816 handshake). The session key is only
// known when the SAM is asked to dump it.
//
// PKCS#11 keys stay in the token; the handshake calls the token for each
// AES-CBC operation and the session key is assembled locally from the nonces.

func (s *Session) samCommand(ins iso7816.InsCode, p1 byte, data []byte, want iso7816.StatusWord) ([]byte, error) {
	ne := 0
	if want == sam.SW_MORE_DATA {
		ne = iso7816.MaxShortLe
	}
	trace, err := s.samClient.Send(sam.NewCommand(ins, p1, 0x00, data, ne))
	if err != nil {
		return nil, errors.Wrapf(err, "desfire: sam command 0x%02X", byte(ins))
	}
	last := trace.Last()
	if last.Response.Status != want {
		return nil, &sam.Error{Ins: ins, SW: last.Response.Status}
	}
	return last.Response.Data, nil
}

func samMode(h Handshake) byte {
	switch h {
	case HandshakeNativeISO:
		return sam.P1ModeISO
	case HandshakeAES:
		return sam.P1ModeAES
	}
	return 0x00
}

func (s *Session) authenticateSAM(h Handshake, keyNo byte, key Key, st SAMStorage) error {
	if l, ok := s.sam.(sync.Locker); ok {
		l.Lock()
		defer l.Unlock()
	}
	samType, err := s.sam.SAMType()
	if err != nil {
		return &AuthError{Handshake: h, Step: "sam version", Cause: err}
	}
	if h == HandshakeISO7816 && samType == sam.TypeAV1 {
		return fmt.Errorf("%w: ISO 7816 handshake needs a SAM AV2 or later", ErrUnsupportedCombination)
	}

	var div []byte
	if key.Diversify != nil {
		in, err := s.diversificationInput(keyNo, key.Diversify)
		if err != nil {
			return err
		}
		if div, err = in.Message(); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		if h == HandshakeISO7816 {
			err = s.samISOHandshake(keyNo, key, st, div)
		} else {
			err = s.samNativeHandshake(h, keyNo, key, st, samType, div)
		}
		if err == nil || div == nil || attempt >= s.samRetries || !sam.IsStatus(err, iso7816.SW_ERR_INCORRECT_PARAMS_P1P2) {
			break
		}
		s.log.Warn("sam rejected diversified authentication, reconnecting", "attempt", attempt+1, "error", err)
		if rerr := s.recoverCard(); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		return err
	}

	var sessionKey []byte
	if st.DumpSessionKey {
		if sessionKey, err = s.sam.DumpSessionKey(); err != nil {
			return &AuthError{Handshake: h, Step: "dump session key", Cause: err}
		}
	}
	method := nativeMethod(h)
	if h == HandshakeISO7816 {
		method = iso7816Method(key.Type)
	}
	return s.ctx.install(method, s.aid, keyNo, key.Type, sessionKey)
}

// recoverCard resets the RF field when possible and reselects the application.
func (s *Session) recoverCard() error {
	if r, ok := s.card.(Reconnecter); ok {
		if err := r.Reconnect(); err != nil {
			return errors.Wrap(err, "desfire: reconnect")
		}
	}
	return s.selectApplication(s.aid)
}

func (s *Session) samNativeHandshake(h Handshake, keyNo byte, key Key, st SAMStorage, samType sam.Type, div []byte) error {
	cmd := nativeCommand(h)
	n := key.Type.ChallengeSize()
	fail := func(step string, cause error) error {
		return &AuthError{Handshake: h, Step: step, Cause: cause}
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

	p1 := samMode(h)
	if div != nil {
		p1 |= sam.P1Diversify
	}
	data := []byte{st.KeyIndex}
	if samType != sam.TypeAV1 {
		data = append(data, key.Version)
	}
	token, err := s.samCommand(sam.InsAuthenticatePICC, p1, concat(data, resp, div), sam.SW_MORE_DATA)
	if err != nil {
		return fail("sam part 1", err)
	}

	resp, sw, err = s.transmit(CmdAdditionalFrame, token)
	if err != nil {
		return fail("response", err)
	}
	if !isOK(sw) {
		return fail("response", statusError(cmd, sw))
	}
	if _, err := s.samCommand(sam.InsAuthenticatePICC, 0x00, resp, iso7816.SW_NO_ERROR); err != nil {
		return fail("sam part 2", err)
	}
	return nil
}

func (s *Session) samISOHandshake(keyNo byte, key Key, st SAMStorage, div []byte) error {
	h := HandshakeISO7816
	n, alg := key.Type.ChallengeSize(), key.Type.ISOAlgorithm()
	fail := func(step string, cause error) error {
		return &AuthError{Handshake: h, Step: step, Cause: cause}
	}
	if s.samWarm && !s.samWarmed {
		s.warmUpSAM()
	}

	s.lastTrace = nil
	rpicc1, err := s.sendISO(CmdISOGetChallenge, iso7816.GetChallenge(isoClass, n))
	if err != nil {
		return fail("get challenge", err)
	}
	if len(rpicc1) != n {
		return fail("get challenge", fmt.Errorf("%w: got %d bytes, want %d", ErrUnexpectedLength, len(rpicc1), n))
	}

	p1 := byte(0x00)
	if div != nil {
		p1 |= sam.P1Diversify
	}
	part1, err := s.samCommand(sam.InsIsoAuthenticatePICC, p1, concat([]byte{st.KeyIndex, key.Version}, rpicc1, div), sam.SW_MORE_DATA)
	if err != nil {
		return fail("sam part 1", err)
	}
	if len(part1) != 3*n {
		return fail("sam part 1", fmt.Errorf("%w: got %d bytes, want %d", ErrUnexpectedLength, len(part1), 3*n))
	}
	cryptogram1, rpcd2 := part1[:2*n], part1[2*n:]

	if _, err := s.sendISO(CmdISOExternalAuthenticate, iso7816.ExternalAuthenticate(isoClass, alg, keyNo, cryptogram1)); err != nil {
		return fail("external authenticate", err)
	}
	cryptogram2, err := s.sendISO(CmdISOInternalAuthenticate, iso7816.InternalAuthenticate(isoClass, alg, keyNo, rpcd2, 2*n))
	if err != nil {
		return fail("internal authenticate", err)
	}
	if _, err := s.samCommand(sam.InsIsoAuthenticatePICC, 0x00, cryptogram2, iso7816.SW_NO_ERROR); err != nil {
		return fail("sam part 2", err)
	}
	return nil
}

// warmUpSAM runs a throwaway SAM_AuthenticatePICC followed by
// SAM_KillAuthentication. Errors are only logged.
func (s *Session) warmUpSAM() {
	s.samWarmed = true
	if _, err := s.samCommand(sam.InsAuthenticatePICC, 0x00, make([]byte, 18), sam.SW_MORE_DATA); err != nil {
		s.log.Debug("sam warm-up", "error", err)
	}
	if err := s.sam.KillAuthentication(); err != nil {
		s.log.Debug("sam kill authentication", "error", err)
	}
}

type tokenCipher struct {
	svc AESService
	key PKCSStorage
}

func (c tokenCipher) encrypt(iv, data []byte) ([]byte, error) { return c.svc.Encrypt(c.key, iv, data) }
func (c tokenCipher) decrypt(iv, data []byte) ([]byte, error) { return c.svc.Decrypt(c.key, iv, data) }
func (c tokenCipher) send([]byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: legacy handshake with a PKCS#11 key", ErrUnsupportedCombination)
}

func (s *Session) authenticatePKCS(keyNo byte, st PKCSStorage) error {
	rndA, rndB, err := s.nativeHandshake(HandshakeAES, keyNo, KeyAES, tokenCipher{svc: s.aes, key: st})
	if err != nil {
		return err
	}
	return s.ctx.install(AuthEV1, s.aid, keyNo, KeyAES, SessionKey(KeyAES, nil, rndA, rndB))
}
