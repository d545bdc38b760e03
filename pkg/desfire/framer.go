package desfire

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gregLibert/desfire/pkg/iso7816"
)

const nativeClass = iso7816.ClassNativeWrapped

var isoClass, _ = iso7816.NewClass(iso7816.ClassInterindustry)

// request describes one native command for the secure messaging framer.
type request struct {
	cmd    Command
	header []byte
	data   []byte
	// mode protects data on the way to the card.
	mode CommMode
	// respMode protects the response data.
	respMode CommMode
	// respLen is the expected plaintext length of an enciphered response, 0 if unknown.
	respLen int
	// ev2MAC marks management commands sent in MAC mode under EV2.
	ev2MAC bool
	// enciphered means data was already enciphered through the crypto context.
	enciphered bool
	// endsSession means the card drops authentication once the command succeeds.
	endsSession bool
}

func isOK(sw iso7816.StatusWord) bool {
	return sw == iso7816.SW_WRAPPED_OK || sw == iso7816.SW_NO_ERROR
}

// transmit sends a single native frame.
func (s *Session) transmit(cmd Command, data []byte) ([]byte, iso7816.StatusWord, error) {
	apdu, err := iso7816.NewWrappedCommand(nativeClass, byte(cmd), data)
	if err != nil {
		return nil, 0, err
	}
	trace, err := s.client.Send(apdu)
	s.lastTrace = append(s.lastTrace, trace...)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "desfire: %s", cmd)
	}
	last := trace.Last()
	return last.Response.Data, last.Response.Status, nil
}

// sendISO sends an ISO 7816-4 command and requires 9000.
func (s *Session) sendISO(cmd Command, apdu *iso7816.CommandAPDU) ([]byte, error) {
	trace, err := s.client.Send(apdu)
	s.lastTrace = append(s.lastTrace, trace...)
	if err != nil {
		return nil, errors.Wrapf(err, "desfire: %s", cmd)
	}
	last := trace.Last()
	if !last.IsSuccess() {
		return nil, statusError(cmd, last.Response.Status)
	}
	return last.Response.Data, nil
}

// exchange runs a complete native command. Data longer than MaxFrameSize is
// split over additional frames as long as the card answers 0xAF, and response
// frames are collected while the card answers 0xAF.
func (s *Session) exchange(cmd Command, data []byte) ([]byte, iso7816.StatusWord, error) {
	s.lastTrace = nil

	chunk := data
	if len(chunk) > MaxFrameSize {
		chunk = data[:MaxFrameSize]
	}
	rest := data[len(chunk):]
	resp, sw, err := s.transmit(cmd, chunk)
	for err == nil && len(rest) > 0 && sw.IsAdditionalFrame() {
		chunk = rest[:min(len(rest), MaxFrameSize)]
		rest = rest[len(chunk):]
		resp, sw, err = s.transmit(CmdAdditionalFrame, chunk)
	}
	if err != nil {
		return nil, 0, err
	}
	if len(rest) > 0 {
		if isOK(sw) {
			return nil, sw, fmt.Errorf("%w: card ended %s with %d bytes left to send", ErrUnexpectedLength, cmd, len(rest))
		}
		return nil, sw, nil
	}

	out := append([]byte(nil), resp...)
	for sw.IsAdditionalFrame() {
		resp, sw, err = s.transmit(CmdAdditionalFrame, nil)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, resp...)
	}
	return out, sw, nil
}

// command runs a native command through secure messaging.
func (s *Session) command(req request) ([]byte, error) {
	ctx := s.ctx
	authenticated := ctx.IsAuthenticated()
	if req.mode != CommPlain || req.respMode != CommPlain {
		if !authenticated {
			return nil, ErrNotAuthenticated
		}
		if !ctx.HasSessionKey() {
			return nil, ErrNoSessionKey
		}
	}
	secure := authenticated && ctx.HasSessionKey()

	wire := concat(req.header, req.data)
	if secure {
		var err error
		if ctx.method == AuthEV2 {
			wire, err = s.protectEV2(req)
		} else {
			wire, err = s.protect(req)
		}
		if err != nil {
			return nil, err
		}
	}

	resp, sw, err := s.exchange(req.cmd, wire)
	if err != nil {
		if authenticated {
			ctx.Reset()
		}
		return nil, err
	}
	if !isOK(sw) {
		if authenticated {
			// the card drops its authentication on any error
			ctx.Reset()
		}
		return nil, statusError(req.cmd, sw)
	}
	if !secure {
		return resp, nil
	}
	if req.endsSession {
		ctx.Reset()
		return resp, nil
	}
	if ctx.method == AuthEV2 {
		return s.unprotectEV2(req, resp)
	}
	return s.unprotect(req, resp)
}

func (s *Session) protect(req request) ([]byte, error) {
	ctx := s.ctx
	if req.enciphered {
		return concat(req.header, req.data), nil
	}
	switch req.mode {
	case CommEnciphered:
		ct, err := ctx.Encrypt(req.data, concat([]byte{byte(req.cmd)}, req.header))
		if err != nil {
			return nil, err
		}
		return concat(req.header, ct), nil
	case CommMAC:
		macInput := concat(req.header, req.data)
		if ctx.method == AuthLegacy {
			macInput = req.data
		}
		mac, err := ctx.GenerateMAC(req.cmd, macInput)
		if err != nil {
			return nil, err
		}
		return concat(req.header, req.data, mac), nil
	default:
		if ctx.method.usesCMAC() {
			if _, err := ctx.CMAC(concat([]byte{byte(req.cmd)}, req.header, req.data)); err != nil {
				return nil, err
			}
		}
		return concat(req.header, req.data), nil
	}
}

func (s *Session) unprotect(req request, resp []byte) ([]byte, error) {
	ctx := s.ctx
	// Protected responses must carry their MAC or cryptogram, even when empty.
	switch req.respMode {
	case CommMAC:
		return ctx.VerifyMAC(true, resp)
	case CommEnciphered:
		return ctx.Decrypt(resp, req.respLen)
	}
	if ctx.method == AuthLegacy || len(resp) < 8 {
		return resp, nil
	}
	return ctx.VerifyMAC(true, resp)
}

func (s *Session) protectEV2(req request) ([]byte, error) {
	ch := s.ctx.ev2
	if !req.ev2MAC && req.mode == CommPlain && req.respMode == CommPlain {
		return concat(req.header, req.data), nil
	}
	data := req.data
	if req.mode == CommEnciphered && len(data) > 0 {
		data = ch.EncryptCommand(data)
	}
	return concat(req.header, data, ch.CommandMAC(byte(req.cmd), req.header, data)), nil
}

func (s *Session) unprotectEV2(req request, resp []byte) ([]byte, error) {
	ch := s.ctx.ev2
	if !req.ev2MAC && req.mode == CommPlain && req.respMode == CommPlain {
		ch.Counter++
		return resp, nil
	}
	if len(resp) < 8 {
		s.ctx.Reset()
		return nil, &IntegrityError{Kind: "mac length"}
	}
	body, mac := resp[:len(resp)-8], resp[len(resp)-8:]
	if !constantTimeEqual(ch.ResponseMAC(byte(StatusOK), body), mac) {
		s.ctx.Reset()
		return nil, &IntegrityError{Kind: "mac"}
	}
	if req.respMode == CommEnciphered && len(body) == 0 && req.respLen > 0 {
		s.ctx.Reset()
		return nil, &IntegrityError{Kind: "cipher length"}
	}
	if req.respMode == CommEnciphered && len(body) > 0 {
		plain, err := ch.DecryptResponse(body)
		if err != nil {
			s.ctx.Reset()
			return nil, err
		}
		if req.respLen > 0 && len(plain) != req.respLen {
			s.ctx.Reset()
			return nil, &IntegrityError{Kind: "length"}
		}
		body = plain
	}
	ch.Counter++
	return append([]byte(nil), body...), nil
}
