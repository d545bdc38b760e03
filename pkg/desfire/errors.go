package desfire

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gregLibert/desfire/pkg/iso7816"
)

// Usage errors are returned before any APDU is sent.
var (
	ErrNoSAM                  = errors.New("desfire: key is stored in a SAM but no SAM is configured")
	ErrNoAESService           = errors.New("desfire: key is stored in PKCS#11 but no AES service is configured")
	ErrUnsupportedCombination = errors.New("desfire: unsupported key storage, key type and handshake combination")
	ErrNoIdentifier           = errors.New("desfire: diversification requires a card identifier")
	ErrNotAuthenticated       = errors.New("desfire: command requires an authenticated session")
	ErrNoSessionKey           = errors.New("desfire: session key not available for secure messaging")
	ErrInvalidKey             = errors.New("desfire: invalid key")
	ErrUnexpectedLength       = errors.New("desfire: unexpected response length")
)

// StatusError reports a command that ended with a non-success status.
type StatusError struct {
	Cmd    Command
	Status Status
	// SW is the raw ISO status word. It is the only information for ISO
	// commands, where Status is left zero.
	SW iso7816.StatusWord
}

func (e *StatusError) Error() string {
	if !e.SW.IsWrapped() {
		return fmt.Sprintf("desfire: %s failed with SW=%04X (%s)", e.Cmd, uint16(e.SW), e.SW.Verbose())
	}
	return fmt.Sprintf("desfire: %s failed with status 0x%02X (%s)", e.Cmd, byte(e.Status), e.Status)
}

// IntegrityError reports a MAC, CMAC, CRC or challenge mismatch. It always
// means a wrong key or a tampered channel, and the session is dropped.
type IntegrityError struct {
	Kind string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("desfire: integrity check failed: %s mismatch", e.Kind)
}

// AuthError wraps a failure at a given step of an authentication handshake.
type AuthError struct {
	Handshake Handshake
	Step      string
	Cause     error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	return fmt.Sprintf("desfire: %s authentication %s failed: %v", e.Handshake, e.Step, e.Cause)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsIntegrityError reports whether err is or wraps an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsStatus reports whether err is or wraps a StatusError carrying status s.
func IsStatus(err error, s Status) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.SW.IsWrapped() && se.Status == s
}

// isRefusal reports whether the card rejected a key rather than failing to talk.
func isRefusal(err error) bool {
	if IsIntegrityError(err) {
		return true
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if !se.SW.IsWrapped() {
		return se.SW == iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT || se.SW == iso7816.SW_ERR_WRONG_PARAMS_NO_INFO ||
			se.SW.SW1() == 0x63
	}
	switch se.Status {
	case StatusAuthenticationError, StatusPermissionDenied, StatusNoSuchKey:
		return true
	}
	return false
}

func statusError(cmd Command, sw iso7816.StatusWord) *StatusError {
	e := &StatusError{Cmd: cmd, SW: sw}
	if sw.IsWrapped() {
		e.Status = Status(sw.SW2())
	}
	return e
}
