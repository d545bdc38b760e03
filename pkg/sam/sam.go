// Package sam talks to MIFARE SAM AV1, AV2 and AV3 modules on behalf of a
// DESFire session.
package sam

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/gregLibert/desfire/pkg/iso7816"
)

// SAM COMMAND SET (MIFARE SAM AV1/AV2/AV3):
// A SAM is a secure element holding keys on behalf of the terminal. It speaks
// proprietary class 0x80 commands. The commands used to authenticate against
// a DESFire card are split in two parts: part 1 answers 90AF with the
// cryptogram to forward to the card, part 2 returns 9000 once the card
// cryptogram is verified.
//
//	0x0A  SAM_AuthenticatePICC      native 0x0A / 0x1A / 0xAA handshakes
//	0x8E  SAM_IsoAuthenticatePICC   ISO 7816-4 handshake (AV2 and later)
//	0xCA  SAM_KillAuthentication    drop any pending or live PICC authentication
//	0xD5  SAM_DumpSessionKey        export the PICC session key
//	0x60  SAM_GetVersion            hardware, software and production data

const (
	Class = iso7816.ClassSAM

	InsAuthenticatePICC    iso7816.InsCode = 0x0A
	InsIsoAuthenticatePICC iso7816.InsCode = 0x8E
	InsKillAuthentication  iso7816.InsCode = 0xCA
	InsDumpSessionKey      iso7816.InsCode = 0xD5
	InsGetVersion          iso7816.InsCode = 0x60
)

// P1 flags of SAM_AuthenticatePICC and SAM_IsoAuthenticatePICC.
const (
	P1Diversify byte = 0x01
	P1ModeISO   byte = 0x02
	P1ModeAES   byte = 0x04
)

// SW_MORE_DATA ends part 1 of a two part SAM command.
const SW_MORE_DATA iso7816.StatusWord = 0x90AF

// Type is the SAM generation.
type Type int

const (
	TypeUnknown Type = iota
	TypeAV1
	TypeAV2
	TypeAV3
)

func (t Type) String() string {
	switch t {
	case TypeAV1:
		return "SAM_AV1"
	case TypeAV2:
		return "SAM_AV2"
	case TypeAV3:
		return "SAM_AV3"
	default:
		return "SAM_UNKNOWN"
	}
}

// Error reports a SAM command that did not end with the expected status.
type Error struct {
	Ins iso7816.InsCode
	SW  iso7816.StatusWord
}

func (e *Error) Error() string {
	return fmt.Sprintf("sam: command 0x%02X failed with SW=%04X (%s)", byte(e.Ins), uint16(e.SW), e.SW.Verbose())
}

// IsStatus reports whether err is a SAM error with status sw.
func IsStatus(err error, sw iso7816.StatusWord) bool {
	var se *Error
	return errors.As(err, &se) && se.SW == sw
}

// NewCommand builds a class 0x80 SAM command.
func NewCommand(ins iso7816.InsCode, p1, p2 byte, data []byte, ne int) *iso7816.CommandAPDU {
	cla, _ := iso7816.NewClass(Class)
	return iso7816.NewCommandAPDU(cla, iso7816.NewProprietaryInstruction(ins), p1, p2, data, ne)
}

// Client drives a SAM over any transmitter. It implements sync.Locker so a
// caller can hold the SAM for the duration of a multi-command handshake.
type Client struct {
	sync.Mutex
	iso *iso7816.Client

	version *Version
}

// NewClient wraps a SAM connection.
func NewClient(card iso7816.Transmitter) *Client {
	return &Client{iso: iso7816.NewClient(card)}
}

// Transmit forwards a raw APDU to the SAM.
func (c *Client) Transmit(cmd []byte) ([]byte, error) {
	return c.iso.Card.Transmit(cmd)
}

// Exchange sends a command and checks its final status word.
func (c *Client) Exchange(cmd *iso7816.CommandAPDU, want iso7816.StatusWord) ([]byte, error) {
	trace, err := c.iso.Send(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "sam: command 0x%02X", cmd.Instruction.Raw)
	}
	last := trace.Last()
	if last.Response.Status != want {
		return nil, &Error{Ins: cmd.Instruction.Raw, SW: last.Response.Status}
	}
	return last.Response.Data, nil
}

// GetVersion reads and caches the SAM version.
func (c *Client) GetVersion() (*Version, error) {
	if c.version != nil {
		return c.version, nil
	}
	data, err := c.Exchange(NewCommand(InsGetVersion, 0x00, 0x00, nil, iso7816.MaxShortLe), iso7816.SW_NO_ERROR)
	if err != nil {
		return nil, err
	}
	v, err := ParseVersion(data)
	if err != nil {
		return nil, err
	}
	c.version = v
	return v, nil
}

// SAMType reports the SAM generation from its version.
func (c *Client) SAMType() (Type, error) {
	v, err := c.GetVersion()
	if err != nil {
		return TypeUnknown, err
	}
	return v.Type, nil
}

// DumpSessionKey exports the session key of the last PICC authentication.
func (c *Client) DumpSessionKey() ([]byte, error) {
	return c.Exchange(NewCommand(InsDumpSessionKey, 0x00, 0x00, nil, iso7816.MaxShortLe), iso7816.SW_NO_ERROR)
}

// KillAuthentication drops any PICC authentication held by the SAM.
func (c *Client) KillAuthentication() error {
	_, err := c.Exchange(NewCommand(InsKillAuthentication, 0x00, 0x00, nil, 0), iso7816.SW_NO_ERROR)
	return err
}
