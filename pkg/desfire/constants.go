package desfire

import "fmt"

// NATIVE COMMAND SET:
// DESFire commands are single-byte codes followed by parameters. Over an ISO
// 7816 reader they are wrapped as "90 CMD 00 00 Lc params 00" and the card
// answers "data 91 STATUS". A status of 0xAF means the exchange continues: the
// terminal sends the next frame with command code 0xAF until a terminal status
// is returned.

// Command is a DESFire native command code.
type Command byte

const (
	CmdAuthenticateLegacy   Command = 0x0A
	CmdAuthenticateISO      Command = 0x1A
	CmdAuthenticateAES      Command = 0xAA
	CmdAuthenticateEV2First Command = 0x71
	CmdChangeKeySettings    Command = 0x54
	CmdGetKeySettings       Command = 0x45
	CmdChangeKey            Command = 0xC4
	CmdGetKeyVersion        Command = 0x64
	CmdSelectApplication    Command = 0x5A
	CmdGetApplicationIDs    Command = 0x6A
	CmdGetVersion           Command = 0x60
	CmdGetCardUID           Command = 0x51
	CmdGetFileIDs           Command = 0x6F
	CmdGetFileSettings      Command = 0xF5
	CmdReadData             Command = 0xBD
	CmdWriteData            Command = 0x3D
	CmdAdditionalFrame      Command = 0xAF

	// ISO 7816-4 commands understood by EV1 and later cards.
	CmdISOSelectFile           Command = 0xA4
	CmdISOGetChallenge         Command = 0x84
	CmdISOExternalAuthenticate Command = 0x82
	CmdISOInternalAuthenticate Command = 0x88
)

var commandNames = map[Command]string{
	CmdAuthenticateLegacy:   "Authenticate",
	CmdAuthenticateISO:      "AuthenticateISO",
	CmdAuthenticateAES:      "AuthenticateAES",
	CmdAuthenticateEV2First: "AuthenticateEV2First",
	CmdChangeKeySettings:    "ChangeKeySettings",
	CmdGetKeySettings:       "GetKeySettings",
	CmdChangeKey:            "ChangeKey",
	CmdGetKeyVersion:        "GetKeyVersion",
	CmdSelectApplication:    "SelectApplication",
	CmdGetApplicationIDs:    "GetApplicationIDs",
	CmdGetVersion:           "GetVersion",
	CmdGetCardUID:           "GetCardUID",
	CmdGetFileIDs:           "GetFileIDs",
	CmdGetFileSettings:      "GetFileSettings",
	CmdReadData:             "ReadData",
	CmdWriteData:            "WriteData",
	CmdAdditionalFrame:      "AdditionalFrame",

	CmdISOSelectFile:           "ISOSelectFile",
	CmdISOGetChallenge:         "ISOGetChallenge",
	CmdISOExternalAuthenticate: "ISOExternalAuthenticate",
	CmdISOInternalAuthenticate: "ISOInternalAuthenticate",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", byte(c))
}

// Status is the native status byte returned in SW2.
type Status byte

const (
	StatusOK                   Status = 0x00
	StatusNoChanges            Status = 0x0C
	StatusOutOfMemory          Status = 0x0E
	StatusIllegalCommand       Status = 0x1C
	StatusIntegrityError       Status = 0x1E
	StatusNoSuchKey            Status = 0x40
	StatusLengthError          Status = 0x7E
	StatusPermissionDenied     Status = 0x9D
	StatusParameterError       Status = 0x9E
	StatusApplicationNotFound  Status = 0xA0
	StatusApplicationIntegrity Status = 0xA1
	StatusAuthenticationError  Status = 0xAE
	StatusAdditionalFrame      Status = 0xAF
	StatusBoundaryError        Status = 0xBE
	StatusPICCIntegrity        Status = 0xC1
	StatusCommandAborted       Status = 0xCA
	StatusPICCDisabled         Status = 0xCD
	StatusCountError           Status = 0xCE
	StatusDuplicateError       Status = 0xDE
	StatusEEPROMError          Status = 0xEE
	StatusFileNotFound         Status = 0xF0
	StatusFileIntegrity        Status = 0xF1
)

var statusText = map[Status]string{
	StatusOK:                   "operation ok",
	StatusNoChanges:            "no changes",
	StatusOutOfMemory:          "out of EEPROM",
	StatusIllegalCommand:       "illegal command code",
	StatusIntegrityError:       "integrity error",
	StatusNoSuchKey:            "no such key",
	StatusLengthError:          "length error",
	StatusPermissionDenied:     "permission denied",
	StatusParameterError:       "parameter error",
	StatusApplicationNotFound:  "application not found",
	StatusApplicationIntegrity: "application integrity error",
	StatusAuthenticationError:  "authentication error",
	StatusAdditionalFrame:      "additional frame",
	StatusBoundaryError:        "boundary error",
	StatusPICCIntegrity:        "PICC integrity error",
	StatusCommandAborted:       "command aborted",
	StatusPICCDisabled:         "PICC disabled",
	StatusCountError:           "count error",
	StatusDuplicateError:       "duplicate error",
	StatusEEPROMError:          "EEPROM error",
	StatusFileNotFound:         "file not found",
	StatusFileIntegrity:        "file integrity error",
}

func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("status 0x%02X", byte(s))
}

// CommMode is the protection applied to the data of a file command.
type CommMode byte

const (
	CommPlain      CommMode = 0x00
	CommMAC        CommMode = 0x01
	CommEnciphered CommMode = 0x03
)

func (m CommMode) String() string {
	switch m {
	case CommPlain:
		return "plain"
	case CommMAC:
		return "mac"
	case CommEnciphered:
		return "enciphered"
	default:
		return fmt.Sprintf("CommMode(0x%02X)", byte(m))
	}
}

// ParseCommMode accepts the names produced by CommMode.String.
func ParseCommMode(s string) (CommMode, error) {
	switch s {
	case "plain":
		return CommPlain, nil
	case "mac":
		return CommMAC, nil
	case "enciphered", "encrypt", "full":
		return CommEnciphered, nil
	}
	return 0, fmt.Errorf("unknown communication mode %q", s)
}

// KeyType identifies the cipher family of a key.
type KeyType byte

const (
	// KeyDES covers single DES and 2K3DES: 16 bytes, single DES when both halves match.
	KeyDES KeyType = iota
	Key3K3DES
	KeyAES
)

func (t KeyType) String() string {
	switch t {
	case KeyDES:
		return "DES"
	case Key3K3DES:
		return "3K3DES"
	case KeyAES:
		return "AES"
	default:
		return fmt.Sprintf("KeyType(%d)", byte(t))
	}
}

// ParseKeyType accepts the names produced by KeyType.String.
func ParseKeyType(s string) (KeyType, error) {
	switch s {
	case "DES", "des", "3DES", "3des", "2K3DES", "2k3des":
		return KeyDES, nil
	case "3K3DES", "3k3des":
		return Key3K3DES, nil
	case "AES", "aes":
		return KeyAES, nil
	}
	return 0, fmt.Errorf("unknown key type %q", s)
}

// Length is the key length in bytes.
func (t KeyType) Length() int {
	if t == Key3K3DES {
		return 24
	}
	return 16
}

// BlockSize is the cipher block size in bytes.
func (t KeyType) BlockSize() int {
	if t == KeyAES {
		return 16
	}
	return 8
}

// ChallengeSize is the random nonce length used during authentication.
func (t KeyType) ChallengeSize() int {
	if t == KeyDES {
		return 8
	}
	return 16
}

// SettingsBits are the key type bits used in GetKeySettings and the PICC
// master key number of ChangeKey.
func (t KeyType) SettingsBits() byte {
	switch t {
	case Key3K3DES:
		return 0x40
	case KeyAES:
		return 0x80
	default:
		return 0x00
	}
}

// KeyTypeFromBits decodes the key type bits of a key settings byte.
func KeyTypeFromBits(b byte) KeyType {
	switch b & 0xC0 {
	case 0x40:
		return Key3K3DES
	case 0x80:
		return KeyAES
	default:
		return KeyDES
	}
}

// ISOAlgorithm is the P1 algorithm reference of the ISO 7816 authenticate commands.
func (t KeyType) ISOAlgorithm() byte {
	switch t {
	case Key3K3DES:
		return 0x04
	case KeyAES:
		return 0x09
	default:
		return 0x02
	}
}

// AuthMethod records which handshake produced the live session.
type AuthMethod int

const (
	AuthNone AuthMethod = iota
	AuthLegacy
	AuthISO
	AuthISOAES
	AuthEV1
	AuthEV1ISO
	AuthEV2
)

func (m AuthMethod) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthLegacy:
		return "legacy"
	case AuthISO:
		return "iso"
	case AuthISOAES:
		return "iso-aes"
	case AuthEV1:
		return "ev1"
	case AuthEV1ISO:
		return "ev1-iso"
	case AuthEV2:
		return "ev2"
	default:
		return fmt.Sprintf("AuthMethod(%d)", int(m))
	}
}

// usesCMAC reports whether the method protects commands with the running CMAC chain.
func (m AuthMethod) usesCMAC() bool {
	switch m {
	case AuthISO, AuthISOAES, AuthEV1, AuthEV1ISO:
		return true
	}
	return false
}

// Handshake selects the authentication exchange used by Session.AuthenticateWith.
type Handshake int

const (
	// HandshakeAuto picks Legacy for DES, NativeISO for 3K3DES and AES for AES keys.
	HandshakeAuto Handshake = iota
	HandshakeLegacy
	HandshakeNativeISO
	HandshakeAES
	HandshakeISO7816
	HandshakeEV2First
)

func (h Handshake) String() string {
	switch h {
	case HandshakeAuto:
		return "auto"
	case HandshakeLegacy:
		return "legacy"
	case HandshakeNativeISO:
		return "native-iso"
	case HandshakeAES:
		return "aes"
	case HandshakeISO7816:
		return "iso7816"
	case HandshakeEV2First:
		return "ev2first"
	default:
		return fmt.Sprintf("Handshake(%d)", int(h))
	}
}

// ParseHandshake accepts the names produced by Handshake.String.
func ParseHandshake(s string) (Handshake, error) {
	for h := HandshakeAuto; h <= HandshakeEV2First; h++ {
		if h.String() == s {
			return h, nil
		}
	}
	return 0, fmt.Errorf("unknown handshake %q", s)
}

// resolve maps HandshakeAuto onto the concrete exchange for a key type.
func (h Handshake) resolve(t KeyType) Handshake {
	if h != HandshakeAuto {
		return h
	}
	switch t {
	case KeyDES:
		return HandshakeLegacy
	case Key3K3DES:
		return HandshakeNativeISO
	default:
		return HandshakeAES
	}
}

// supports reports whether the exchange can run with a key type.
func (h Handshake) supports(t KeyType) bool {
	switch h {
	case HandshakeLegacy:
		return t == KeyDES
	case HandshakeNativeISO:
		return t == KeyDES || t == Key3K3DES
	case HandshakeAES, HandshakeEV2First:
		return t == KeyAES
	case HandshakeISO7816:
		return true
	}
	return false
}

const (
	// MaxFrameSize is the largest data field sent in a single native frame.
	MaxFrameSize = 59
	// MaxReadChunk is the largest ReadData length requested in one command.
	MaxReadChunk = 248
)
