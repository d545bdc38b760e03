package desfire

import (
	"fmt"
	"strings"

	"github.com/gregLibert/desfire/pkg/bits"
)

// ACCESS RIGHTS:
// Every file carries four key references packed in a 16-bit word sent least
// significant byte first:
//
//	bits 15-12  Read
//	bits 11-8   Write
//	bits  7-4   Read&Write
//	bits  3-0   Change (access rights)
//
// A reference is a key number (0x0-0xD), 0xE for free access or 0xF for never.

const (
	AccessFree  byte = 0x0E
	AccessNever byte = 0x0F
)

// AccessRights holds the four key references of a file.
type AccessRights struct {
	Read      byte
	Write     byte
	ReadWrite byte
	Change    byte
}

// ParseAccessRights decodes the two wire bytes.
func ParseAccessRights(b []byte) (AccessRights, error) {
	if len(b) < 2 {
		return AccessRights{}, fmt.Errorf("access rights need 2 bytes, got %d", len(b))
	}
	var a AccessRights
	a.ReadWrite, a.Change = bits.Nibbles(b[0])
	a.Read, a.Write = bits.Nibbles(b[1])
	return a, nil
}

// Uint16 packs the rights as Read|Write|ReadWrite|Change, most significant nibble first.
func (a AccessRights) Uint16() uint16 {
	return uint16(a.Read&0x0F)<<12 | uint16(a.Write&0x0F)<<8 | uint16(a.ReadWrite&0x0F)<<4 | uint16(a.Change&0x0F)
}

// Bytes returns the wire encoding.
func (a AccessRights) Bytes() []byte {
	return []byte{bits.Pack(a.ReadWrite, a.Change), bits.Pack(a.Read, a.Write)}
}

// ReadKey is the key allowed to read: the Read reference, or ReadWrite when
// Read is never.
func (a AccessRights) ReadKey() byte {
	if a.Read == AccessNever {
		return a.ReadWrite
	}
	return a.Read
}

// WriteKey is the key allowed to write, falling back on ReadWrite.
func (a AccessRights) WriteKey() byte {
	if a.Write == AccessNever {
		return a.ReadWrite
	}
	return a.Write
}

func (a AccessRights) String() string {
	return fmt.Sprintf("read=%s write=%s rw=%s change=%s",
		accessName(a.Read), accessName(a.Write), accessName(a.ReadWrite), accessName(a.Change))
}

func accessName(ref byte) string {
	switch ref {
	case AccessFree:
		return "free"
	case AccessNever:
		return "never"
	default:
		return fmt.Sprintf("key%d", ref)
	}
}

// KEY SETTINGS (GetKeySettings):
// Byte 0 is the settings byte:
//
//	bit 1     master key changeable
//	bit 2     file / application directory readable without authentication
//	bit 3     file / application create and delete without authentication
//	bit 4     settings changeable
//	bits 8-5  key needed to change keys: 0x0-0xD key number, 0xE same key, 0xF frozen
//
// Byte 1 holds the key count in bits 4-1 and the key type in bits 8-7.

// KeySettings is the decoded response of GetKeySettings.
type KeySettings struct {
	MasterKeyChangeable  bool
	FreeDirectoryList    bool
	FreeCreateDelete     bool
	ConfigurationMutable bool
	ChangeKeyAccess      byte
	MaxKeys              int
	KeyType              KeyType
	Raw                  [2]byte
}

// ParseKeySettings decodes the two response bytes of GetKeySettings.
func ParseKeySettings(b []byte) (KeySettings, error) {
	if len(b) != 2 {
		return KeySettings{}, fmt.Errorf("%w: key settings need 2 bytes, got %d", ErrUnexpectedLength, len(b))
	}
	return KeySettings{
		MasterKeyChangeable:  bits.IsSet(b[0], 1),
		FreeDirectoryList:    bits.IsSet(b[0], 2),
		FreeCreateDelete:     bits.IsSet(b[0], 3),
		ConfigurationMutable: bits.IsSet(b[0], 4),
		ChangeKeyAccess:      bits.GetRange(b[0], 8, 5),
		MaxKeys:              int(bits.GetRange(b[1], 4, 1)),
		KeyType:              KeyTypeFromBits(b[1]),
		Raw:                  [2]byte{b[0], b[1]},
	}, nil
}

func (k KeySettings) String() string {
	var flags []string
	if k.MasterKeyChangeable {
		flags = append(flags, "master-key-changeable")
	}
	if k.FreeDirectoryList {
		flags = append(flags, "free-directory-list")
	}
	if k.FreeCreateDelete {
		flags = append(flags, "free-create-delete")
	}
	if k.ConfigurationMutable {
		flags = append(flags, "configuration-changeable")
	}
	change := accessName(k.ChangeKeyAccess)
	if k.ChangeKeyAccess == AccessFree {
		change = "same-key"
	}
	return fmt.Sprintf("%s keys=%d change=%s [%s]", k.KeyType, k.MaxKeys, change, strings.Join(flags, ","))
}
