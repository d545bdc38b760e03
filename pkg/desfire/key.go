package desfire

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyStorage says where the key material of a Key lives. Only MemoryStorage
// keys carry their bytes; the other variants are references resolved by a
// collaborator (reader, SAM or PKCS#11 token).
type KeyStorage interface {
	isKeyStorage()
	fmt.Stringer
}

// MemoryStorage keeps the key bytes in Key.Data.
type MemoryStorage struct{}

// ReaderStorage references a key slot inside the reader.
type ReaderStorage struct {
	Slot     byte
	Volatile bool
}

// SAMStorage references a key entry of a SAM.
type SAMStorage struct {
	KeyIndex byte
	// DumpSessionKey asks the SAM for the session key after authentication,
	// which is needed for MAC and enciphered communication.
	DumpSessionKey bool
}

// PKCSStorage references an AES secret key object on a PKCS#11 token.
type PKCSStorage struct {
	SlotID   uint
	ObjectID []byte
	Password string
}

func (MemoryStorage) isKeyStorage() {}
func (ReaderStorage) isKeyStorage() {}
func (SAMStorage) isKeyStorage()    {}
func (PKCSStorage) isKeyStorage()   {}

func (MemoryStorage) String() string { return "memory" }

func (r ReaderStorage) String() string {
	if r.Volatile {
		return fmt.Sprintf("reader slot %d (volatile)", r.Slot)
	}
	return fmt.Sprintf("reader slot %d", r.Slot)
}

func (s SAMStorage) String() string { return fmt.Sprintf("sam key %d", s.KeyIndex) }

func (p PKCSStorage) String() string {
	return fmt.Sprintf("pkcs11 slot %d object %X", p.SlotID, p.ObjectID)
}

// Key describes a DESFire key independently of where it is stored.
type Key struct {
	Type    KeyType
	Data    []byte
	Version byte
	// Storage defaults to MemoryStorage when nil.
	Storage KeyStorage
	// Diversify, when set, derives a card specific key at each authentication.
	Diversify Diversifier
}

// NewKey builds an in-memory key and checks its length against the type.
func NewKey(t KeyType, data []byte) (Key, error) {
	k := Key{Type: t, Data: append([]byte(nil), data...)}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// ParseKey builds an in-memory key from hex, spaces and colons allowed.
func ParseKey(t KeyType, s string) (Key, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewKey(t, data)
}

// EmptyKey is the all-zero key of a type, the factory default of a card.
func EmptyKey(t KeyType) Key {
	return Key{Type: t, Data: make([]byte, t.Length())}
}

// StorageOrDefault returns the storage descriptor, MemoryStorage when unset.
func (k Key) StorageOrDefault() KeyStorage {
	if k.Storage == nil {
		return MemoryStorage{}
	}
	return k.Storage
}

// Validate checks the key length for in-memory keys.
func (k Key) Validate() error {
	if k.Type > KeyAES {
		return fmt.Errorf("%w: unknown key type %d", ErrInvalidKey, k.Type)
	}
	if _, ok := k.StorageOrDefault().(MemoryStorage); !ok {
		return nil
	}
	if len(k.Data) != k.Type.Length() {
		return fmt.Errorf("%w: %s key must be %d bytes, got %d", ErrInvalidKey, k.Type, k.Type.Length(), len(k.Data))
	}
	return nil
}

// IsEmpty reports an all-zero in-memory key, meaning no authentication is required.
func (k Key) IsEmpty() bool {
	if _, ok := k.StorageOrDefault().(MemoryStorage); !ok {
		return false
	}
	for _, b := range k.Data {
		if b != 0 {
			return false
		}
	}
	return true
}

// String never prints key material.
func (k Key) String() string {
	s := fmt.Sprintf("%s key v%d (%s)", k.Type, k.Version, k.StorageOrDefault())
	if k.Diversify != nil {
		s += fmt.Sprintf(" diversified %T", k.Diversify)
	}
	return s
}

// DES keys carry their version in the parity bits of the first eight bytes.

// SetDESKeyVersion returns a copy of key with the version written in the
// least significant bit of its first eight bytes, most significant bit first.
func SetDESKeyVersion(key []byte, version byte) []byte {
	out := append([]byte(nil), key...)
	for i := 0; i < 8 && i < len(out); i++ {
		out[i] = out[i]&0xFE | (version>>(7-i))&0x01
	}
	return out
}

// DESKeyVersion reads the version stored by SetDESKeyVersion.
func DESKeyVersion(key []byte) byte {
	var v byte
	for i := 0; i < 8 && i < len(key); i++ {
		v = v<<1 | key[i]&0x01
	}
	return v
}
