package cardsim

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"sort"

	"github.com/gregLibert/desfire/pkg/desfire"
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func equal(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

func cbcEncrypt(b cipher.Block, iv, data []byte) []byte {
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(out, data)
	return out
}

func cbcDecrypt(b cipher.Block, iv, data []byte) []byte {
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(out, data)
	return out
}

func lastBlock(data []byte, bs int) []byte {
	return append([]byte(nil), data[len(data)-bs:]...)
}

func zeroPad(data []byte, bs int) []byte {
	n := roundUp(len(data), bs)
	if n == 0 {
		n = bs
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

func roundUp(n, bs int) int {
	return (n + bs - 1) / bs * bs
}

func rotateLeft(b []byte) []byte {
	return append(append([]byte(nil), b[1:]...), b[0])
}

func crc16(data []byte) []byte {
	return binary.LittleEndian.AppendUint16(nil, desfire.CRC16(data))
}

func crc32(data []byte) []byte {
	return binary.LittleEndian.AppendUint32(nil, desfire.CRC32(data))
}

// legacyMAC is the 4-byte MAC of legacy sessions.
func legacyMAC(b cipher.Block, data []byte) []byte {
	bs := b.BlockSize()
	ct := cbcEncrypt(b, make([]byte, bs), zeroPad(data, bs))
	return ct[len(ct)-bs : len(ct)-bs+4]
}

func le24(v int) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}

func fromLE24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

func sortedAIDs(apps map[desfire.AID]*App) []desfire.AID {
	out := make([]desfire.AID, 0, len(apps))
	for aid := range apps {
		out = append(out, aid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedFileIDs(files map[byte]*File) []byte {
	out := make([]byte, 0, len(files))
	for id := range files {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
