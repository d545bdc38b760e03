package desfire

import "hash/crc32"

// CRC16 is the ISO 14443-3 type A CRC (reflected 0x1021, preset 0x6363)
// used by legacy DESFire secure messaging. The result goes on the wire
// least significant byte first.
func CRC16(data []byte) uint16 {
	crc := uint32(0x6363)
	for _, bt := range data {
		bt ^= uint8(crc & 0xff)
		bt ^= bt << 4
		bt32 := uint32(bt)
		crc = (crc >> 8) ^ (bt32 << 8) ^ (bt32 << 3) ^ (bt32 >> 4)
	}
	return uint16(crc)
}

// CRC32 is the DESFire EV1 CRC: the IEEE CRC-32 without its final
// complement. The result goes on the wire least significant byte first.
func CRC32(data []byte) uint32 {
	return ^crc32.ChecksumIEEE(data)
}

func appendCRC16(dst []byte, crc uint16) []byte {
	return append(dst, byte(crc), byte(crc>>8))
}

func appendCRC32(dst []byte, crc uint32) []byte {
	return append(dst, byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24))
}
