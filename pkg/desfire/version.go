package desfire

import "fmt"

// ProductInfo is one of the hardware or software blocks of GetVersion.
type ProductInfo struct {
	VendorID     byte
	Type         byte
	SubType      byte
	MajorVersion byte
	MinorVersion byte
	StorageSize  byte
	Protocol     byte
}

func parseProductInfo(b []byte) ProductInfo {
	return ProductInfo{
		VendorID:     b[0],
		Type:         b[1],
		SubType:      b[2],
		MajorVersion: b[3],
		MinorVersion: b[4],
		StorageSize:  b[5],
		Protocol:     b[6],
	}
}

// Storage is the storage size in bytes. Exact is false when the size lies
// between the value and twice the value.
func (p ProductInfo) Storage() (size int, exact bool) {
	return 1 << (p.StorageSize >> 1), p.StorageSize&0x01 == 0
}

// Version is the decoded response of GetVersion, received in three frames.
type Version struct {
	Hardware       ProductInfo
	Software       ProductInfo
	UID            []byte
	BatchNo        []byte
	ProductionWeek byte
	ProductionYear byte
}

const versionLength = 28

// ParseVersion decodes the 28 bytes of GetVersion.
func ParseVersion(b []byte) (Version, error) {
	if len(b) != versionLength {
		return Version{}, fmt.Errorf("%w: version needs %d bytes, got %d", ErrUnexpectedLength, versionLength, len(b))
	}
	return Version{
		Hardware:       parseProductInfo(b[0:7]),
		Software:       parseProductInfo(b[7:14]),
		UID:            append([]byte(nil), b[14:21]...),
		BatchNo:        append([]byte(nil), b[21:26]...),
		ProductionWeek: b[26],
		ProductionYear: b[27],
	}, nil
}

// Generation names the chip family from the hardware major version.
func (v Version) Generation() string {
	switch v.Hardware.MajorVersion {
	case 0x00:
		return "DESFire EV0"
	case 0x01:
		return "DESFire EV1"
	case 0x12:
		return "DESFire EV2"
	case 0x33:
		return "DESFire EV3"
	}
	return fmt.Sprintf("unknown (hw %d.%d)", v.Hardware.MajorVersion, v.Hardware.MinorVersion)
}

func (v Version) String() string {
	size, exact := v.Hardware.Storage()
	approx := ""
	if !exact {
		approx = "+"
	}
	return fmt.Sprintf("%s uid=%X storage=%d%s bytes sw=%d.%d produced=20%02X/w%02X",
		v.Generation(), v.UID, size, approx, v.Software.MajorVersion, v.Software.MinorVersion, v.ProductionYear, v.ProductionWeek)
}
