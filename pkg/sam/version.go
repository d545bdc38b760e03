package sam

import "fmt"

// VERSION LAYOUT (SAM_GetVersion):
//
//	bytes  0-6   hardware: vendor, type, subtype, major, minor, storage, protocol
//	bytes  7-13  software: same layout
//	bytes 14-20  UID
//	bytes 21-25  batch number
//	bytes 26-28  production day, month, year
//	byte  29     global crypto settings
//	byte  30     operating mode: A1 (AV1), A2 (AV2), A3 (AV3)

const versionLength = 31

// Version is the decoded SAM_GetVersion response.
type Version struct {
	Hardware [7]byte
	Software [7]byte
	UID      []byte
	Batch    []byte
	Mode     byte
	Type     Type
}

// ParseVersion decodes a SAM_GetVersion response.
func ParseVersion(data []byte) (*Version, error) {
	if len(data) < versionLength {
		return nil, fmt.Errorf("sam: version needs %d bytes, got %d", versionLength, len(data))
	}
	v := &Version{
		UID:   append([]byte(nil), data[14:21]...),
		Batch: append([]byte(nil), data[21:26]...),
		Mode:  data[30],
	}
	copy(v.Hardware[:], data[0:7])
	copy(v.Software[:], data[7:14])
	switch v.Mode {
	case 0xA1:
		v.Type = TypeAV1
	case 0xA2:
		v.Type = TypeAV2
	case 0xA3:
		v.Type = TypeAV3
	}
	return v, nil
}

func (v *Version) String() string {
	return fmt.Sprintf("%s hw=%d.%d sw=%d.%d uid=%X", v.Type, v.Hardware[3], v.Hardware[4], v.Software[3], v.Software[4], v.UID)
}
