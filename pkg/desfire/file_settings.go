package desfire

import (
	"encoding/binary"
	"fmt"
)

// FileType is the first byte of GetFileSettings.
type FileType byte

const (
	FileStandardData FileType = 0x00
	FileBackupData   FileType = 0x01
	FileValue        FileType = 0x02
	FileLinearRecord FileType = 0x03
	FileCyclicRecord FileType = 0x04
)

func (t FileType) String() string {
	switch t {
	case FileStandardData:
		return "standard data"
	case FileBackupData:
		return "backup data"
	case FileValue:
		return "value"
	case FileLinearRecord:
		return "linear record"
	case FileCyclicRecord:
		return "cyclic record"
	}
	return fmt.Sprintf("FileType(0x%02X)", byte(t))
}

// FileSettings is the decoded response of GetFileSettings.
type FileSettings struct {
	Type         FileType
	CommMode     CommMode
	AccessRights AccessRights

	// Data files.
	Size int

	// Value files.
	LowerLimit           int32
	UpperLimit           int32
	LimitedCredit        int32
	LimitedCreditEnabled bool

	// Record files.
	RecordSize     int
	MaxRecords     int
	CurrentRecords int
}

func le24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

func putLE24(v int) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}

// ParseFileSettings decodes GetFileSettings.
func ParseFileSettings(b []byte) (FileSettings, error) {
	if len(b) < 4 {
		return FileSettings{}, fmt.Errorf("%w: file settings need at least 4 bytes, got %d", ErrUnexpectedLength, len(b))
	}
	fs := FileSettings{
		Type:     FileType(b[0]),
		CommMode: CommMode(b[1] & 0x03),
	}
	ar, err := ParseAccessRights(b[2:4])
	if err != nil {
		return FileSettings{}, err
	}
	fs.AccessRights = ar
	rest := b[4:]

	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%w: %s file settings need %d more bytes, got %d", ErrUnexpectedLength, fs.Type, n, len(rest))
		}
		return nil
	}
	switch fs.Type {
	case FileStandardData, FileBackupData:
		if err := need(3); err != nil {
			return FileSettings{}, err
		}
		fs.Size = le24(rest)
	case FileValue:
		if err := need(13); err != nil {
			return FileSettings{}, err
		}
		fs.LowerLimit = int32(binary.LittleEndian.Uint32(rest[0:4]))
		fs.UpperLimit = int32(binary.LittleEndian.Uint32(rest[4:8]))
		fs.LimitedCredit = int32(binary.LittleEndian.Uint32(rest[8:12]))
		fs.LimitedCreditEnabled = rest[12]&0x01 != 0
	case FileLinearRecord, FileCyclicRecord:
		if err := need(9); err != nil {
			return FileSettings{}, err
		}
		fs.RecordSize = le24(rest[0:3])
		fs.MaxRecords = le24(rest[3:6])
		fs.CurrentRecords = le24(rest[6:9])
	default:
		return FileSettings{}, fmt.Errorf("desfire: unknown file type 0x%02X", b[0])
	}
	return fs, nil
}

func (fs FileSettings) String() string {
	switch fs.Type {
	case FileValue:
		return fmt.Sprintf("%s %s [%s] limits=%d..%d", fs.Type, fs.CommMode, fs.AccessRights, fs.LowerLimit, fs.UpperLimit)
	case FileLinearRecord, FileCyclicRecord:
		return fmt.Sprintf("%s %s [%s] records=%d/%d of %d bytes", fs.Type, fs.CommMode, fs.AccessRights, fs.CurrentRecords, fs.MaxRecords, fs.RecordSize)
	}
	return fmt.Sprintf("%s %s [%s] size=%d", fs.Type, fs.CommMode, fs.AccessRights, fs.Size)
}
