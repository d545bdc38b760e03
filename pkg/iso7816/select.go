package iso7816

import (
	"fmt"
)

// SELECT COMMAND LOGIC (ISO 7816-4):
// The SELECT command (INS 'A4') opens a file or an application.
//
// A DESFire card understands two selection methods:
// - P1 = 00: by 2-byte ISO file identifier. 3F00 is the PICC level (MF).
// - P1 = 04: by DF name, the ISO name given to an application at creation.
//
// P2 bits 4-3 choose what the card returns. DESFire answers an FCI template
// ('6F' holding the DF name) or nothing when P2 is 0C.

// SelectionMethod defines how the file is targeted (P1).
type SelectionMethod byte

const (
	SelectByFileID SelectionMethod = 0x00
	SelectByDFName SelectionMethod = 0x04
)

// MasterFileID is the ISO file identifier of the card level.
const MasterFileID uint16 = 0x3F00

func (s SelectionMethod) String() string {
	switch s {
	case SelectByFileID:
		return "Select by File ID"
	case SelectByDFName:
		return "Select by DF Name"
	default:
		return fmt.Sprintf("Unknown Method (0x%02X)", byte(s))
	}
}

// SelectionControl defines what data to return (Bits 3-4 of P2).
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0b0000_00_00
	ReturnFCP    SelectionControl = 0b0000_01_00
	ReturnFMD    SelectionControl = 0b0000_10_00
	ReturnNoData SelectionControl = 0b0000_11_00
)

func (s SelectionControl) String() string {
	switch s {
	case ReturnFCI:
		return "Return FCI"
	case ReturnFCP:
		return "Return FCP"
	case ReturnFMD:
		return "Return FMD"
	case ReturnNoData:
		return "No Response Data"
	default:
		return "Unknown Control"
	}
}

// NewSelectCommand creates a SELECT command for the first occurrence of the target.
func NewSelectCommand(cla Class, method SelectionMethod, ctrl SelectionControl, data []byte) *CommandAPDU {
	ins, _ := NewInstruction(INS_SELECT)

	// T=0: a case 3 command cannot carry Le, the card answers 61XX instead.
	ne := 0
	if len(data) == 0 && ctrl != ReturnNoData {
		ne = MaxShortLe
	}

	return NewCommandAPDU(cla, ins, byte(method), byte(ctrl), data, ne)
}

// SelectByAID selects an application by its DF name and asks for the FCI.
func SelectByAID(cla Class, name []byte) *CommandAPDU {
	return NewSelectCommand(cla, SelectByDFName, ReturnFCI, name)
}

// SelectFileID selects a file by ISO identifier without response data.
func SelectFileID(cla Class, fid uint16) *CommandAPDU {
	return NewSelectCommand(cla, SelectByFileID, ReturnNoData, []byte{byte(fid >> 8), byte(fid)})
}
