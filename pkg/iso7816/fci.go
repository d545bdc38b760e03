package iso7816

import (
	"fmt"

	"github.com/gregLibert/desfire/pkg/bits"
	"github.com/gregLibert/desfire/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// FILE CONTROL INFORMATION (FCI) according to ISO/IEC 7816-4.
//
// A successful SELECT may return data describing the selected file, shaped by
// P2 bits 4-3:
// - 00: FCI, an optional '6F' wrapper holding '62' (FCP) and/or '64' (FMD).
//       DESFire puts the DF name ('84') directly under '6F'.
// - 01: FCP only ('62' mandatory).
// - 10: FMD only ('64' mandatory).
// - 11: no data.

// FCPTemplate (File Control Parameters) - Tag '62'.
type FCPTemplate struct {
	DataSizeExcludingStruct []byte `tlv:"80" fmt:"int"`
	TotalFileSize           []byte `tlv:"81" fmt:"int"`
	FileDescriptor          []byte `tlv:"82"`
	FileIdentifier          []byte `tlv:"83"`
	DFName                  []byte `tlv:"84" fmt:"ascii"`
	ProprietaryInfoRaw      []byte `tlv:"85"`
	SecurityAttrProprietary []byte `tlv:"86"`
	ExtFileControlInfoID    []byte `tlv:"87"`
	ShortEFIdentifier       []byte `tlv:"88"`
	LifeCycleStatus         []byte `tlv:"8A"`
	SecAttrRefExpanded      []byte `tlv:"8B"`
	SecurityAttrCompact     []byte `tlv:"8C"`
	SecEnvTemplateID        []byte `tlv:"8D"`
	ChannelSecurityAttr     []byte `tlv:"8E"`
	SecAttrTemplateData     []byte `tlv:"A0"`
	SecAttrTemplateProp     []byte `tlv:"A1"`
	OneOrMorePairs          []byte `tlv:"A2"`
	ProprietaryDataBER      []byte `tlv:"A5"`
	SecurityAttrExpanded    []byte `tlv:"AB"`
	CryptoMechanismID       []byte `tlv:"AC"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FMDTemplate (File Management Data) - Tag '64'.
type FMDTemplate struct {
	ApplicationIdentifier []byte `tlv:"84" fmt:"ascii"`
	ApplicationLabel      []byte `tlv:"50" fmt:"ascii"`
	ProprietaryData53     []byte `tlv:"53"`
	ProprietaryData73     []byte `tlv:"73"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FileControlInfo represents the parsed result of a SELECT command.
type FileControlInfo struct {
	FCP *FCPTemplate
	FMD *FMDTemplate

	// Unknown contains TLV tags that did not match FCP or FMD definitions
	Unknown []bertlv.TLV // (only populated in "flat" FCI parsing mode).

	ProprietaryRawData []byte
}

// GetAID attempts to retrieve the Application ID (Tag 84).
func (fci *FileControlInfo) GetAID() []byte {
	if fci.FCP != nil && len(fci.FCP.DFName) > 0 {
		return fci.FCP.DFName
	}
	if fci.FMD != nil && len(fci.FMD.ApplicationIdentifier) > 0 {
		return fci.FMD.ApplicationIdentifier
	}
	return nil
}

// FileID returns the 2-byte file identifier (Tag 83) from FCP.
func (fci *FileControlInfo) FileID() (uint16, bool) {
	if fci.FCP == nil || len(fci.FCP.FileIdentifier) != 2 {
		return 0, false
	}
	return uint16(fci.FCP.FileIdentifier[0])<<8 | uint16(fci.FCP.FileIdentifier[1]), true
}

// DFName returns the Dedicated File Name (Tag 84) from FCP.
func (fci *FileControlInfo) DFName() []byte {
	if fci.FCP != nil {
		return fci.FCP.DFName
	}
	return nil
}

// ApplicationLabel returns the Application Label (Tag 50) from FMD.
func (fci *FileControlInfo) ApplicationLabel() []byte {
	if fci.FMD != nil {
		return fci.FMD.ApplicationLabel
	}
	return nil
}

// ParseSelectData parses the data field of a SELECT response according to P2.
// It returns nil when there is nothing to parse.
func ParseSelectData(data []byte, p2 byte) (*FileControlInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	// Proprietary encoding, not BER-TLV.
	if data[0] >= 0xC0 {
		return &FileControlInfo{ProprietaryRawData: data}, nil
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}

	fci := &FileControlInfo{FCP: &FCPTemplate{}, FMD: &FMDTemplate{}}

	switch bits.GetRange(p2, 4, 3) {
	case 1:
		return fci, bindTemplate(packets, "62", fci.FCP, true)
	case 2:
		return fci, bindTemplate(packets, "64", fci.FMD, true)
	case 0:
	default:
		return nil, nil
	}

	if wrapper, ok := tlv.Find(packets, "6F"); ok {
		packets = wrapper.TLVs
	}
	if err := bindTemplate(packets, "62", fci.FCP, false); err != nil {
		return nil, err
	}
	if err := bindTemplate(packets, "64", fci.FMD, false); err != nil {
		return nil, err
	}
	if _, ok := tlv.Find(packets, "62"); ok {
		return fci, nil
	}
	if _, ok := tlv.Find(packets, "64"); ok {
		return fci, nil
	}

	// Flat FCI, as DESFire sends it: FCP tags first, then FMD on the rest.
	if err := tlv.Bind(packets, fci.FCP); err != nil {
		return nil, fmt.Errorf("flat FCP: %w", err)
	}
	rest := fci.FCP.Unknown
	fci.FCP.Unknown = nil
	if err := tlv.Bind(rest, fci.FMD); err != nil {
		return nil, fmt.Errorf("flat FMD: %w", err)
	}
	fci.Unknown, fci.FMD.Unknown = fci.FMD.Unknown, nil
	return fci, nil
}

// bindTemplate binds the children of the tag template to target. A missing
// template is an error only when required.
func bindTemplate(packets []bertlv.TLV, tag string, target any, required bool) error {
	p, ok := tlv.Find(packets, tag)
	if !ok {
		if required {
			return fmt.Errorf("mandatory tag '%s' not found", tag)
		}
		return nil
	}
	if err := tlv.Bind(p.TLVs, target); err != nil {
		return fmt.Errorf("template %s: %w", tag, err)
	}
	return nil
}
