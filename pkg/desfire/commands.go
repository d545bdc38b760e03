package desfire

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gregLibert/desfire/pkg/iso7816"
)

const maxOffset = 1<<24 - 1

// SelectApplication selects an application, PICCLevel for the card itself.
// The card drops any authentication, so the session and the key table are
// cleared whatever the outcome.
func (s *Session) SelectApplication(aid AID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectApplication(aid)
}

func (s *Session) selectApplication(aid AID) error {
	if aid > maxOffset {
		return fmt.Errorf("desfire: AID %X does not fit in 24 bits", uint32(aid))
	}
	_, sw, err := s.exchange(CmdSelectApplication, aid.Bytes())
	s.ctx.Reset()
	s.ctx.ClearKeys()
	if err != nil {
		return err
	}
	if !isOK(sw) {
		return statusError(CmdSelectApplication, sw)
	}
	s.aid = aid
	s.log.Debug("application selected", "aid", aid)
	return nil
}

// ISOSelectDFName selects an application by its ISO DF name and returns the
// file control information, nil when the card sends none. The session keeps
// the AID of the last SelectApplication for its key table.
func (s *Session) ISOSelectDFName(name []byte) (*iso7816.FileControlInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTrace = nil
	s.ctx.Reset()
	s.ctx.ClearKeys()
	trace, err := s.client.Send(iso7816.SelectByAID(isoClass, name))
	s.lastTrace = append(s.lastTrace, trace...)
	if err != nil {
		return nil, errors.Wrap(err, "desfire: ISO select")
	}
	res, err := iso7816.NewSelectResult(trace)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, statusError(CmdISOSelectFile, res.Last().Response.Status)
	}
	if len(res.Last().Response.Data) == 0 {
		return nil, nil
	}
	return res.FCI()
}

// ISOSelectMF selects the PICC level through the ISO file identifier 3F00.
func (s *Session) ISOSelectMF() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTrace = nil
	s.ctx.Reset()
	s.ctx.ClearKeys()
	trace, err := s.client.Send(iso7816.SelectFileID(isoClass, iso7816.MasterFileID))
	s.lastTrace = append(s.lastTrace, trace...)
	if err != nil {
		return errors.Wrap(err, "desfire: ISO select")
	}
	if !trace.IsSuccess() {
		return statusError(CmdISOSelectFile, trace.Last().Response.Status)
	}
	s.aid = PICCLevel
	return nil
}

// GetVersion reads the hardware, software and production information.
func (s *Session) GetVersion() (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getVersion()
}

func (s *Session) getVersion() (Version, error) {
	data, err := s.command(request{cmd: CmdGetVersion, ev2MAC: true})
	if err != nil {
		return Version{}, err
	}
	v, err := ParseVersion(data)
	if err != nil {
		return Version{}, err
	}
	if len(s.uid) == 0 && !allZero(v.UID) {
		s.uid = append([]byte(nil), v.UID...)
	}
	return v, nil
}

// GetApplicationIDs lists the applications of the card.
func (s *Session) GetApplicationIDs() ([]AID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.command(request{cmd: CmdGetApplicationIDs, ev2MAC: true})
	if err != nil {
		return nil, err
	}
	if len(data)%3 != 0 {
		return nil, fmt.Errorf("%w: application list of %d bytes", ErrUnexpectedLength, len(data))
	}
	aids := make([]AID, 0, len(data)/3)
	for i := 0; i < len(data); i += 3 {
		aid, _ := AIDFromBytes(data[i : i+3])
		aids = append(aids, aid)
	}
	return aids, nil
}

// GetFileIDs lists the files of the selected application.
func (s *Session) GetFileIDs() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.command(request{cmd: CmdGetFileIDs, ev2MAC: true})
}

// GetKeySettings reads the key settings of the selected application.
func (s *Session) GetKeySettings() (KeySettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.command(request{cmd: CmdGetKeySettings, ev2MAC: true})
	if err != nil {
		return KeySettings{}, err
	}
	return ParseKeySettings(data)
}

// GetKeyVersion reads the version of a key of the selected application.
func (s *Session) GetKeyVersion(keyNo byte) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.command(request{cmd: CmdGetKeyVersion, header: []byte{keyNo}, ev2MAC: true})
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, fmt.Errorf("%w: key version of %d bytes", ErrUnexpectedLength, len(data))
	}
	return data[0], nil
}

// GetFileSettings reads the settings of a file.
func (s *Session) GetFileSettings(fileNo byte) (FileSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getFileSettings(fileNo)
}

func (s *Session) getFileSettings(fileNo byte) (FileSettings, error) {
	data, err := s.command(request{cmd: CmdGetFileSettings, header: []byte{fileNo}, ev2MAC: true})
	if err != nil {
		return FileSettings{}, err
	}
	return ParseFileSettings(data)
}

// GetCardUID reads the real UID of a card configured with random IDs. It
// needs an authenticated session and the response is always enciphered.
func (s *Session) GetCardUID() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid, err := s.command(request{cmd: CmdGetCardUID, respMode: CommEnciphered, respLen: 7})
	if err != nil {
		return nil, err
	}
	s.uid = append([]byte(nil), uid...)
	return uid, nil
}

// ReadData reads length bytes of a data file from offset. A length of 0
// reads up to the end of the file in a single command.
func (s *Session) ReadData(fileNo byte, offset, length int, mode CommMode) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readData(fileNo, offset, length, mode)
}

// ReadFile reads a whole data file using the communication mode of its settings.
func (s *Session) ReadFile(fileNo byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, err := s.getFileSettings(fileNo)
	if err != nil {
		return nil, err
	}
	if fs.Type != FileStandardData && fs.Type != FileBackupData {
		return nil, fmt.Errorf("desfire: file %d is a %s file", fileNo, fs.Type)
	}
	return s.readData(fileNo, 0, fs.Size, fs.CommMode)
}

func (s *Session) readData(fileNo byte, offset, length int, mode CommMode) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > maxOffset {
		return nil, fmt.Errorf("desfire: read range %d+%d out of bounds", offset, length)
	}
	if length == 0 {
		return s.readChunk(fileNo, offset, 0, mode)
	}
	out := make([]byte, 0, length)
	for length > 0 {
		n := min(length, MaxReadChunk)
		chunk, err := s.readChunk(fileNo, offset, n, mode)
		if err != nil {
			return nil, err
		}
		if len(chunk) != n {
			return nil, fmt.Errorf("%w: read %d bytes, want %d", ErrUnexpectedLength, len(chunk), n)
		}
		out = append(out, chunk...)
		offset += n
		length -= n
	}
	return out, nil
}

func (s *Session) readChunk(fileNo byte, offset, length int, mode CommMode) ([]byte, error) {
	header := concat([]byte{fileNo}, putLE24(offset), putLE24(length))
	return s.command(request{cmd: CmdReadData, header: header, respMode: mode, respLen: length})
}

// WriteData writes data to a data file at offset. Long payloads are sent over
// additional frames.
func (s *Session) WriteData(fileNo byte, offset int, data []byte, mode CommMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	if offset < 0 || offset+len(data) > maxOffset {
		return fmt.Errorf("desfire: write range %d+%d out of bounds", offset, len(data))
	}
	header := concat([]byte{fileNo}, putLE24(offset), putLE24(len(data)))
	_, err := s.command(request{cmd: CmdWriteData, header: header, data: data, mode: mode})
	return err
}

// ChangeKey replaces key keyNo of the selected application. The current value
// comes from the key table, the factory zero key when unknown. Changing the
// key of the live session ends the session.
func (s *Session) ChangeKey(keyNo byte, newKey Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := newKey.Validate(); err != nil {
		return err
	}
	if _, ok := newKey.StorageOrDefault().(MemoryStorage); !ok {
		return fmt.Errorf("%w: new key must be held in memory", ErrUnsupportedCombination)
	}
	if !s.ctx.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if !s.ctx.HasSessionKey() {
		return ErrNoSessionKey
	}

	newData, err := s.resolveKey(keyNo, newKey)
	if err != nil {
		return err
	}
	if newKey.Type != KeyAES {
		newData = SetDESKeyVersion(newData, newKey.Version)
	}
	keyByte := keyNo
	if s.aid == PICCLevel {
		keyByte |= newKey.Type.SettingsBits()
	}
	authAID, authKeyNo, _ := s.ctx.AuthenticatedKey()
	same := authAID == s.aid && authKeyNo == keyNo

	var xored []byte
	if !same {
		old, ok := s.ctx.Key(s.aid, keyNo)
		if !ok {
			old = EmptyKey(newKey.Type)
		}
		if _, mem := old.StorageOrDefault().(MemoryStorage); !mem {
			return fmt.Errorf("%w: current key must be held in memory", ErrUnsupportedCombination)
		}
		oldData, err := s.resolveKey(keyNo, old)
		if err != nil {
			return err
		}
		xored = make([]byte, len(newData))
		copy(xored, oldData)
		for i := range xored {
			xored[i] ^= newData[i]
		}
	}

	req := request{cmd: CmdChangeKey, header: []byte{keyByte}, endsSession: same}
	switch s.ctx.method {
	case AuthEV2:
		if same {
			req.data = concat(newData, []byte{newKey.Version})
		} else {
			req.data = appendCRC32(concat(xored, []byte{newKey.Version}), CRC32(newData))
		}
		req.mode = CommEnciphered
	case AuthLegacy:
		var plain []byte
		if same {
			plain = appendCRC16(concat(newData), CRC16(newData))
		} else {
			plain = appendCRC16(appendCRC16(concat(xored), CRC16(xored)), CRC16(newData))
		}
		if req.data, err = s.ctx.EncryptRaw(plain); err != nil {
			return err
		}
		req.enciphered = true
	default:
		body := newData
		if !same {
			body = xored
		}
		if newKey.Type == KeyAES {
			body = concat(body, []byte{newKey.Version})
		}
		plain := appendCRC32(concat(body), CRC32(concat([]byte{byte(CmdChangeKey), keyByte}, body)))
		if !same {
			plain = appendCRC32(plain, CRC32(newData))
		}
		if req.data, err = s.ctx.EncryptRaw(plain); err != nil {
			return err
		}
		req.enciphered = true
	}

	if _, err := s.command(req); err != nil {
		return err
	}
	s.ctx.SetKey(s.aid, keyNo, newKey)
	s.log.Info("key changed", "aid", s.aid, "key", keyNo, "type", newKey.Type, "version", newKey.Version, "session_ended", same)
	return nil
}
