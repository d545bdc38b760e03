// Package cardsim emulates a DESFire EV1/EV2 card and a MIFARE SAM at the
// APDU level so the protocol stack can be exercised without hardware.
package cardsim

import (
	"crypto/cipher"
	"crypto/rand"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/gregLibert/desfire/pkg/desfire"
)

const maxFrame = 59

// File is a standard data file.
type File struct {
	Mode   desfire.CommMode
	Access desfire.AccessRights
	Data   []byte
}

// App is an application with its keys and files.
type App struct {
	KeyType  desfire.KeyType
	Keys     [][]byte
	Versions []byte
	Settings byte
	DFName   []byte
	Files    map[byte]*File
}

// SetKey installs a key value and version.
func (a *App) SetKey(keyNo byte, key []byte, version byte) {
	a.Keys[keyNo] = append([]byte(nil), key...)
	a.Versions[keyNo] = version
}

// AddFile creates a standard data file holding data.
func (a *App) AddFile(fileNo byte, mode desfire.CommMode, access desfire.AccessRights, data []byte) *File {
	f := &File{Mode: mode, Access: access, Data: append([]byte(nil), data...)}
	a.Files[fileNo] = f
	return f
}

type session struct {
	method desfire.AuthMethod
	keyNo  byte
	block  cipher.Block
	iv     []byte
	ev2    *desfire.EV2Channel
}

type handshake struct {
	cmd   desfire.Command
	keyNo byte
	t     desfire.KeyType
	key   []byte
	block cipher.Block
	rndB  []byte
	iv    []byte
}

type isoAuth struct {
	keyNo  byte
	t      desfire.KeyType
	key    []byte
	block  cipher.Block
	rpicc1 []byte
	rpcd1  []byte
	iv     []byte
}

type incoming struct {
	cmd  desfire.Command
	want int
	buf  []byte
}

// Card is an emulated PICC. It implements iso7816.Transmitter.
type Card struct {
	mu sync.Mutex

	// Version is the GetVersion payload; bytes 14-20 are the UID.
	Version []byte
	Apps    map[desfire.AID]*App
	// Tamper may rewrite a raw response (data‖SW) before it is returned.
	Tamper func(ins byte, resp []byte) []byte
	Rand   io.Reader

	// Received lists the INS byte of every APDU.
	Received   []byte
	Reconnects int

	selected desfire.AID
	sess     *session
	hs       *handshake
	iso      *isoAuth
	in       *incoming
	out      [][]byte
}

// New returns a card with a factory PICC level: DES master key of zeros.
func New(uid []byte) *Card {
	version := []byte{
		0x04, 0x01, 0x01, 0x01, 0x00, 0x1A, 0x05,
		0x04, 0x01, 0x01, 0x01, 0x04, 0x1A, 0x05,
	}
	u := make([]byte, 7)
	copy(u, uid)
	version = append(version, u...)
	version = append(version, 0xBA, 0x54, 0x2B, 0x1C, 0x20, 0x32, 0x19)

	c := &Card{Version: version, Apps: map[desfire.AID]*App{}, Rand: rand.Reader}
	c.AddApplication(desfire.PICCLevel, desfire.KeyDES, 1)
	return c
}

// AddApplication creates an application with zero keys.
func (c *Card) AddApplication(aid desfire.AID, t desfire.KeyType, keys int) *App {
	a := &App{
		KeyType:  t,
		Keys:     make([][]byte, keys),
		Versions: make([]byte, keys),
		Settings: 0x0F,
		Files:    map[byte]*File{},
	}
	for i := range a.Keys {
		a.Keys[i] = make([]byte, t.Length())
	}
	c.Apps[aid] = a
	return a
}

// Authenticated reports whether the card holds a live session.
func (c *Card) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Reconnect emulates an RF reset: the PICC level is selected again.
func (c *Card) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reconnects++
	c.reset()
	c.selected = desfire.PICCLevel
	return nil
}

func (c *Card) reset() {
	c.sess = nil
	c.hs = nil
	c.iso = nil
	c.in = nil
	c.out = nil
}

func (c *Card) random(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(c.Rand, b); err != nil {
		panic(err)
	}
	return b
}

// Transmit processes one short APDU.
func (c *Card) Transmit(apdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd, err := parseAPDU(apdu)
	if err != nil {
		return nil, err
	}
	c.Received = append(c.Received, cmd.ins)

	var resp []byte
	switch cmd.cla {
	case 0x90:
		resp = c.native(desfire.Command(cmd.ins), cmd.data)
	case 0x00:
		resp = c.isoCommand(cmd)
	default:
		resp = []byte{0x6E, 0x00}
	}
	if c.Tamper != nil {
		resp = c.Tamper(cmd.ins, resp)
	}
	return resp, nil
}

type apdu struct {
	cla, ins, p1, p2 byte
	data             []byte
	le               int
}

func parseAPDU(raw []byte) (apdu, error) {
	if len(raw) < 4 {
		return apdu{}, errors.Errorf("cardsim: apdu too short (%d bytes)", len(raw))
	}
	a := apdu{cla: raw[0], ins: raw[1], p1: raw[2], p2: raw[3]}
	rest := raw[4:]
	switch {
	case len(rest) == 0:
	case len(rest) == 1:
		a.le = int(rest[0])
	default:
		lc := int(rest[0])
		if len(rest) < 1+lc {
			return apdu{}, errors.Errorf("cardsim: Lc %d exceeds apdu", lc)
		}
		a.data = rest[1 : 1+lc]
		if len(rest) > 1+lc {
			a.le = int(rest[1+lc])
		}
	}
	if a.le == 0 && (len(rest) == 1 || len(rest) > 1+len(a.data)) {
		a.le = 256
	}
	return a, nil
}

func status(s desfire.Status) []byte { return []byte{0x91, byte(s)} }

// fail answers an error status; the card drops any authentication.
func (c *Card) fail(s desfire.Status) []byte {
	c.reset()
	return status(s)
}

func (c *Card) native(cmd desfire.Command, data []byte) []byte {
	if cmd == desfire.CmdAdditionalFrame {
		return c.continueFrame(data)
	}
	c.hs, c.in, c.out = nil, nil, nil

	switch cmd {
	case desfire.CmdAuthenticateLegacy, desfire.CmdAuthenticateISO, desfire.CmdAuthenticateAES, desfire.CmdAuthenticateEV2First:
		return c.authStart(cmd, data)
	case desfire.CmdWriteData:
		if len(data) >= 7 {
			if want := c.writeLength(data[:7]); len(data) < want {
				c.in = &incoming{cmd: cmd, want: want, buf: append([]byte(nil), data...)}
				return status(desfire.StatusAdditionalFrame)
			}
		}
	}
	return c.dispatch(cmd, data)
}

func (c *Card) continueFrame(data []byte) []byte {
	switch {
	case c.hs != nil:
		return c.authFinish(data)
	case c.in != nil:
		c.in.buf = append(c.in.buf, data...)
		if len(c.in.buf) < c.in.want {
			return status(desfire.StatusAdditionalFrame)
		}
		in := c.in
		c.in = nil
		return c.dispatch(in.cmd, in.buf)
	case len(c.out) > 0:
		next := c.out[0]
		c.out = c.out[1:]
		return c.frame(next)
	}
	return c.fail(desfire.StatusIllegalCommand)
}

func (c *Card) dispatch(cmd desfire.Command, data []byte) []byte {
	app := c.Apps[c.selected]
	switch cmd {
	case desfire.CmdSelectApplication:
		aid, err := desfire.AIDFromBytes(data)
		if err != nil {
			return c.fail(desfire.StatusLengthError)
		}
		c.reset()
		if _, ok := c.Apps[aid]; !ok {
			return status(desfire.StatusApplicationNotFound)
		}
		c.selected = aid
		return status(desfire.StatusOK)

	case desfire.CmdGetVersion:
		if _, ok := c.unwrap(cmd, data, 0, desfire.CommPlain, true, 0); !ok {
			return c.fail(desfire.StatusIntegrityError)
		}
		return c.reply(c.Version, desfire.CommPlain, true, 7, 7)

	case desfire.CmdGetApplicationIDs:
		if _, ok := c.unwrap(cmd, data, 0, desfire.CommPlain, true, 0); !ok {
			return c.fail(desfire.StatusIntegrityError)
		}
		if c.selected != desfire.PICCLevel {
			return c.fail(desfire.StatusIllegalCommand)
		}
		var out []byte
		for _, aid := range sortedAIDs(c.Apps) {
			if aid != desfire.PICCLevel {
				out = append(out, aid.Bytes()...)
			}
		}
		return c.reply(out, desfire.CommPlain, true)

	case desfire.CmdGetFileIDs:
		if _, ok := c.unwrap(cmd, data, 0, desfire.CommPlain, true, 0); !ok {
			return c.fail(desfire.StatusIntegrityError)
		}
		return c.reply(sortedFileIDs(app.Files), desfire.CommPlain, true)

	case desfire.CmdGetKeySettings:
		if _, ok := c.unwrap(cmd, data, 0, desfire.CommPlain, true, 0); !ok {
			return c.fail(desfire.StatusIntegrityError)
		}
		return c.reply([]byte{app.Settings, byte(len(app.Keys)) | app.KeyType.SettingsBits()}, desfire.CommPlain, true)

	case desfire.CmdGetKeyVersion:
		if len(data) < 1 {
			return c.fail(desfire.StatusLengthError)
		}
		if _, ok := c.unwrap(cmd, data, 1, desfire.CommPlain, true, 0); !ok {
			return c.fail(desfire.StatusIntegrityError)
		}
		keyNo := data[0] & 0x0F
		if int(keyNo) >= len(app.Keys) {
			return c.fail(desfire.StatusNoSuchKey)
		}
		return c.reply([]byte{app.Versions[keyNo]}, desfire.CommPlain, true)

	case desfire.CmdGetFileSettings:
		if len(data) < 1 {
			return c.fail(desfire.StatusLengthError)
		}
		if _, ok := c.unwrap(cmd, data, 1, desfire.CommPlain, true, 0); !ok {
			return c.fail(desfire.StatusIntegrityError)
		}
		f, ok := app.Files[data[0]]
		if !ok {
			return c.fail(desfire.StatusFileNotFound)
		}
		settings := append([]byte{byte(desfire.FileStandardData), byte(f.Mode)}, f.Access.Bytes()...)
		settings = append(settings, le24(len(f.Data))...)
		return c.reply(settings, desfire.CommPlain, true)

	case desfire.CmdGetCardUID:
		if c.sess == nil || c.sess.method == desfire.AuthLegacy {
			return c.fail(desfire.StatusAuthenticationError)
		}
		if _, ok := c.unwrap(cmd, data, 0, desfire.CommPlain, true, 0); !ok {
			return c.fail(desfire.StatusIntegrityError)
		}
		return c.reply(c.Version[14:21], desfire.CommEnciphered, true)

	case desfire.CmdReadData:
		return c.readData(app, data)

	case desfire.CmdWriteData:
		return c.writeData(app, data)

	case desfire.CmdChangeKey:
		return c.changeKey(app, data)
	}
	return c.fail(desfire.StatusIllegalCommand)
}

func (c *Card) canAccess(refs ...byte) bool {
	for _, r := range refs {
		if r == desfire.AccessFree {
			return true
		}
		if c.sess != nil && c.sess.keyNo == r {
			return true
		}
	}
	return false
}

func (c *Card) fileMode(f *File) desfire.CommMode {
	if c.sess == nil {
		return desfire.CommPlain
	}
	return f.Mode
}

func (c *Card) readData(app *App, data []byte) []byte {
	if len(data) != 7 {
		return c.fail(desfire.StatusLengthError)
	}
	f, ok := app.Files[data[0]]
	if !ok {
		return c.fail(desfire.StatusFileNotFound)
	}
	if !c.canAccess(f.Access.Read, f.Access.ReadWrite) {
		return c.fail(desfire.StatusPermissionDenied)
	}
	off, n := fromLE24(data[1:4]), fromLE24(data[4:7])
	if n == 0 {
		n = len(f.Data) - off
	}
	if off < 0 || n < 0 || off+n > len(f.Data) {
		return c.fail(desfire.StatusBoundaryError)
	}
	mode := c.fileMode(f)
	if _, ok := c.unwrap(desfire.CmdReadData, data, 7, desfire.CommPlain, mode != desfire.CommPlain, 0); !ok {
		return c.fail(desfire.StatusIntegrityError)
	}
	return c.reply(f.Data[off:off+n], mode, mode != desfire.CommPlain)
}

// writeLength is the number of bytes a WriteData command carries.
func (c *Card) writeLength(header []byte) int {
	f, ok := c.Apps[c.selected].Files[header[0]]
	if !ok {
		return len(header)
	}
	n := fromLE24(header[4:7])
	s := c.sess
	mode := c.fileMode(f)
	switch {
	case mode == desfire.CommPlain:
	case s.method == desfire.AuthEV2 && mode == desfire.CommEnciphered:
		n = roundUp(n+1, 16) + 8
	case s.method == desfire.AuthEV2, mode == desfire.CommMAC && s.method != desfire.AuthLegacy:
		n += 8
	case mode == desfire.CommMAC:
		n += 4
	case s.method == desfire.AuthLegacy:
		n = roundUp(n+2, 8)
	default:
		n = roundUp(n+4, s.block.BlockSize())
	}
	return len(header) + n
}

func (c *Card) writeData(app *App, data []byte) []byte {
	if len(data) < 7 {
		return c.fail(desfire.StatusLengthError)
	}
	f, ok := app.Files[data[0]]
	if !ok {
		return c.fail(desfire.StatusFileNotFound)
	}
	if !c.canAccess(f.Access.Write, f.Access.ReadWrite) {
		return c.fail(desfire.StatusPermissionDenied)
	}
	off, n := fromLE24(data[1:4]), fromLE24(data[4:7])
	if off+n > len(f.Data) {
		return c.fail(desfire.StatusBoundaryError)
	}
	mode := c.fileMode(f)
	payload, ok := c.unwrap(desfire.CmdWriteData, data, 7, mode, mode != desfire.CommPlain, n)
	if !ok || len(payload) != n {
		return c.fail(desfire.StatusIntegrityError)
	}
	copy(f.Data[off:], payload)
	return c.reply(nil, desfire.CommPlain, mode != desfire.CommPlain)
}

func (c *Card) changeKey(app *App, data []byte) []byte {
	s := c.sess
	if s == nil {
		return c.fail(desfire.StatusAuthenticationError)
	}
	if len(data) < 2 {
		return c.fail(desfire.StatusLengthError)
	}
	keyByte := data[0]
	keyNo := keyByte & 0x0F
	t := app.KeyType
	if c.selected == desfire.PICCLevel {
		t = desfire.KeyTypeFromBits(keyByte)
	}
	if int(keyNo) >= len(app.Keys) {
		return c.fail(desfire.StatusNoSuchKey)
	}
	if s.keyNo != 0 && s.keyNo != keyNo {
		return c.fail(desfire.StatusPermissionDenied)
	}
	same := s.keyNo == keyNo
	klen := t.Length()
	old := make([]byte, klen)
	copy(old, app.Keys[keyNo])
	xor := func(b []byte) []byte {
		out := make([]byte, klen)
		for i := range out {
			out[i] = b[i] ^ old[i]
		}
		return out
	}

	var newKey []byte
	var version byte
	switch s.method {
	case desfire.AuthEV2:
		plain, ok := c.unwrap(desfire.CmdChangeKey, data, 1, desfire.CommEnciphered, true, 0)
		if !ok || len(plain) < klen+1 {
			return c.fail(desfire.StatusIntegrityError)
		}
		newKey, version = plain[:klen], plain[klen]
		if !same {
			if len(plain) != klen+5 {
				return c.fail(desfire.StatusIntegrityError)
			}
			newKey = xor(plain[:klen])
			if !equal(crc32(newKey), plain[klen+1:klen+5]) {
				return c.fail(desfire.StatusIntegrityError)
			}
		}

	case desfire.AuthLegacy:
		plain := desfire.LegacyReceive(s.block, data[1:])
		if len(plain) < 20 {
			return c.fail(desfire.StatusLengthError)
		}
		newKey = plain[:16]
		if !equal(crc16(newKey), plain[16:18]) {
			return c.fail(desfire.StatusIntegrityError)
		}
		if !same {
			newKey = xor(plain[:16])
			if !equal(crc16(newKey), plain[18:20]) {
				return c.fail(desfire.StatusIntegrityError)
			}
		}
		version = desfire.DESKeyVersion(newKey)

	default:
		ct := data[1:]
		bs := s.block.BlockSize()
		if len(ct) == 0 || len(ct)%bs != 0 {
			return c.fail(desfire.StatusLengthError)
		}
		plain := cbcDecrypt(s.block, s.iv, ct)
		s.iv = lastBlock(ct, bs)
		bodyLen := klen
		if t == desfire.KeyAES {
			bodyLen++
		}
		if len(plain) < bodyLen+8 {
			return c.fail(desfire.StatusLengthError)
		}
		body := plain[:bodyLen]
		if !equal(crc32(concat([]byte{byte(desfire.CmdChangeKey), keyByte}, body)), plain[bodyLen:bodyLen+4]) {
			return c.fail(desfire.StatusIntegrityError)
		}
		newKey = body[:klen]
		if !same {
			newKey = xor(body[:klen])
			if !equal(crc32(newKey), plain[bodyLen+4:bodyLen+8]) {
				return c.fail(desfire.StatusIntegrityError)
			}
		}
		if t == desfire.KeyAES {
			version = body[klen]
		} else {
			version = desfire.DESKeyVersion(newKey)
		}
	}

	app.Keys[keyNo] = append([]byte(nil), newKey...)
	app.Versions[keyNo] = version
	if c.selected == desfire.PICCLevel {
		app.KeyType = t
	}
	if same {
		c.reset()
		return status(desfire.StatusOK)
	}
	return c.reply(nil, desfire.CommPlain, true)
}

// unwrap checks and strips the secure messaging of a command. n is the
// plaintext length of enciphered EV1 and legacy payloads.
func (c *Card) unwrap(cmd desfire.Command, data []byte, hlen int, mode desfire.CommMode, protected bool, n int) ([]byte, bool) {
	if len(data) < hlen {
		return nil, false
	}
	header, body := data[:hlen], data[hlen:]
	s := c.sess
	if s == nil {
		return body, true
	}
	switch s.method {
	case desfire.AuthEV2:
		if !protected {
			return body, true
		}
		if len(body) < 8 {
			return nil, false
		}
		payload, mac := body[:len(body)-8], body[len(body)-8:]
		if !equal(s.ev2.CommandMAC(byte(cmd), header, payload), mac) {
			return nil, false
		}
		if mode == desfire.CommEnciphered && len(payload) > 0 {
			plain, err := s.ev2.DecryptCommand(payload)
			if err != nil {
				return nil, false
			}
			return plain, true
		}
		return payload, true

	case desfire.AuthLegacy:
		switch mode {
		case desfire.CommMAC:
			if len(body) < 4 {
				return nil, false
			}
			payload, mac := body[:len(body)-4], body[len(body)-4:]
			return payload, equal(legacyMAC(s.block, payload), mac)
		case desfire.CommEnciphered:
			plain := desfire.LegacyReceive(s.block, body)
			if n+2 > len(plain) || !equal(crc16(plain[:n]), plain[n:n+2]) {
				return nil, false
			}
			return plain[:n], true
		}
		return body, true

	default:
		switch mode {
		case desfire.CommMAC:
			if len(body) < 8 {
				return nil, false
			}
			payload, mac := body[:len(body)-8], body[len(body)-8:]
			full := desfire.CMAC(s.block, s.iv, concat([]byte{byte(cmd)}, header, payload))
			s.iv = full
			return payload, equal(full[:8], mac)
		case desfire.CommEnciphered:
			bs := s.block.BlockSize()
			if len(body) == 0 || len(body)%bs != 0 {
				return nil, false
			}
			plain := cbcDecrypt(s.block, s.iv, body)
			s.iv = lastBlock(body, bs)
			if n+4 > len(plain) || !equal(crc32(concat([]byte{byte(cmd)}, header, plain[:n])), plain[n:n+4]) {
				return nil, false
			}
			return plain[:n], true
		}
		s.iv = desfire.CMAC(s.block, s.iv, concat([]byte{byte(cmd)}, data))
		return body, true
	}
}

// reply applies the response secure messaging and frames the result. sizes
// forces the length of the leading frames.
func (c *Card) reply(payload []byte, mode desfire.CommMode, protected bool, sizes ...int) []byte {
	out := payload
	if s := c.sess; s != nil {
		switch s.method {
		case desfire.AuthEV2:
			if protected {
				body := payload
				if mode == desfire.CommEnciphered && len(payload) > 0 {
					body = s.ev2.EncryptResponse(payload)
				}
				out = concat(body, s.ev2.ResponseMAC(byte(desfire.StatusOK), body))
			}
			s.ev2.Counter++
		case desfire.AuthLegacy:
			if len(payload) > 0 {
				switch mode {
				case desfire.CommEnciphered:
					bs := s.block.BlockSize()
					out = cbcEncrypt(s.block, make([]byte, bs), zeroPad(concat(payload, crc16(payload)), bs))
				case desfire.CommMAC:
					out = concat(payload, legacyMAC(s.block, payload))
				}
			}
		default:
			bs := s.block.BlockSize()
			if mode == desfire.CommEnciphered && len(payload) > 0 {
				ct := cbcEncrypt(s.block, s.iv, zeroPad(concat(payload, crc32(concat(payload, []byte{0x00}))), bs))
				s.iv = lastBlock(ct, bs)
				out = ct
			} else {
				full := desfire.CMAC(s.block, s.iv, concat(payload, []byte{0x00}))
				s.iv = full
				out = concat(payload, full[:8])
			}
		}
	}

	var chunks [][]byte
	for _, n := range sizes {
		if len(out) <= n {
			break
		}
		chunks = append(chunks, out[:n])
		out = out[n:]
	}
	for len(out) > maxFrame {
		chunks = append(chunks, out[:maxFrame])
		out = out[maxFrame:]
	}
	chunks = append(chunks, out)
	c.out = chunks[1:]
	return c.frame(chunks[0])
}

func (c *Card) frame(b []byte) []byte {
	sw := byte(desfire.StatusOK)
	if len(c.out) > 0 {
		sw = byte(desfire.StatusAdditionalFrame)
	}
	return append(append([]byte(nil), b...), 0x91, sw)
}
