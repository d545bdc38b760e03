package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/desfire/pkg/desfire"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const fullConfig = `
reader: acr122
log:
  level: debug
  format: json
sam:
  reader: "1"
  warm_up: true
  retries: 2
pkcs11:
  module: lib/softhsm2.so
keys:
  - name: picc
    aid: "000000"
    key_no: 0
    type: des
    hex: "00000000000000000000000000000000"
  - name: app
    aid: "F54230"
    key_no: 1
    type: aes
    handshake: iso7816
    version: 3
    hex_file: keys/app.hex
    diversification:
      method: nxp-av2
      system_identifier: "4E585020416275"
  - name: sam
    aid: "F54230"
    key_no: 2
    type: 3k3des
    storage: sam
    sam_key: 16
    dump_session_key: true
  - name: hsm
    aid: "F54230"
    key_no: 3
    type: aes
    storage: pkcs11
    slot: 1
    object_id: "0102"
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib/softhsm2.so", "")
	writeFile(t, dir, "keys/app.hex", "00112233445566778899AABBCCDDEEFF\n")
	path := writeFile(t, dir, "desfire.yaml", fullConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "acr122", cfg.Reader)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)
	require.NotNil(t, cfg.SAM)
	assert.True(t, cfg.SAM.WarmUp)
	assert.Equal(t, 2, *cfg.SAM.Retries)
	assert.Equal(t, filepath.Join(dir, "lib/softhsm2.so"), cfg.PKCS11.Module)

	picc, err := cfg.Key("picc")
	require.NoError(t, err)
	assert.Equal(t, desfire.EmptyKey(desfire.KeyDES).Data, picc.Data)

	app, err := cfg.Key("app")
	require.NoError(t, err)
	assert.Equal(t, desfire.KeyAES, app.Type)
	assert.Equal(t, byte(3), app.Version)
	assert.Len(t, app.Data, 16)
	assert.IsType(t, desfire.NXPAV2{}, app.Diversify)
	kc, ok := cfg.Lookup("app")
	require.True(t, ok)
	h, err := kc.HandshakeValue()
	require.NoError(t, err)
	assert.Equal(t, desfire.HandshakeISO7816, h)
	aid, keyNo, err := kc.Target()
	require.NoError(t, err)
	assert.Equal(t, desfire.AID(0xF54230), aid)
	assert.Equal(t, byte(1), keyNo)

	sam, err := cfg.Key("sam")
	require.NoError(t, err)
	assert.Equal(t, desfire.SAMStorage{KeyIndex: 16, DumpSessionKey: true}, sam.Storage)

	hsm, err := cfg.Key("hsm")
	require.NoError(t, err)
	assert.Equal(t, desfire.PKCSStorage{SlotID: 1, ObjectID: []byte{0x01, 0x02}}, hsm.Storage)

	_, err = cfg.Key("missing")
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), "c.yaml", "reader: x\nreaders: y\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config yaml")
}

func TestValidate(t *testing.T) {
	retries := -1
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"log level", Config{Log: LogConfig{Level: "trace"}}, "config.log.level"},
		{"log format", Config{Log: LogConfig{Format: "xml"}}, "config.log.format"},
		{"sam retries", Config{SAM: &SAMConfig{Retries: &retries}}, "config.sam.retries"},
		{"pkcs11 module", Config{PKCS11: &PKCS11Config{}}, "config.pkcs11.module is required"},
		{"pkcs11 module missing", Config{PKCS11: &PKCS11Config{Module: "/nonexistent/lib.so"}}, "config.pkcs11.module"},
		{"key name", Config{Keys: []KeyConfig{{AID: "000000", Type: "aes"}}}, "name is required"},
		{"duplicate", Config{Keys: []KeyConfig{
			{Name: "a", AID: "000000", Type: "des", Hex: "00000000000000000000000000000000"},
			{Name: "a", AID: "000000", Type: "des", Hex: "00000000000000000000000000000000"},
		}}, "duplicate"},
		{"key type", Config{Keys: []KeyConfig{{Name: "a", AID: "000000", Type: "rsa"}}}, "type"},
		{"aid", Config{Keys: []KeyConfig{{Name: "a", AID: "XYZ", Type: "aes"}}}, "aid"},
		{"key number", Config{Keys: []KeyConfig{{Name: "a", AID: "000000", KeyNo: 14, Type: "aes"}}}, "key_no"},
		{"handshake", Config{Keys: []KeyConfig{{Name: "a", AID: "000000", Type: "aes", Handshake: "ev3"}}}, "handshake"},
		{"memory key without bytes", Config{Keys: []KeyConfig{{Name: "a", AID: "000000", Type: "aes"}}}, "hex or hex_file"},
		{"short key", Config{Keys: []KeyConfig{{Name: "a", AID: "000000", Type: "aes", Hex: "0011"}}}, "invalid key"},
		{"storage", Config{Keys: []KeyConfig{{Name: "a", AID: "000000", Type: "aes", Storage: "tpm"}}}, "unknown storage"},
		{"sam section", Config{Keys: []KeyConfig{{Name: "a", AID: "000000", Type: "aes", Storage: "sam"}}}, "config.sam is missing"},
		{"pkcs11 section", Config{Keys: []KeyConfig{{Name: "a", AID: "000000", Type: "aes", Storage: "pkcs11"}}}, "config.pkcs11 is missing"},
		{"diversification", Config{Keys: []KeyConfig{{
			Name: "a", AID: "000000", Type: "aes", Hex: "00000000000000000000000000000000",
			Diversification: &DiversificationConfig{Method: "hmac"},
		}}}, "unknown method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, tt.cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, (&Config{}).Validate())
}

func TestDiversifier(t *testing.T) {
	tests := []struct {
		method string
		want   desfire.Diversifier
	}{
		{"nxp-av2", desfire.NXPAV2{}},
		{"an10922", desfire.NXPAV2{}},
		{"nxp-av1", desfire.NXPAV1{}},
		{"sagem", desfire.Sagem{}},
		{"omnitech", desfire.Omnitech{}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			d, err := DiversificationConfig{Method: tt.method}.Diversifier()
			require.NoError(t, err)
			assert.IsType(t, tt.want, d)
		})
	}

	d, err := DiversificationConfig{Method: "nxp-av2", SystemIdentifier: "0102", ReverseAID: true}.Diversifier()
	require.NoError(t, err)
	assert.Equal(t, desfire.NXPAV2{DiversificationOptions: desfire.DiversificationOptions{SystemIdentifier: []byte{1, 2}, ReverseAID: true}}, d)

	_, err = DiversificationConfig{Method: "nxp-av2", SystemIdentifier: "zz"}.Diversifier()
	assert.ErrorContains(t, err, "system_identifier")
}
