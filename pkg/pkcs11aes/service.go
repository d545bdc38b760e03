// Package pkcs11aes runs AES-CBC with secret keys held on a PKCS#11 token.
// It implements desfire.AESService so a DESFire AES handshake can run without
// the key ever reaching the terminal.
package pkcs11aes

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/gregLibert/desfire/pkg/desfire"
)

// Module is the subset of *pkcs11.Ctx the service needs.
type Module interface {
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	EncryptInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Encrypt(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	DecryptInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Decrypt(sh pkcs11.SessionHandle, cypher []byte) ([]byte, error)
}

// PINFunc supplies the user PIN of a slot when the key reference carries none.
type PINFunc func(slotID uint) (string, error)

// Service implements desfire.AESService on a PKCS#11 module. Each operation
// opens its own session; operations are serialized.
type Service struct {
	mu     sync.Mutex
	mod    Module
	ctx    *pkcs11.Ctx
	pin    PINFunc
	logger *slog.Logger
}

var _ desfire.AESService = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithPIN sets the PIN callback used for keys without a password.
func WithPIN(f PINFunc) Option {
	return func(s *Service) { s.pin = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New wraps an already initialized module.
func New(mod Module, opts ...Option) *Service {
	s := &Service{mod: mod, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open loads and initializes the PKCS#11 library at path.
func Open(path string, opts ...Option) (*Service, error) {
	p := pkcs11.New(path)
	if p == nil {
		return nil, fmt.Errorf("pkcs11aes: failed to load PKCS#11 library: %s", path)
	}
	if err := p.Initialize(); err != nil {
		if err != pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
			p.Destroy()
			return nil, fmt.Errorf("pkcs11aes: failed to initialize PKCS#11: %w", err)
		}
	}
	s := New(p, opts...)
	s.ctx = p
	return s, nil
}

// Close finalizes a module loaded by Open.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Finalize()
	s.ctx.Destroy()
	s.ctx = nil
	return err
}

// Encrypt implements desfire.AESService.
func (s *Service) Encrypt(key desfire.PKCSStorage, iv, data []byte) ([]byte, error) {
	return s.run(key, iv, data, true)
}

// Decrypt implements desfire.AESService.
func (s *Service) Decrypt(key desfire.PKCSStorage, iv, data []byte) ([]byte, error) {
	return s.run(key, iv, data, false)
}

func (s *Service) run(key desfire.PKCSStorage, iv, data []byte, encrypt bool) ([]byte, error) {
	if len(iv) != 16 || len(data)%16 != 0 {
		return nil, fmt.Errorf("pkcs11aes: AES-CBC needs a 16 byte IV and whole blocks, got %d and %d bytes", len(iv), len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.mod.OpenSession(key.SlotID, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("pkcs11aes: failed to open session on slot %d: %w", key.SlotID, err)
	}
	defer s.mod.CloseSession(session)

	if err := s.login(session, key); err != nil {
		return nil, err
	}
	handle, err := s.findKey(session, key)
	if err != nil {
		return nil, err
	}

	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_CBC, iv)}
	var out []byte
	if encrypt {
		if err := s.mod.EncryptInit(session, mechanism, handle); err != nil {
			return nil, fmt.Errorf("pkcs11aes: failed to initialize encryption: %w", err)
		}
		out, err = s.mod.Encrypt(session, data)
	} else {
		if err := s.mod.DecryptInit(session, mechanism, handle); err != nil {
			return nil, fmt.Errorf("pkcs11aes: failed to initialize decryption: %w", err)
		}
		out, err = s.mod.Decrypt(session, data)
	}
	if err != nil {
		return nil, fmt.Errorf("pkcs11aes: AES-CBC failed: %w", err)
	}
	if len(out) != len(data) {
		return nil, fmt.Errorf("pkcs11aes: token returned %d bytes for %d", len(out), len(data))
	}
	s.logger.Debug("pkcs11 aes-cbc", "slot", key.SlotID, "encrypt", encrypt, "len", len(data))
	return out, nil
}

// login authenticates the session. An already logged in token is accepted;
// C_Logout is never called since it ends every session of the application.
func (s *Service) login(session pkcs11.SessionHandle, key desfire.PKCSStorage) error {
	pin := key.Password
	if pin == "" && s.pin != nil {
		var err error
		if pin, err = s.pin(key.SlotID); err != nil {
			return fmt.Errorf("pkcs11aes: pin for slot %d: %w", key.SlotID, err)
		}
	}
	if pin == "" {
		return nil
	}
	if err := s.mod.Login(session, pkcs11.CKU_USER, pin); err != nil {
		if err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			return fmt.Errorf("pkcs11aes: login on slot %d: %w", key.SlotID, err)
		}
	}
	return nil
}

func (s *Service) findKey(session pkcs11.SessionHandle, key desfire.PKCSStorage) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
	}
	if len(key.ObjectID) > 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, key.ObjectID))
	}
	if err := s.mod.FindObjectsInit(session, template); err != nil {
		return 0, fmt.Errorf("pkcs11aes: failed to init object search: %w", err)
	}
	handles, _, err := s.mod.FindObjects(session, 2)
	if err != nil {
		s.mod.FindObjectsFinal(session)
		return 0, fmt.Errorf("pkcs11aes: failed to find objects: %w", err)
	}
	if err := s.mod.FindObjectsFinal(session); err != nil {
		return 0, fmt.Errorf("pkcs11aes: failed to finalize object search: %w", err)
	}
	switch len(handles) {
	case 0:
		return 0, fmt.Errorf("pkcs11aes: no AES key %X on slot %d", key.ObjectID, key.SlotID)
	case 1:
		return handles[0], nil
	default:
		return 0, fmt.Errorf("pkcs11aes: AES key %X on slot %d is ambiguous", key.ObjectID, key.SlotID)
	}
}
