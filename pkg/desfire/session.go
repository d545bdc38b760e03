package desfire

import (
	"crypto/rand"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gregLibert/desfire/pkg/iso7816"
	"github.com/gregLibert/desfire/pkg/sam"
)

// SAM is a Secure Access Module able to run PICC handshakes on behalf of the
// terminal. When the implementation also satisfies sync.Locker the session
// holds the lock for the whole handshake.
type SAM interface {
	iso7816.Transmitter
	SAMType() (sam.Type, error)
	DumpSessionKey() ([]byte, error)
	KillAuthentication() error
}

// AESService runs AES-CBC with a key that never leaves a PKCS#11 token.
type AESService interface {
	Encrypt(key PKCSStorage, iv, data []byte) ([]byte, error)
	Decrypt(key PKCSStorage, iv, data []byte) ([]byte, error)
}

// Reconnecter is implemented by transports able to reset the RF field.
type Reconnecter interface {
	Reconnect() error
}

// Session drives one DESFire card. It owns the crypto context and the
// currently selected application. A Session is safe for concurrent use but
// serializes every card exchange.
type Session struct {
	mu sync.Mutex

	id     uuid.UUID
	card   iso7816.Transmitter
	client *iso7816.Client
	log    *slog.Logger
	rand   io.Reader

	ctx *CryptoContext
	aid AID
	uid []byte

	sam        SAM
	samClient  *iso7816.Client
	samWarm    bool
	samWarmed  bool
	samRetries int
	aes        AESService

	lastTrace iso7816.Trace
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Every record carries the session id.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithSAM plugs a SAM used for SAMStorage keys.
func WithSAM(m SAM) Option {
	return func(s *Session) { s.sam = m }
}

// WithSAMWarmUp enables a throwaway SAM exchange before the first ISO
// handshake of the session, clearing state left by a previous SAM user.
func WithSAMWarmUp(enabled bool) Option {
	return func(s *Session) { s.samWarm = enabled }
}

// WithSAMRetries bounds how often a diversified SAM handshake answered with
// 6A86 is retried after reconnecting the card.
func WithSAMRetries(n int) Option {
	return func(s *Session) { s.samRetries = n }
}

// WithAESService plugs the PKCS#11 backend used for PKCSStorage keys.
func WithAESService(svc AESService) Option {
	return func(s *Session) { s.aes = svc }
}

// WithUID sets the card identifier used for key diversification. Without it
// the UID is read from GetVersion when first needed.
func WithUID(uid []byte) Option {
	return func(s *Session) { s.uid = append([]byte(nil), uid...) }
}

// WithRandom replaces the source of authentication nonces.
func WithRandom(r io.Reader) Option {
	return func(s *Session) { s.rand = r }
}

// NewSession starts a session on a card with the PICC level selected.
func NewSession(card iso7816.Transmitter, opts ...Option) *Session {
	s := &Session{
		id:         uuid.New(),
		card:       card,
		log:        slog.Default(),
		rand:       rand.Reader,
		ctx:        NewCryptoContext(),
		samRetries: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session", s.id.String())
	s.client = &iso7816.Client{Card: card, Logger: s.log}
	if s.sam != nil {
		s.samClient = &iso7816.Client{Card: s.sam, Logger: s.log.With("device", "sam")}
	}
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// AID is the currently selected application.
func (s *Session) AID() AID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aid
}

// AuthMethod reports the live authentication, AuthNone when unauthenticated.
func (s *Session) AuthMethod() AuthMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.AuthMethod()
}

// CryptoContext exposes the secure messaging state. It must not be used
// concurrently with session commands.
func (s *Session) CryptoContext() *CryptoContext { return s.ctx }

// LastTrace returns the APDU exchanges of the last command.
func (s *Session) LastTrace() iso7816.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(iso7816.Trace(nil), s.lastTrace...)
}

// Reset drops the authentication locally. The card keeps its state until
// the next authentication or selection.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx.Reset()
}

func (s *Session) random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.rand, b); err != nil {
		return nil, err
	}
	return b, nil
}
