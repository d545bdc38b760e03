// Package cli implements the desfire command line tool.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/gregLibert/desfire/internal/config"
	"github.com/gregLibert/desfire/internal/logging"
	"github.com/gregLibert/desfire/internal/pcsc"
	"github.com/gregLibert/desfire/pkg/desfire"
	"github.com/gregLibert/desfire/pkg/iso7816"
	"github.com/gregLibert/desfire/pkg/pkcs11aes"
	"github.com/gregLibert/desfire/pkg/sam"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=x.y.z".
var Version = "dev"

// Card is an open reader connection.
type Card interface {
	iso7816.Transmitter
	io.Closer
}

// AESService is a PKCS#11 backend that has to be closed.
type AESService interface {
	desfire.AESService
	io.Closer
}

// Env holds the collaborators of the commands. Tests replace the hardware
// openers.
type Env struct {
	Out    io.Writer
	ErrOut io.Writer

	ListReaders func() ([]string, error)
	OpenCard    func(selector string) (Card, error)
	OpenPKCS11  func(module string, pin pkcs11aes.PINFunc) (AESService, error)
	PromptPIN   pkcs11aes.PINFunc
}

// DefaultEnv talks to PC/SC readers and PKCS#11 modules.
func DefaultEnv() *Env {
	return &Env{
		Out:         os.Stdout,
		ErrOut:      os.Stderr,
		ListReaders: pcsc.ListReaders,
		OpenCard: func(selector string) (Card, error) {
			return pcsc.Open(selector)
		},
		OpenPKCS11: func(module string, pin pkcs11aes.PINFunc) (AESService, error) {
			return pkcs11aes.Open(module, pkcs11aes.WithPIN(pin))
		},
		PromptPIN: promptPIN,
	}
}

type app struct {
	env *Env
	v   *viper.Viper
	cfg *config.Config
	log *slog.Logger
}

// Execute runs the command line with the process arguments.
func Execute() error {
	return NewRootCommand(DefaultEnv()).Execute()
}

// NewRootCommand builds the command tree. Flags can be set from the
// environment with a DESFIRE_ prefix, for example DESFIRE_CONFIG and
// DESFIRE_READER.
func NewRootCommand(env *Env) *cobra.Command {
	a := &app{env: env, v: viper.New()}

	root := &cobra.Command{
		Use:   "desfire",
		Short: "MIFARE DESFire command and authentication tool",
		Long: `desfire talks to MIFARE DESFire EV1/EV2/EV3 cards through a PC/SC reader.

Keys are described in a YAML configuration file and may live in memory, in a
MIFARE SAM plugged into a second reader, or on a PKCS#11 token.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(env.Out)
	root.SetErr(env.ErrOut)

	flags := root.PersistentFlags()
	flags.String("config", "", "configuration file")
	flags.String("reader", "", "reader name, substring or index")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
	flags.StringP("output", "o", "text", "output format (text, json)")
	for _, name := range []string{"config", "reader", "log-level", "log-format", "output"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	a.v.SetEnvPrefix("DESFIRE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.versionCmd(),
		a.readersCmd(),
		a.infoCmd(),
		a.appsCmd(),
		a.filesCmd(),
		a.keySettingsCmd(),
		a.authCmd(),
		a.readCmd(),
		a.writeCmd(),
		a.changeKeyCmd(),
		a.isoSelectCmd(),
		a.uidCmd(),
	)
	return root
}

func (a *app) setup(_ *cobra.Command, _ []string) error {
	if err := a.printer().check(); err != nil {
		return err
	}
	a.cfg = &config.Config{}
	if path := a.v.GetString("config"); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	level, format := a.cfg.Log.Level, a.cfg.Log.Format
	if l := a.v.GetString("log-level"); l != "" {
		level = l
	}
	if f := a.v.GetString("log-format"); f != "" {
		format = f
	}
	if level == "" {
		level = "warn"
	}
	logger, err := logging.New(level, format, a.env.ErrOut)
	if err != nil {
		return err
	}
	a.log = logger
	return nil
}

func (a *app) printer() *printer {
	return newPrinter(a.v.GetString("output"), a.env.Out)
}

func (a *app) readerSelector() string {
	if r := a.v.GetString("reader"); r != "" {
		return r
	}
	return a.cfg.Reader
}

// session opens the card and the configured SAM and PKCS#11 module. The
// returned function releases all of them.
func (a *app) session() (*desfire.Session, func() error, error) {
	var closers []io.Closer
	release := func() error {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, closers[i].Close())
		}
		return errs
	}
	fail := func(err error) (*desfire.Session, func() error, error) {
		return nil, nil, multierr.Append(err, release())
	}

	card, err := a.env.OpenCard(a.readerSelector())
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, card)

	opts := []desfire.Option{desfire.WithLogger(a.log)}
	if c := a.cfg.SAM; c != nil {
		samCard, err := a.env.OpenCard(c.Reader)
		if err != nil {
			return fail(fmt.Errorf("sam reader: %w", err))
		}
		closers = append(closers, samCard)
		opts = append(opts, desfire.WithSAM(sam.NewClient(samCard)), desfire.WithSAMWarmUp(c.WarmUp))
		if c.Retries != nil {
			opts = append(opts, desfire.WithSAMRetries(*c.Retries))
		}
	}
	if c := a.cfg.PKCS11; c != nil {
		svc, err := a.env.OpenPKCS11(c.Module, a.env.PromptPIN)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, svc)
		opts = append(opts, desfire.WithAESService(svc))
	}
	return desfire.NewSession(card, opts...), release, nil
}

// withSession runs fn on a fresh session and closes it, keeping the first error.
func (a *app) withSession(fn func(s *desfire.Session) error) (err error) {
	s, closeAll, err := a.session()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeAll()) }()
	return fn(s)
}

// authenticate selects the application of a configured key and authenticates
// with it.
func (a *app) authenticate(s *desfire.Session, name string) error {
	kc, ok := a.cfg.Lookup(name)
	if !ok {
		return fmt.Errorf("no key named %q in the configuration", name)
	}
	key, err := kc.Key()
	if err != nil {
		return fmt.Errorf("key %q: %w", name, err)
	}
	aid, keyNo, err := kc.Target()
	if err != nil {
		return fmt.Errorf("key %q: %w", name, err)
	}
	h, err := kc.HandshakeValue()
	if err != nil {
		return fmt.Errorf("key %q: %w", name, err)
	}
	if err := s.SelectApplication(aid); err != nil {
		return err
	}
	return s.AuthenticateWith(h, keyNo, key)
}
