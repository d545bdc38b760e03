package cli

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gregLibert/desfire/pkg/desfire"
	"github.com/gregLibert/desfire/pkg/iso7816"
)

// target is the application and optional key shared by card commands.
type target struct {
	aid string
	key string
}

func (t *target) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.aid, "aid", "", "application identifier (hex), 000000 for the card level")
	cmd.Flags().StringVar(&t.key, "key", "", "configured key to authenticate with")
}

// open selects the application and authenticates when a key is given. The
// key's own application wins when --aid is left empty.
func (a *app) open(s *desfire.Session, t target) error {
	if t.key != "" {
		kc, ok := a.cfg.Lookup(t.key)
		if !ok {
			return fmt.Errorf("no key named %q in the configuration", t.key)
		}
		if t.aid != "" {
			want, err := desfire.ParseAID(t.aid)
			if err != nil {
				return err
			}
			got, _, err := kc.Target()
			if err != nil {
				return fmt.Errorf("key %q: %w", t.key, err)
			}
			if want != got {
				return fmt.Errorf("key %q belongs to application %s, not %s", t.key, got, want)
			}
		}
		return a.authenticate(s, t.key)
	}
	if t.aid == "" {
		return nil
	}
	aid, err := desfire.ParseAID(t.aid)
	if err != nil {
		return err
	}
	return s.SelectApplication(aid)
}

func parseByte(name, s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return byte(v), nil
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.printer()
			if p.format == formatJSON {
				return p.json(map[string]any{
					"version":    Version,
					"go_version": runtime.Version(),
					"os":         runtime.GOOS,
					"arch":       runtime.GOARCH,
				})
			}
			fmt.Fprintf(p.w, "desfire version %s\n", Version)
			fmt.Fprintf(p.w, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(p.w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}

func (a *app) readersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "List the PC/SC readers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := a.env.ListReaders()
			if err != nil {
				return err
			}
			return a.printer().readers(names)
		},
	}
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the chip version of the card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *desfire.Session) error {
				v, err := s.GetVersion()
				if err != nil {
					return err
				}
				return a.printer().version(v)
			})
		},
	}
}

func (a *app) appsCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "List the applications of the card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *desfire.Session) error {
				if err := a.open(s, t); err != nil {
					return err
				}
				aids, err := s.GetApplicationIDs()
				if err != nil {
					return err
				}
				return a.printer().applications(aids)
			})
		},
	}
	cmd.Flags().StringVar(&t.key, "key", "", "card master key to authenticate with")
	return cmd
}

func (a *app) filesCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List the files of an application with their settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *desfire.Session) error {
				if err := a.open(s, t); err != nil {
					return err
				}
				ids, err := s.GetFileIDs()
				if err != nil {
					return err
				}
				files := make([]fileEntry, len(ids))
				for i, id := range ids {
					fs, err := s.GetFileSettings(id)
					files[i] = fileEntry{No: id, Settings: fs, Err: err}
				}
				return a.printer().files(files)
			})
		},
	}
	t.register(cmd)
	return cmd
}

func (a *app) keySettingsCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "key-settings",
		Short: "Show the key settings of an application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *desfire.Session) error {
				if err := a.open(s, t); err != nil {
					return err
				}
				ks, err := s.GetKeySettings()
				if err != nil {
					return err
				}
				return a.printer().keySettings(s.AID(), ks)
			})
		},
	}
	t.register(cmd)
	return cmd
}

func (a *app) authCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with a configured key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kc, ok := a.cfg.Lookup(name)
			if !ok {
				return fmt.Errorf("no key named %q in the configuration", name)
			}
			return a.withSession(func(s *desfire.Session) error {
				if err := a.authenticate(s, name); err != nil {
					return err
				}
				return a.printer().authenticated(s, byte(kc.KeyNo))
			})
		},
	}
	cmd.Flags().StringVar(&name, "key", "", "configured key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func (a *app) readCmd() *cobra.Command {
	var (
		t      target
		file   string
		offset int
		length int
		mode   string
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read a data file",
		Long: `Read a standard or backup data file. Without --offset, --length and --mode
the whole file is read in the communication mode of its settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fileNo, err := parseByte("file", file)
			if err != nil {
				return err
			}
			return a.withSession(func(s *desfire.Session) error {
				if err := a.open(s, t); err != nil {
					return err
				}
				var data []byte
				if mode == "" && offset == 0 && length == 0 {
					data, err = s.ReadFile(fileNo)
				} else {
					m := desfire.CommPlain
					if mode != "" {
						if m, err = desfire.ParseCommMode(mode); err != nil {
							return err
						}
					}
					data, err = s.ReadData(fileNo, offset, length, m)
				}
				if err != nil {
					return err
				}
				return a.printer().data(data)
			})
		},
	}
	t.register(cmd)
	cmd.Flags().StringVar(&file, "file", "", "file number")
	cmd.Flags().IntVar(&offset, "offset", 0, "first byte to read")
	cmd.Flags().IntVar(&length, "length", 0, "number of bytes, 0 up to the end of the file")
	cmd.Flags().StringVar(&mode, "mode", "", "communication mode (plain, mac, enciphered)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) writeCmd() *cobra.Command {
	var (
		t      target
		file   string
		offset int
		data   string
		mode   string
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write to a data file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fileNo, err := parseByte("file", file)
			if err != nil {
				return err
			}
			payload, err := hex.DecodeString(strings.ReplaceAll(data, " ", ""))
			if err != nil {
				return fmt.Errorf("data: %w", err)
			}
			return a.withSession(func(s *desfire.Session) error {
				if err := a.open(s, t); err != nil {
					return err
				}
				m, err := a.fileMode(s, fileNo, mode)
				if err != nil {
					return err
				}
				if err := s.WriteData(fileNo, offset, payload, m); err != nil {
					return err
				}
				return a.printer().success(fmt.Sprintf("Wrote %d bytes to file %d", len(payload), fileNo))
			})
		},
	}
	t.register(cmd)
	cmd.Flags().StringVar(&file, "file", "", "file number")
	cmd.Flags().IntVar(&offset, "offset", 0, "first byte to write")
	cmd.Flags().StringVar(&data, "data", "", "bytes to write (hex)")
	cmd.Flags().StringVar(&mode, "mode", "", "communication mode, taken from the file settings when empty")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

// fileMode parses mode, asking the card for the file settings when empty.
func (a *app) fileMode(s *desfire.Session, fileNo byte, mode string) (desfire.CommMode, error) {
	if mode != "" {
		return desfire.ParseCommMode(mode)
	}
	fs, err := s.GetFileSettings(fileNo)
	if err != nil {
		return 0, err
	}
	return fs.CommMode, nil
}

func (a *app) changeKeyCmd() *cobra.Command {
	var (
		auth    string
		keyNo   string
		newName string
		current string
	)
	cmd := &cobra.Command{
		Use:   "change-key",
		Short: "Replace a key of an application",
		Long: `Authenticate with --key, then replace key --key-no of the same application
with the configured key --new. When the key being replaced is not the
authenticated one and is not the factory zero key, name its current value with
--current.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			no, err := parseByte("key-no", keyNo)
			if err != nil {
				return err
			}
			newKey, err := a.cfg.Key(newName)
			if err != nil {
				return fmt.Errorf("new key: %w", err)
			}
			var old *desfire.Key
			if current != "" {
				k, err := a.cfg.Key(current)
				if err != nil {
					return fmt.Errorf("current key: %w", err)
				}
				old = &k
			}
			return a.withSession(func(s *desfire.Session) error {
				if err := a.authenticate(s, auth); err != nil {
					return err
				}
				if old != nil {
					s.CryptoContext().SetKey(s.AID(), no, *old)
				}
				if err := s.ChangeKey(no, newKey); err != nil {
					return err
				}
				return a.printer().success(fmt.Sprintf("Changed key %d of application %s", no, s.AID()))
			})
		},
	}
	cmd.Flags().StringVar(&auth, "key", "", "configured key to authenticate with")
	cmd.Flags().StringVar(&keyNo, "key-no", "", "number of the key to replace")
	cmd.Flags().StringVar(&newName, "new", "", "configured key holding the new value")
	cmd.Flags().StringVar(&current, "current", "", "configured key holding the current value")
	for _, f := range []string{"key", "key-no", "new"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func (a *app) isoSelectCmd() *cobra.Command {
	var dfName string
	cmd := &cobra.Command{
		Use:   "iso-select",
		Short: "Select an application by DF name, or the card level, with ISO SELECT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var name []byte
			if dfName != "" {
				var err error
				if name, err = hex.DecodeString(dfName); err != nil {
					return fmt.Errorf("df-name: %w", err)
				}
			}
			return a.withSession(func(s *desfire.Session) error {
				var err error
				if name != nil {
					_, err = s.ISOSelectDFName(name)
				} else {
					err = s.ISOSelectMF()
				}
				if err != nil {
					return err
				}
				res, err := iso7816.NewSelectResult(s.LastTrace())
				if err != nil {
					return err
				}
				return a.printer().selection(res)
			})
		},
	}
	cmd.Flags().StringVar(&dfName, "df-name", "", "ISO DF name (hex), the card level when empty")
	return cmd
}

func (a *app) uidCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "uid",
		Short: "Read the real UID of a card using random IDs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *desfire.Session) error {
				if err := a.authenticate(s, name); err != nil {
					return err
				}
				uid, err := s.GetCardUID()
				if err != nil {
					return err
				}
				return a.printer().uid(uid)
			})
		},
	}
	cmd.Flags().StringVar(&name, "key", "", "configured key to authenticate with")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
