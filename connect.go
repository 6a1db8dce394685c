package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
	"pkt.systems/pslog"

	"github.com/Pequito/sessionvault/internal/api"
	"github.com/Pequito/sessionvault/internal/database"
	"github.com/Pequito/sessionvault/internal/logging"
	"github.com/Pequito/sessionvault/internal/macro"
	"github.com/Pequito/sessionvault/internal/session"
)

// Ctrl-] ends an interactive session, as in telnet(1).
const escapeByte = 0x1d

type targetFlags struct {
	profile       string
	protocol      string
	port          int
	user          string
	identity      string
	x11           bool
	forwards      []string
	strict        bool
	passwordStdin bool
}

func (f *targetFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.profile, "profile", "", "connect using a saved profile ID")
	fl.StringVar(&f.protocol, "protocol", "ssh", "ssh or telnet")
	fl.IntVarP(&f.port, "port", "p", 0, "remote port (default 22 for ssh, 23 for telnet)")
	fl.StringVarP(&f.user, "user", "l", "", "login name")
	fl.StringVarP(&f.identity, "identity", "i", "", "private key file")
	fl.BoolVarP(&f.x11, "x11", "X", false, "request X11 forwarding")
	fl.StringArrayVarP(&f.forwards, "forward", "L", nil, "local forward local:host:port (repeatable)")
	fl.BoolVar(&f.strict, "strict-host-keys", false, "reject hosts without a recorded key")
	fl.BoolVar(&f.passwordStdin, "password-stdin", false, "read the password from the first line of stdin")
}

// splitTarget parses [user@]host[:port].
func splitTarget(s string) (userName, host string, port int, err error) {
	if at := strings.LastIndex(s, "@"); at >= 0 {
		userName, s = s[:at], s[at+1:]
	}
	host = s
	if h, p, splitErr := net.SplitHostPort(s); splitErr == nil {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid port in %q", s)
		}
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", "", 0, errors.New("missing host")
	}
	return userName, host, port, nil
}

func prompt(label string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%s required but stdin is not a terminal", strings.TrimSuffix(label, ": "))
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return b, err
}

// buildConfig resolves the session config and the credential. Secrets are
// read from the terminal or stdin and live only in the returned config.
func (f *targetFlags) buildConfig(args []string) (session.Config, error) {
	var cfg session.Config
	if f.profile != "" {
		p, err := database.GetProfile(f.profile)
		if err != nil {
			return cfg, fmt.Errorf("profile %s: %w", f.profile, err)
		}
		if cfg, err = api.ProfileConfig(p, session.Credential{Username: f.user}); err != nil {
			return cfg, err
		}
	} else {
		if len(args) == 0 {
			return cfg, errors.New("a target [user@]host[:port] or --profile is required")
		}
		u, host, port, err := splitTarget(args[0])
		if err != nil {
			return cfg, err
		}
		if f.user != "" {
			u = f.user
		}
		if f.port != 0 {
			port = f.port
		}
		cfg = session.Config{Protocol: session.Protocol(f.protocol), Host: host, Port: port, X11: f.x11}
		cfg.Credential.Username = u
	}
	if f.x11 {
		cfg.X11 = true
	}
	cfg.StrictHostKeys = f.strict
	fwd, err := parseForwards(f.forwards)
	if err != nil {
		return cfg, err
	}
	cfg.Tunnels = append(cfg.Tunnels, fwd...)

	if cfg.Protocol == session.ProtocolTelnet {
		return cfg, nil
	}
	if cfg.Credential.Username == "" {
		if cur, err := user.Current(); err == nil {
			cfg.Credential.Username = cur.Username
		}
	}
	if f.identity != "" {
		pem, err := os.ReadFile(f.identity)
		if err != nil {
			return cfg, fmt.Errorf("read identity: %w", err)
		}
		cfg.Credential.PrivateKey = pem
	}
	if len(cfg.Credential.PrivateKey) > 0 {
		var missing *ssh.PassphraseMissingError
		if _, err := ssh.ParsePrivateKey(cfg.Credential.PrivateKey); errors.As(err, &missing) {
			pass, err := prompt("key passphrase: ")
			if err != nil {
				return cfg, err
			}
			cfg.Credential.Passphrase = pass
		}
		return cfg, nil
	}
	if f.passwordStdin {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("read password: %w", err)
		}
		cfg.Credential.Password = strings.TrimRight(line, "\r\n")
		return cfg, nil
	}
	pass, err := prompt(fmt.Sprintf("%s@%s's password: ", cfg.Credential.Username, cfg.Host))
	if err != nil {
		return cfg, err
	}
	cfg.Credential.Password = string(pass)
	return cfg, nil
}

// printEvents writes output to stdout and errors to stderr until the stream
// ends.
func printEvents(events <-chan session.Event, stdout, stderr io.Writer) {
	for e := range events {
		switch e.Type {
		case session.EventOutput:
			stdout.Write(e.Data)
		case session.EventError:
			fmt.Fprintf(stderr, "\r\n[%s] %s\r\n", e.Kind, e.Detail)
		case session.EventTunnel:
			fmt.Fprintf(stderr, "\r\n[tunnel] %s\r\n", e.Detail)
		}
	}
}

func newConnectCmd() *cobra.Command {
	var flags targetFlags
	var record string
	cmd := &cobra.Command{
		Use:   "connect [user@]host[:port]",
		Short: "Open an interactive SSH or Telnet session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.buildConfig(args)
			if err != nil {
				return err
			}
			fd := int(os.Stdin.Fd())
			interactive := term.IsTerminal(fd)
			if interactive {
				if cols, rows, err := term.GetSize(fd); err == nil {
					cfg.Rows, cfg.Cols = rows, cols
				}
			}

			// The terminal belongs to the remote shell; log to the file only.
			logger := logging.FileOnly()
			ctx := pslog.ContextWithLogger(cmd.Context(), logger)
			sessions := session.NewManager(logger, hostKeyStore())
			defer sessions.CloseAll()

			w := sessions.Open(cfg)
			events, cancel, err := sessions.Subscribe(w.ID(), 256)
			if err != nil {
				return err
			}
			defer cancel()
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				printEvents(events, os.Stdout, os.Stderr)
			}()

			if err := w.Connect(ctx); err != nil {
				return err
			}

			if record != "" {
				engine := macro.NewEngine(macro.ManagerResolver(sessions),
					macro.WithStore(macro.NewDBStore()), macro.WithLogger(logger))
				defer engine.Stop()
				if err := engine.StartRecording(w.ID()); err != nil {
					return err
				}
				defer func() {
					if _, err := engine.StopRecording(w.ID(), record); err != nil {
						pslog.Ctx(cmd.Context()).Error("save recording failed", "macro", record, "err", err)
					}
				}()
			}

			if interactive {
				old, err := term.MakeRaw(fd)
				if err != nil {
					return fmt.Errorf("raw mode: %w", err)
				}
				defer term.Restore(fd, old)
				stopResize := watchResize(fd, w)
				defer stopResize()
			}

			go pumpStdin(os.Stdin, w, interactive)

			<-w.Done()
			select {
			case <-printed:
			case <-time.After(2 * time.Second):
			}
			if w.State() == session.StateFailed {
				return errors.New("session failed")
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&record, "record", "", "record typed input as a macro with this name")
	return cmd
}

// pumpStdin forwards local input until EOF or the escape byte.
func pumpStdin(r io.Reader, w *session.Worker, interactive bool) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			if interactive {
				if i := bytes.IndexByte(data, escapeByte); i >= 0 {
					if i > 0 {
						w.Send(append([]byte(nil), data[:i]...))
					}
					w.Disconnect()
					return
				}
			}
			if err := w.Send(append([]byte(nil), data...)); errors.Is(err, session.ErrSessionNotReady) {
				return
			}
		}
		if err != nil {
			if !interactive {
				// Let the remote finish with what it was given.
				time.Sleep(500 * time.Millisecond)
				w.Disconnect()
			}
			return
		}
	}
}

// replayInto connects, replays name and disconnects after linger.
func replayInto(ctx context.Context, cfg session.Config, name string, linger time.Duration) error {
	logger := pslog.Ctx(ctx)
	sessions := session.NewManager(logger, hostKeyStore())
	defer sessions.CloseAll()
	engine := macro.NewEngine(macro.ManagerResolver(sessions),
		macro.WithStore(macro.NewDBStore()), macro.WithLogger(logger))
	defer engine.Stop()

	w := sessions.Open(cfg)
	events, cancel, err := sessions.Subscribe(w.ID(), 256)
	if err != nil {
		return err
	}
	defer cancel()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(events, os.Stdout, os.Stderr)
	}()

	if err := w.Connect(ctx); err != nil {
		return err
	}
	p, err := engine.Replay(ctx, name, w.ID())
	if err != nil {
		w.Disconnect()
		return err
	}
	perr := p.Wait()
	select {
	case <-time.After(linger):
	case <-w.Done():
	case <-ctx.Done():
	}
	w.Disconnect()
	<-printed
	if perr != nil {
		return fmt.Errorf("replay %s: %w", name, perr)
	}
	return nil
}
