package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Pequito/sessionvault/internal/channel"
	"github.com/Pequito/sessionvault/internal/hostkeys"
	"github.com/Pequito/sessionvault/internal/tunnel"
)

func (w *Worker) authMethods() ([]ssh.AuthMethod, error) {
	cred := w.cfg.Credential
	var methods []ssh.AuthMethod
	if len(cred.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if len(cred.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cred.PrivateKey, cred.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(cred.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		password := cred.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

// connectSSH runs the handshake and opens the interactive channel: pty-req,
// then x11-req when enabled, then shell. It returns the shell's output.
func (w *Worker) connectSSH(ctx context.Context, addr string) (io.Reader, error) {
	user := w.cfg.Credential.Username
	auth, err := w.authMethods()
	if err != nil {
		return nil, &AuthError{User: user, Addr: addr, Err: err}
	}

	conn, err := w.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDial(addr, err)
	}
	if !w.register(func() { w.conn = conn }) {
		conn.Close()
		return nil, ErrClosed
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	conn.SetDeadline(time.Now().Add(w.cfg.ConnectTimeout))

	w.setState(StateAuthenticating, "ssh handshake as "+user)

	policy := hostkeys.PolicyAcceptNew
	if w.cfg.StrictHostKeys {
		policy = hostkeys.PolicyStrict
	}
	check := hostkeys.Callback(w.hostKeys, policy)
	var hkErr *hostkeys.HostKeyError
	cc := &ssh.ClientConfig{
		User: user,
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := check(hostname, remote, key)
			if err != nil {
				errors.As(err, &hkErr)
			}
			return err
		},
		Timeout: w.cfg.ConnectTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if err != nil {
		if ctx.Err() != nil && hkErr == nil {
			return nil, classifyDial(addr, ctx.Err())
		}
		return nil, classifyHandshake(addr, user, err, hkErr)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	var x11Chans <-chan ssh.NewChannel
	if w.cfg.X11 {
		x11Chans = client.HandleChannelOpen("x11")
	}
	var mux *channel.Mux
	ok := w.register(func() {
		w.client = client
		mux = channel.NewMux(client)
		w.mux = mux
		w.tunnels = tunnel.NewManager(mux,
			tunnel.WithBindHost(w.cfg.TunnelBindHost),
			tunnel.WithLogger(w.logger),
			tunnel.WithErrorHandler(w.onTunnelError),
		)
	})
	if !ok {
		client.Close()
		return nil, ErrClosed
	}
	conn.SetDeadline(time.Time{})
	w.logger.Info("ssh authenticated", "user", user, "server_version", string(sshConn.ServerVersion()))

	sess, err := client.NewSession()
	if err != nil {
		return nil, &ConnectError{Reason: ReasonHandshake, Addr: addr, Err: fmt.Errorf("open session: %w", err)}
	}
	if !w.register(func() { w.sess = sess }) {
		sess.Close()
		return nil, ErrClosed
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(w.cfg.TerminalType, w.cfg.Rows, w.cfg.Cols, modes); err != nil {
		return nil, &ConnectError{Reason: ReasonHandshake, Addr: addr, Err: fmt.Errorf("request pty: %w", err)}
	}

	// The cookie must be registered before the shell starts or programs
	// launched from it cannot reach the display.
	if w.cfg.X11 {
		if err := w.requestX11(sess); err != nil {
			w.logger.Warn("x11 forwarding unavailable", "err", err)
			w.emitError(ErrorX11, err.Error(), false)
		}
		go w.serveX11(x11Chans)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, &ConnectError{Reason: ReasonOther, Addr: addr, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, &ConnectError{Reason: ReasonOther, Addr: addr, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := sess.Shell(); err != nil {
		return nil, &ConnectError{Reason: ReasonHandshake, Addr: addr, Err: fmt.Errorf("start shell: %w", err)}
	}

	h, err := mux.OpenInteractive(nil)
	if err != nil {
		return nil, ErrClosed
	}
	mux.Attach(h.ID, w.outputSink(h.ID))
	w.register(func() {
		w.interactive = h.ID
		w.input = stdin
	})
	return stdout, nil
}

// keepalive sends a global request every KeepaliveInterval. A failed
// request means the transport is gone.
func (w *Worker) keepalive(client *ssh.Client) {
	if w.cfg.KeepaliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				if !w.isStopping() {
					w.fail(ErrorTransport, fmt.Errorf("keepalive failed: %w", err))
				}
				return
			}
		}
	}
}
