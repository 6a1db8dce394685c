package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const x11AuthProtocol = "MIT-MAGIC-COOKIE-1"

// x11Request is the payload of the "x11-req" channel request (RFC 4254 6.3.1).
type x11Request struct {
	SingleConnection bool
	AuthProtocol     string
	AuthCookie       string
	ScreenNumber     uint32
}

func randomX11Cookie() (string, string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	return x11AuthProtocol, hex.EncodeToString(b), nil
}

func (w *Worker) display() string {
	if w.cfg.X11Display != "" {
		return w.cfg.X11Display
	}
	return os.Getenv("DISPLAY")
}

func (w *Worker) requestX11(sess *ssh.Session) error {
	proto, cookie, err := w.x11Auth()
	if err != nil {
		return fmt.Errorf("x11 cookie: %w", err)
	}
	_, screen, _ := parseDisplay(w.display())
	ok, err := sess.SendRequest("x11-req", true, ssh.Marshal(&x11Request{
		AuthProtocol: proto,
		AuthCookie:   cookie,
		ScreenNumber: uint32(screen),
	}))
	if err != nil {
		return fmt.Errorf("x11-req: %w", err)
	}
	if !ok {
		return errors.New("x11 forwarding refused by server")
	}
	return nil
}

func (w *Worker) serveX11(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		go w.relayX11(nc)
	}
}

func (w *Worker) relayX11(nc ssh.NewChannel) {
	local, err := w.dialDisplay()
	if err != nil {
		nc.Reject(ssh.ConnectionFailed, "cannot reach local display")
		w.emitError(ErrorX11, fmt.Sprintf("x11 channel: %v", err), false)
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		local.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{})
	go func() {
		io.Copy(ch, local)
		ch.CloseWrite()
		close(done)
	}()
	io.Copy(local, ch)
	local.Close()
	<-done
	ch.Close()
}

func (w *Worker) dialDisplay() (net.Conn, error) {
	if w.x11Dial != nil {
		return w.x11Dial()
	}
	d := w.display()
	network, addr, err := displayAddr(d)
	if err != nil {
		return nil, err
	}
	return net.DialTimeout(network, addr, 5*time.Second)
}

// parseDisplay splits an X display name "[host]:display[.screen]".
func parseDisplay(d string) (host string, screen int, display int) {
	i := strings.LastIndex(d, ":")
	if i < 0 {
		return "", 0, -1
	}
	host, rest := d[:i], d[i+1:]
	num := rest
	if j := strings.IndexByte(rest, '.'); j >= 0 {
		num = rest[:j]
		screen, _ = strconv.Atoi(rest[j+1:])
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return host, screen, -1
	}
	return host, screen, n
}

// displayAddr returns where the X server for d listens: the unix socket
// for local displays, TCP port 6000+n otherwise.
func displayAddr(d string) (network, addr string, err error) {
	if d == "" {
		return "", "", errors.New("DISPLAY is not set")
	}
	host, _, n := parseDisplay(d)
	if n < 0 {
		return "", "", fmt.Errorf("invalid display %q", d)
	}
	if host == "" || host == "unix" {
		return "unix", "/tmp/.X11-unix/X" + strconv.Itoa(n), nil
	}
	return "tcp", net.JoinHostPort(host, strconv.Itoa(6000+n)), nil
}
