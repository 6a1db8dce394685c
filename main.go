package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/Pequito/sessionvault/internal/config"
	"github.com/Pequito/sessionvault/internal/database"
	"github.com/Pequito/sessionvault/internal/logging"
	"github.com/Pequito/sessionvault/internal/session"
)

func main() {
	logger := logging.New(os.Stderr, "console", "info")
	ctx := pslog.ContextWithLogger(context.Background(), logger)

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(root.Context()).With("err", err).Error("sessionvault command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sessionvault",
		Short:         "SSH and Telnet session engine with tunnels and macros",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(); err != nil {
				return err
			}
			logger := logging.Init()
			cmd.SetContext(pslog.ContextWithLogger(cmd.Context(), logger))
			if err := database.Init(); err != nil {
				return fmt.Errorf("database init: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			database.Close()
			logging.Close()
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newMacroCmd())
	root.AddCommand(newHostKeysCmd())
	root.AddCommand(newProfileCmd())

	return root
}

// parseForward parses an ssh-style "localPort:remoteHost:remotePort".
func parseForward(s string) (session.TunnelSpec, error) {
	i := strings.Index(s, ":")
	j := strings.LastIndex(s, ":")
	if i < 0 || i == j {
		return session.TunnelSpec{}, fmt.Errorf("invalid forward %q, want local:host:port", s)
	}
	local, err := strconv.Atoi(s[:i])
	if err != nil {
		return session.TunnelSpec{}, fmt.Errorf("invalid local port in %q", s)
	}
	remote, err := strconv.Atoi(s[j+1:])
	if err != nil {
		return session.TunnelSpec{}, fmt.Errorf("invalid remote port in %q", s)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(s[i+1:j], "["), "]")
	if host == "" {
		return session.TunnelSpec{}, fmt.Errorf("missing remote host in %q", s)
	}
	return session.TunnelSpec{LocalPort: local, RemoteHost: host, RemotePort: remote}, nil
}

func parseForwards(list []string) ([]session.TunnelSpec, error) {
	out := make([]session.TunnelSpec, 0, len(list))
	for _, s := range list {
		spec, err := parseForward(s)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}
