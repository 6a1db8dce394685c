package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/Pequito/sessionvault/internal/api"
	"github.com/Pequito/sessionvault/internal/config"
	"github.com/Pequito/sessionvault/internal/database"
	"github.com/Pequito/sessionvault/internal/hostkeys"
	"github.com/Pequito/sessionvault/internal/macro"
	"github.com/Pequito/sessionvault/internal/session"
	"github.com/Pequito/sessionvault/internal/theme"
)

func loadPalette(logger pslog.Logger) *theme.Palette {
	if config.Cfg.ThemePath == "" {
		return theme.Mocha()
	}
	p, err := theme.Load(config.Cfg.ThemePath)
	if err != nil {
		logger.Warn("palette load failed, using mocha", "path", config.Cfg.ThemePath, "err", err)
		return theme.Mocha()
	}
	return p
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local session API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := pslog.Ctx(ctx)

			known := hostKeyStore()
			sessions := session.NewManager(logger, known)
			defer sessions.CloseAll()
			engine := macro.NewEngine(macro.ManagerResolver(sessions),
				macro.WithStore(macro.NewDBStore()),
				macro.WithLogger(logger))
			defer engine.Stop()

			srv := &api.Server{
				Sessions: sessions,
				Macros:   engine,
				HostKeys: known,
				Palette:  loadPalette(logger),
				Logger:   logger,
			}
			if addr == "" {
				addr = config.Cfg.ListenAddr
			}
			return srv.Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "loopback address to listen on (default from SESSIONVAULT_LISTEN_ADDR)")
	return cmd
}

func hostKeyStore() *hostkeys.DBStore {
	return hostkeys.NewDBStore(database.DB)
}
