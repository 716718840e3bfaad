package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/blkluv/photo-booth-sogni-sub004/internal/auth"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/config"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/connman"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/log"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/render"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/server"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/store/sqlite"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && args[0] == "mint-admin-token" {
		if err := mintAdminToken(os.Stdout, os.Getenv("BOOTH_TOKEN_PEPPER")); err != nil {
			fmt.Fprintln(os.Stderr, "boothd:", err)
			return 1
		}
		return 0
	}

	cfg, err := config.ParseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "boothd:", err)
		return 2
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting boothd", "listen", cfg.ListenAddr, "upstream", cfg.UpstreamURL, "tls", cfg.TLSMode)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open job store", "path", cfg.DBPath, "err", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	dial := render.NewDialer(render.Options{
		URL:              cfg.UpstreamURL,
		AppID:            cfg.UpstreamAppID,
		Username:         cfg.UpstreamUser,
		Password:         cfg.UpstreamPassword,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, logger)

	conns := connman.New(connman.Config{
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
	}, dial, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, conns, store, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited", "err", err)
		return 1
	}

	logger.Info("boothd stopped")
	return 0
}

// mintAdminToken prints a fresh admin token and the digest to configure as
// BOOTH_ADMIN_TOKEN_HASH. The token itself is shown once and never stored.
func mintAdminToken(w io.Writer, pepper string) error {
	token, hash, err := auth.MintAdminToken(pepper)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "admin token:            %s\n", token)
	fmt.Fprintf(w, "BOOTH_ADMIN_TOKEN_HASH: %s\n", hash)
	return nil
}
