package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/markus-barta/routedeck/internal/auth"
	"github.com/markus-barta/routedeck/internal/config"
	"github.com/markus-barta/routedeck/internal/lifecycle"
	"github.com/markus-barta/routedeck/internal/routes"
)

// captureJournal records the journal serve opens so the test can inspect it
// after serve returns.
func captureJournal(t *testing.T) **lifecycle.Journal {
	t.Helper()
	var opened *lifecycle.Journal
	orig := openJournal
	openJournal = func(path string) (*lifecycle.Journal, error) {
		j, err := orig(path)
		opened = j
		return j, err
	}
	t.Cleanup(func() { openJournal = orig })
	return &opened
}

func serveConfig(t *testing.T, listen string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Token = "test-token"
	cfg.SocketURL = config.DeriveSocketURL(cfg.APIURL)
	cfg.Listen = listen
	cfg.DBPath = filepath.Join(t.TempDir(), "journal.db")
	return cfg
}

func TestServe_ClosesJournal(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = busy.Close() }()

	tests := []struct {
		name    string
		listen  string
		cancel  bool
		wantErr bool
	}{
		{"listener fails", busy.Addr().String(), false, true},
		{"context cancelled", "127.0.0.1:0", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opened := captureJournal(t)
			cfg := serveConfig(t, tt.listen)
			tokens := auth.StaticToken(cfg.Token)
			api := routes.NewClient(routes.ClientConfig{BaseURL: cfg.APIURL, Tokens: tokens})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}

			err := serve(ctx, cfg, api, tokens, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("serve err = %v, wantErr %v", err, tt.wantErr)
			}

			if *opened == nil {
				t.Fatal("journal was not opened")
			}
			if _, err := (*opened).History(context.Background(), "r1", 10); err == nil {
				t.Error("journal still open after serve returned")
			}
		})
	}
}
