// Command manager runs a standalone Network Manager process: it loads a
// YAML configuration file, wires the configured authenticator and
// persistence store, and serves Clients and Services until SIGINT/SIGTERM
// or a shutdown_manager admin request.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mslnz/msl-network-go/internal/auth"
	"github.com/mslnz/msl-network-go/internal/config"
	"github.com/mslnz/msl-network-go/internal/manager"
	"github.com/mslnz/msl-network-go/internal/storage"
)

func main() {
	configPath := ""
	if len(os.Args) >= 2 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadManagerConfig(configPath)
	if err != nil {
		log.Fatalf("manager: load config: %v", err)
	}

	kv, err := storage.Open(storage.DefaultConfig(cfg.DataDir))
	if err != nil {
		log.Fatalf("manager: open storage: %v", err)
	}
	defer kv.Close()

	if cfg.Auth == config.AuthTrustedHostnames {
		if err := storage.NewHostnamesTable(kv).SeedIfEmpty(); err != nil {
			log.Printf("manager: seed hostnames table: %v", err)
		}
	}

	authenticator, err := buildAuthenticator(cfg, kv)
	if err != nil {
		log.Fatalf("manager: %v", err)
	}

	mgr := manager.New(cfg, authenticator, kv)

	if cfg.TLS {
		tlsConfig, err := auth.ServerConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			log.Fatalf("manager: tls config: %v", err)
		}
		mgr.SetTLSConfig(tlsConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("manager: received signal %s, shutting down", sig)
		cancel()
	}()

	if err := mgr.Serve(ctx); err != nil {
		log.Fatalf("manager: serve: %v", err)
	}
}

func buildAuthenticator(cfg *config.ManagerConfig, kv *storage.KV) (auth.Authenticator, error) {
	users := storage.NewUsersTable(kv)
	hostnames := storage.NewHostnamesTable(kv)
	if err := auth.Validate(authMode(cfg.Auth), cfg.Password, users, hostnames); err != nil {
		return nil, err
	}

	switch cfg.Auth {
	case config.AuthSharedPassword:
		return auth.SharedPasswordAuthenticator{ManagerName: "Manager", Password: cfg.Password}, nil
	case config.AuthTrustedHostnames:
		return auth.TrustedHostnameAuthenticator{Hostnames: hostnames}, nil
	case config.AuthLogin:
		return &auth.LoginAuthenticator{ManagerName: "Manager", Users: users}, nil
	case config.AuthNone, "":
		return auth.NoneAuthenticator{}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth)
	}
}

func authMode(m config.AuthMode) auth.Mode {
	switch m {
	case config.AuthSharedPassword:
		return auth.SharedPassword
	case config.AuthTrustedHostnames:
		return auth.TrustedHostnames
	case config.AuthLogin:
		return auth.Login
	default:
		return auth.None
	}
}
