package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/bluetail-im/bluetail/internal/config"
	"github.com/bluetail-im/bluetail/internal/daemon"
	"github.com/bluetail-im/bluetail/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	serverFlag := flag.String("server", "", "bridge server base URL (overrides config)")
	passwordFlag := flag.String("password", "", "bridge server password (overrides config)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	serverURL, password := *serverFlag, *passwordFlag
	if serverURL == "" || password == "" {
		cfg, err := config.Load(session.ConfigPath())
		if err == nil {
			if serverURL == "" {
				serverURL = cfg.ServerURL
			}
			if password == "" {
				password = cfg.Password
			}
		}
	}
	if serverURL == "" {
		fmt.Fprintln(os.Stderr, "error: no server URL configured (use --server or config.toml)")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:   profile,
			ServerURL: serverURL,
			Password:  password,
		}),
	)

	app.Run()
}
