package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/acamacho/chatsync/internal/daemon"
	"github.com/acamacho/chatsync/internal/profile"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	addrFlag := flag.String("addr", "", "control-plane listen address (overrides config)")
	flag.Parse()

	// A local .env may carry CHATSYNC_TOKEN and the OpenAI key.
	_ = godotenv.Load()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, HTTPAddr: *addrFlag}),
	)

	app.Run()
}
