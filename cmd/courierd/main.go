package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jfcarvalho/courier/internal/engine"
	"github.com/jfcarvalho/courier/internal/home"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides default)")
	flag.Parse()

	profile := home.Resolve(*profileFlag)
	if err := home.ValidateProfile(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		engine.Module(engine.Params{Profile: profile}),
	)

	app.Run()
}
