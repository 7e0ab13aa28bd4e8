package commands

import (
	"context"
	"fmt"
	"os"

	"bibkat-backend/internal/accounts"
	"bibkat-backend/internal/app"
	"bibkat-backend/internal/components/kvstore"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/config"
	"bibkat-backend/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var (
	configPath *string
	verbose    *bool
	dumpHttp   *string
)

var rootCmd = &cobra.Command{
	Use:   "bibkat-cli",
	Short: "bibkat-cli fetches and renews the media borrowed from a BibKat library.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*verbose)
	},
}

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "config.json5", "The config file to read.")
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging.")
	dumpHttp = rootCmd.PersistentFlags().String("dump-http", "", "Write every http exchange with the library into this directory.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(serviceutil.SignalContextFrom(ctx)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	if *dumpHttp != "" {
		cfg.DumpHttpDir = *dumpHttp
	}
	return cfg
}

func openApp() *app.App {
	a, err := app.New(app.Options{
		Config: loadConfig(),
		Tel:    telemetry.SlogAPI{},
	})
	if err != nil {
		serviceutil.Fatal("failed to initialize", err)
	}
	return a
}

// openStore opens the state directory without requiring a library url, account and rule
// management works before the library is configured.
func openStore() (config.Config, *kvstore.Store, *accounts.Store) {
	cfg := loadConfig()
	kv, err := kvstore.Open(cfg.StateDir)
	if err != nil {
		serviceutil.Fatal("failed to open state dir", err)
	}
	return cfg, kv, accounts.NewStore(kv)
}
