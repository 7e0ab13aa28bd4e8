package commands

import (
	"fmt"
	"os"
	"strconv"

	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/config"
	"bibkat-backend/internal/rules"
	"bibkat-backend/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var rulesLibrary *string

func init() {
	rulesLibrary = rulesCmd.PersistentFlags().String("library", "", "The library url, defaults to library_url of the config.")
	rulesCmd.AddCommand(rulesListCmd, rulesSetCmd, rulesDeleteCmd)
	rootCmd.AddCommand(rulesCmd)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Shows and edits the learned renewal rules.",
}

func openLearner() (config.Config, *rules.Learner) {
	cfg, kv, _ := openStore()
	return cfg, rules.NewLearner(kv, chrono.StandardTime{}, telemetry.SlogAPI{})
}

func ruleLibrary(cfg config.Config) string {
	libraryUrl := cfg.LibraryUrl
	if *rulesLibrary != "" {
		libraryUrl = *rulesLibrary
	}
	if libraryUrl == "" {
		serviceutil.Fatal("no library", fmt.Errorf("pass --library or set library_url"))
	}
	return libraryUrl
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the learned rules.",
	Run: func(cmd *cobra.Command, args []string) {
		_, learner := openLearner()
		renderRules(os.Stdout, learner.All(), learner.IsStale)
	},
}

var rulesSetCmd = &cobra.Command{
	Use:   "set <days before due date> [--library <url>]",
	Short: "Sets how many days before the due date renewal opens.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, learner := openLearner()
		offset, err := strconv.Atoi(args[0])
		if err != nil {
			serviceutil.Fatal("invalid offset", err)
		}
		err = learner.Update(ruleLibrary(cfg), offset)
		if err != nil {
			serviceutil.Fatal("failed to set rule", err)
		}
		renderRules(os.Stdout, learner.All(), learner.IsStale)
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete [--library <url>]",
	Short: "Forgets the rule of a library, it is learned again on the next fetch.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, learner := openLearner()
		err := learner.Delete(ruleLibrary(cfg))
		if err != nil {
			serviceutil.Fatal("failed to delete rule", err)
		}
		renderRules(os.Stdout, learner.All(), learner.IsStale)
	},
}
