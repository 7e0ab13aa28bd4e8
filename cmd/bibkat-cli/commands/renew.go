package commands

import (
	"fmt"
	"os"

	"bibkat-backend/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var (
	renewAccount    *string
	renewAllAccount *string
)

func init() {
	renewAccount = renewCmd.Flags().String("account", "", "Only renew if the medium belongs to this account id.")
	renewAllAccount = renewAllCmd.Flags().String("account", "", "Only renew the media of this account id.")
	rootCmd.AddCommand(renewCmd)
	rootCmd.AddCommand(renewAllCmd)
}

var renewCmd = &cobra.Command{
	Use:   "renew <media id> [--account <account id>]",
	Short: "Renews a single medium.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.Close()

		_, err := a.FetchAll(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to fetch", err)
		}

		res := a.Orchestrator.RenewMedia(cmd.Context(), args[0], *renewAccount)
		label := res.MediaId
		if res.Title != "" {
			label = res.Title
		}
		fmt.Printf("%s: %s\n", label, res.Message)
		if !res.Success {
			os.Exit(1)
		}
	},
}

var renewAllCmd = &cobra.Command{
	Use:   "renew-all [--account <account id>]",
	Short: "Renews every renewable medium, media that cannot be renewed yet are skipped.",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.Close()

		_, err := a.FetchAll(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to fetch", err)
		}

		res := a.Orchestrator.RenewAll(cmd.Context(), *renewAllAccount)
		for _, message := range res.Messages {
			fmt.Println(message)
		}
		for _, message := range res.Errors {
			fmt.Fprintln(os.Stderr, message)
		}
		fmt.Println(res.Message)
		if !res.Success {
			os.Exit(1)
		}
	},
}
