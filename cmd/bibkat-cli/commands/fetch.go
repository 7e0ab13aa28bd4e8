package commands

import (
	"errors"
	"fmt"
	"os"

	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/lib/util/serviceutil"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var fetchJson *bool

func init() {
	fetchJson = fetchCmd.Flags().Bool("json", false, "Print the result as json.")
	rootCmd.AddCommand(fetchCmd)
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [--json]",
	Short: "Fetches the borrowed media and reservations of every enabled account.",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.Close()

		result, err := a.FetchAll(cmd.Context())
		if err != nil && !errors.Is(err, cmd.Context().Err()) {
			serviceutil.Fatal("failed to fetch", err)
		}

		if *fetchJson {
			out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(result, "", "  ")
			if err != nil {
				serviceutil.Fatal("failed to encode result", err)
			}
			fmt.Println(string(out))
			return
		}

		renderAccounts(os.Stdout, result)
		renderMedia(os.Stdout, result, chrono.Today(a.Time))
		renderReservations(os.Stdout, result)
	},
}
