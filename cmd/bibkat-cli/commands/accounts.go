package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"bibkat-backend/internal/accounts"
	"bibkat-backend/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	addAlias    *string
	addLibrary  *string
	addDisabled *bool
)

func init() {
	addAlias = accountsAddCmd.Flags().String("alias", "", "The display name of the account.")
	addLibrary = accountsAddCmd.Flags().String("library", "", "The library url, defaults to library_url of the config.")
	addDisabled = accountsAddCmd.Flags().Bool("disabled", false, "Add the account without fetching it.")

	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsRemoveCmd, accountsEnableCmd, accountsDisableCmd)
	rootCmd.AddCommand(accountsCmd)
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manages the library accounts.",
}

func renderLibrary(out io.Writer, library accounts.Library) {
	t := newTable(out, library.Url)
	t.AppendHeader(table.Row{"Id", "Username", "Alias", "Enabled"})
	for _, account := range library.Accounts {
		t.AppendRow(table.Row{account.Id(), account.Username, account.Alias, account.Enabled})
	}
	t.Render()
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the configured accounts.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _, store := openStore()
		stored, err := store.Load(cfg.LibraryUrl)
		if err != nil {
			serviceutil.Fatal("failed to load accounts", err)
		}
		renderLibrary(os.Stdout, accounts.Merge(cfg.Library(), stored))
	},
}

// readPassword prompts on a terminal and reads a single line otherwise.
func readPassword(in *os.File, out io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(out, "Password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <username> [--alias <name>] [--library <url>] [--disabled]",
	Short: "Adds an account or replaces the one with the same username, the password is read from stdin.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _, store := openStore()

		password, err := readPassword(os.Stdin, os.Stderr)
		if err != nil {
			serviceutil.Fatal("failed to read password", err)
		}
		if password == "" {
			serviceutil.Fatal("failed to add account", fmt.Errorf("empty password"))
		}

		libraryUrl := cfg.LibraryUrl
		if *addLibrary != "" {
			libraryUrl = *addLibrary
		}
		library, err := store.Update(libraryUrl, func(library *accounts.Library) error {
			if *addLibrary != "" {
				library.Url = strings.TrimRight(*addLibrary, "/") + "/"
			}
			if library.Url == "" {
				return fmt.Errorf("no library url, pass --library")
			}
			library.Add(accounts.Account{
				Username: args[0],
				Password: password,
				Alias:    *addAlias,
				Enabled:  !*addDisabled,
			})
			return nil
		})
		if err != nil {
			serviceutil.Fatal("failed to add account", err)
		}
		renderLibrary(os.Stdout, library)
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Removes an account added with add.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _, store := openStore()
		library, err := store.Remove(cfg.LibraryUrl, args[0])
		if err != nil {
			serviceutil.Fatal("failed to remove account", err)
		}
		renderLibrary(os.Stdout, library)
	},
}

func setEnabled(enabled bool) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		cfg, _, store := openStore()
		_, err := store.Update(cfg.LibraryUrl, func(library *accounts.Library) error {
			account, ok := library.Find(args[0])
			if !ok {
				// accounts from the config file are copied into the store to be toggled
				configured := cfg.Library()
				account, ok = configured.Find(args[0])
			}
			if !ok {
				return fmt.Errorf("%w: %s", accounts.ErrUnknownAccount, args[0])
			}
			account.Enabled = enabled
			library.Add(account)
			return nil
		})
		if err != nil {
			serviceutil.Fatal("failed to update account", err)
		}
		stored, err := store.Load(cfg.LibraryUrl)
		if err != nil {
			serviceutil.Fatal("failed to load accounts", err)
		}
		renderLibrary(os.Stdout, accounts.Merge(cfg.Library(), stored))
	}
}

var accountsEnableCmd = &cobra.Command{
	Use:   "enable <username>",
	Short: "Includes an account in fetch cycles.",
	Args:  cobra.ExactArgs(1),
	Run:   setEnabled(true),
}

var accountsDisableCmd = &cobra.Command{
	Use:   "disable <username>",
	Short: "Excludes an account from fetch cycles.",
	Args:  cobra.ExactArgs(1),
	Run:   setEnabled(false),
}
