package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/keyring"
)

// credentialsCmd represents the credentials command
var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the source password in the keyring",
	Long: `Stores the source password under service "hanacdc" and account <user>@<host>:<port>.
The password is used whenever the configuration and SAP_HANA_PASSWORD leave it empty.
Without a system keyring an encrypted file is used, keyed by HANACDC_KEYRING_PASSWORD.`,
}

// credentialsSetCmd represents the credentials set command
var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the source password, prompted or read from stdin",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := credentialsAccount()
		if err != nil {
			return err
		}
		password, err := promptPassword(cmd)
		if err != nil {
			return err
		}

		km := newKeyring()
		if err := km.Set(account, password); err != nil {
			return fmt.Errorf("failed to store password: %w", err)
		}
		where := "system keyring"
		if km.UsesFile() {
			where = keyring.GetDefaultKeyringPath()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored password for %s in %s\n", account, where)
		return nil
	},
}

// credentialsDeleteCmd represents the credentials delete command
var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the stored source password",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := credentialsAccount()
		if err != nil {
			return err
		}
		if err := newKeyring().Delete(account); err != nil {
			return fmt.Errorf("failed to delete password: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted password for %s\n", account)
		return nil
	},
}

func credentialsAccount() (string, error) {
	f, err := loadConfig()
	if err != nil {
		return "", err
	}
	if f.User == "" {
		return "", cdc.NewConfigurationError("user", "is required")
	}
	if f.Host == "" {
		return "", cdc.NewConfigurationError("host", "is required")
	}
	return keyring.Account(f.User, f.Host, f.Port), nil
}

// promptPassword reads the password without echo on a terminal, otherwise the first line of stdin.
func promptPassword(cmd *cobra.Command) (string, error) {
	in, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(in.Fd())) {
		return readPassword(cmd.InOrStdin())
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	b, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimSpace(string(b))
	if password == "" {
		return "", usagef("empty password")
	}
	return password, nil
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", usagef("empty password on stdin")
	}
	return password, nil
}
