package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/runsascoded/eml/internal/account"
	"github.com/runsascoded/eml/internal/archive"
	"github.com/runsascoded/eml/internal/model"
)

func newAccountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage account definitions",
	}
	cmd.AddCommand(newAccountAddCommand(), newAccountListCommand())
	return cmd
}

func newAccountAddCommand() *cobra.Command {
	var (
		host     string
		port     int
		user     string
		credRef  string
		password string
		global   bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update an account definition",
		Long: `Add an account to the archive config, or to the user-global config
with --global. Prefer --credential-ref (a keyring entry, set with
'eml account add --credential-ref NAME' after storing the secret) or
the EML_<NAME>_PASSWORD environment variable over --password, which
stores the secret in plain text.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			acct := model.Account{
				Kind:          "imap",
				Host:          host,
				Port:          port,
				Principal:     user,
				CredentialRef: credRef,
				Password:      password,
			}

			var cfgPath string
			var cfg *archive.Config
			if global {
				cfgPath = archive.GlobalConfigPath()
				loaded, err := archive.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			} else {
				a, err := archive.Open(".")
				if err != nil {
					return err
				}
				cfgPath = a.ConfigPath()
				cfg = a.Config
			}

			cfg.Accounts[name] = acct
			if err := archive.SaveConfig(cfgPath, cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "account %q saved to %s\n", name, cfgPath)
			if credRef == "" && password == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "no credential configured; set %s at run time\n",
					account.CredentialEnvVar(name))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "server hostname")
	cmd.Flags().IntVar(&port, "port", 0, "server port (default 993)")
	cmd.Flags().StringVar(&user, "user", "", "login principal")
	cmd.Flags().StringVar(&credRef, "credential-ref", "", "keyring reference for the password")
	cmd.Flags().StringVar(&password, "password", "", "inline password (plain text, discouraged)")
	cmd.Flags().BoolVar(&global, "global", false, "write to the user-global config")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newAccountListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List resolvable accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := archive.Open(".")
			if err != nil {
				return err
			}

			global, err := archive.LoadGlobalAccounts()
			if err != nil {
				return err
			}

			type row struct {
				name  string
				acct  model.Account
				scope model.AccountScope
			}
			byName := map[string]row{}
			for name, acct := range global {
				byName[name] = row{name, acct, model.ScopeGlobal}
			}
			// Archive-local definitions shadow global ones.
			for name, acct := range a.Config.Accounts {
				byName[name] = row{name, acct, model.ScopeArchive}
			}

			names := make([]string, 0, len(byName))
			for name := range byName {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				r := byName[name]
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s@%s:%d\t(%s)\n",
					name, r.acct.Principal, r.acct.Host, portOrDefault(r.acct.Port), r.scope)
			}
			return nil
		},
	}
}

func portOrDefault(p int) int {
	if p == 0 {
		return 993
	}
	return p
}
