package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/faucetdb/keyhub/internal/config"
	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/service"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage login accounts",
		Long:  "Create and list the user and administrator accounts that can log in to keyhub.",
	}

	cmd.AddCommand(newAccountCreateCmd())
	cmd.AddCommand(newAccountListCmd())

	return cmd
}

// ---------- account create ----------

func newAccountCreateCmd() *cobra.Command {
	var (
		kind     string
		login    string
		password string
		name     string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a login account",
		Example: `  keyhub account create --kind admin --login root --role super_admin
  keyhub account create --kind user --login alice --password s3cret-pass`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountCreate(cmd.OutOrStdout(), kind, login, password, name, role)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "user", "Account kind: user or admin")
	cmd.Flags().StringVar(&login, "login", "", "Login ID (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&role, "role", "", "Role (admins default to \"admin\")")
	cmd.MarkFlagRequired("login")

	return cmd
}

func runAccountCreate(out io.Writer, kindFlag, login, password, name, role string) error {
	kind, ok := model.ParsePrincipalKind(kindFlag)
	if !ok {
		return fmt.Errorf("invalid kind %q: want user or admin", kindFlag)
	}
	login = strings.TrimSpace(login)
	if login == "" {
		return fmt.Errorf("login must not be empty")
	}
	if kind == model.KindAdmin && role == "" {
		role = "admin"
	}

	// Prompt for password if not provided
	if password == "" {
		var err error
		if password, err = promptPassword(); err != nil {
			return err
		}
	}

	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	hash, err := service.HashPassword(password)
	if err != nil {
		return err
	}
	acct := &model.Account{
		Kind:         kind,
		LoginID:      login,
		PasswordHash: hash,
		Name:         name,
		Role:         role,
		IsActive:     true,
	}
	if err := store.CreateAccount(context.Background(), acct); err != nil {
		if errors.Is(err, config.ErrDuplicate) {
			return fmt.Errorf("%s account %q already exists", kind, login)
		}
		return err
	}

	fmt.Fprintf(out, "Created %s account %q (id %d)\n", kind, login, acct.ID)
	return nil
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Println()

	if string(pwBytes) != string(confirmBytes) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pwBytes), nil
}

// ---------- account list ----------

func newAccountListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountList(cmd.OutOrStdout(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAccountList(out io.Writer, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	accounts, err := store.ListAccounts(context.Background())
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(out, accounts)
	}

	if len(accounts) == 0 {
		fmt.Fprintln(out, "No accounts. Use 'keyhub account create' to create one.")
		return nil
	}

	fmt.Fprintf(out, "%-6s %-6s %-24s %-24s %-12s %-8s\n", "ID", "KIND", "LOGIN", "NAME", "ROLE", "ACTIVE")
	fmt.Fprintf(out, "%-6s %-6s %-24s %-24s %-12s %-8s\n", "--", "----", "-----", "----", "----", "------")
	for _, a := range accounts {
		active := "yes"
		if !a.IsActive {
			active = "no"
		}
		fmt.Fprintf(out, "%-6d %-6s %-24s %-24s %-12s %-8s\n", a.ID, a.Kind, a.LoginID, a.Name, a.Role, active)
	}

	return nil
}
