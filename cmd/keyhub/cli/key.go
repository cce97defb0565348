package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/service"
)

func newKeyCmd() *cobra.Command {
	var asAdmin string

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage OpenAPI auth keys",
		Long: `Create, moderate and revoke auth keys as an administrator.

Changes are recorded in the audit trail under the admin named by --as, or
under the system actor (ID 0) when --as is omitted.`,
	}

	cmd.PersistentFlags().StringVar(&asAdmin, "as", "", "Admin login to record as the actor")

	cmd.AddCommand(newKeyCreateCmd(&asAdmin))
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyStatsCmd())
	cmd.AddCommand(newKeyApproveCmd(&asAdmin))
	cmd.AddCommand(newKeyRejectCmd(&asAdmin))
	cmd.AddCommand(newKeyExtendCmd(&asAdmin))
	cmd.AddCommand(newKeyRevokeCmd(&asAdmin))

	return cmd
}

// withKeys opens the store, resolves the actor and runs fn.
func withKeys(asAdmin string, fn func(ctx context.Context, t *keyTools, actor service.Actor) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	t, err := openKeyTools(cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	ctx := context.Background()
	actor, err := t.cliActor(ctx, asAdmin)
	if err != nil {
		return err
	}
	return fn(ctx, t, actor)
}

func parseKeyID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid key ID %q", s)
	}
	return id, nil
}

func parseWindow(from, until string) (*time.Time, *time.Time, error) {
	f, err := model.ParseDate(from, false)
	if err != nil {
		return nil, nil, fmt.Errorf("--from %v", err)
	}
	u, err := model.ParseDate(until, true)
	if err != nil {
		return nil, nil, fmt.Errorf("--until %v", err)
	}
	return f, u, nil
}

func printKey(out io.Writer, k *model.AuthKey) {
	now := time.Now()
	fmt.Fprintf(out, "Key %d\n", k.ID)
	fmt.Fprintf(out, "  owner:     %d\n", k.OwnerID)
	fmt.Fprintf(out, "  name:      %s\n", k.Name)
	fmt.Fprintf(out, "  status:    %s (%s)\n", model.StatusAt(k, now), model.LifecycleOf(k, now))
	fmt.Fprintf(out, "  window:    %s .. %s\n", formatDate(k.ValidFrom), formatDate(k.ValidUntil))
	fmt.Fprintf(out, "  secret:    %s\n", k.Secret)
}

// ---------- key create ----------

func newKeyCreateCmd(asAdmin *string) *cobra.Command {
	var (
		owner   int64
		name    string
		purpose string
		from    string
		until   string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an auth key for a user",
		Example: `  keyhub key create --owner 7 --name ci --until 2025-12-31
  keyhub key create --owner 7 --name partner   # no window: admin-only unlimited key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			validFrom, validUntil, err := parseWindow(from, until)
			if err != nil {
				return err
			}
			return withKeys(*asAdmin, func(ctx context.Context, t *keyTools, actor service.Actor) error {
				k, err := t.keys.Create(ctx, service.CreateKeyInput{
					OwnerID:    owner,
					Name:       name,
					Purpose:    purpose,
					ValidFrom:  validFrom,
					ValidUntil: validUntil,
				}, actor)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), k)
				}
				printKey(cmd.OutOrStdout(), k)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&owner, "owner", 0, "Owning user account ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "Key name")
	cmd.Flags().StringVar(&purpose, "purpose", "", "What the key is used for")
	cmd.Flags().StringVar(&from, "from", "", "Valid from (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&until, "until", "", "Valid until (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner   int64
		all     bool
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List auth keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys("", func(ctx context.Context, t *keyTools, actor service.Actor) error {
				var ownerID *int64
				if owner > 0 {
					ownerID = &owner
				}
				keys, err := t.keys.ListByOwner(ctx, ownerID, all, actor)
				if err != nil {
					return err
				}
				return printKeyList(cmd.OutOrStdout(), keys, jsonOut)
			})
		},
	}

	cmd.Flags().Int64Var(&owner, "owner", 0, "Only keys of this owner")
	cmd.Flags().BoolVar(&all, "all", false, "Include pending, expired and rejected keys")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	return cmd
}

func printKeyList(out io.Writer, keys []model.AuthKey, jsonOut bool) error {
	if jsonOut {
		return printJSON(out, keys)
	}

	if len(keys) == 0 {
		fmt.Fprintln(out, "No auth keys found.")
		return nil
	}

	now := time.Now()
	fmt.Fprintf(out, "%-6s %-6s %-24s %-9s %-11s %-11s\n", "ID", "OWNER", "NAME", "STATUS", "FROM", "UNTIL")
	fmt.Fprintf(out, "%-6s %-6s %-24s %-9s %-11s %-11s\n", "--", "-----", "----", "------", "----", "-----")
	for i := range keys {
		k := &keys[i]
		fmt.Fprintf(out, "%-6d %-6d %-24s %-9s %-11s %-11s\n",
			k.ID, k.OwnerID, k.Name, model.StatusAt(k, now), formatDate(k.ValidFrom), formatDate(k.ValidUntil))
	}
	return nil
}

// ---------- key stats ----------

func newKeyStatsCmd() *cobra.Command {
	var (
		owner   int64
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count auth keys by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys("", func(ctx context.Context, t *keyTools, actor service.Actor) error {
				var ownerID *int64
				if owner > 0 {
					ownerID = &owner
				}
				counts, err := t.keys.CountByState(ctx, ownerID, actor)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), counts)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "TOTAL    %d\n", counts.Total)
				fmt.Fprintf(out, "ACTIVE   %d\n", counts.Active)
				fmt.Fprintf(out, "PENDING  %d\n", counts.Pending)
				fmt.Fprintf(out, "EXPIRED  %d\n", counts.Expired)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&owner, "owner", 0, "Only keys of this owner")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	return cmd
}

// ---------- key approve / reject / extend / revoke ----------

func newKeyApproveCmd(asAdmin *string) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <key-id>",
		Short: "Approve a pending auth key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withKeys(*asAdmin, func(ctx context.Context, t *keyTools, actor service.Actor) error {
				k, err := t.keys.Approve(ctx, id, actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approved key %d (%s)\n", k.ID, model.StatusAt(k, time.Now()))
				return nil
			})
		},
	}
}

func newKeyRejectCmd(asAdmin *string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <key-id>",
		Short: "Reject an auth key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withKeys(*asAdmin, func(ctx context.Context, t *keyTools, actor service.Actor) error {
				k, err := t.keys.Reject(ctx, id, reason, actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rejected key %d\n", k.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason shown to the owner")

	return cmd
}

func newKeyExtendCmd(asAdmin *string) *cobra.Command {
	var from, until string

	cmd := &cobra.Command{
		Use:   "extend <key-id>",
		Short: "Replace an auth key's validity window",
		Example: `  keyhub key extend 12 --until 2026-06-30
  keyhub key extend 12 --from 2026-01-01 --until 2026-12-31`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			validFrom, validUntil, err := parseWindow(from, until)
			if err != nil {
				return err
			}
			return withKeys(*asAdmin, func(ctx context.Context, t *keyTools, actor service.Actor) error {
				k, err := t.keys.Extend(ctx, id, service.ExtendInput{ValidFrom: validFrom, ValidUntil: validUntil}, actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Key %d now valid %s .. %s\n", k.ID, formatDate(k.ValidFrom), formatDate(k.ValidUntil))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "New start (YYYY-MM-DD or RFC 3339; default keeps the current one)")
	cmd.Flags().StringVar(&until, "until", "", "New end (YYYY-MM-DD or RFC 3339)")
	cmd.MarkFlagRequired("until")

	return cmd
}

func newKeyRevokeCmd(asAdmin *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an auth key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withKeys(*asAdmin, func(ctx context.Context, t *keyTools, actor service.Actor) error {
				if err := t.keys.Revoke(ctx, id, actor); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %d\n", id)
				return nil
			})
		},
	}
}
