package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/service"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	cmd.AddCommand(newAuditListCmd())

	return cmd
}

func newAuditListCmd() *cobra.Command {
	var (
		actorKind string
		actorID   int64
		eventType string
		result    string
		keyID     int64
		from      string
		to        string
		limit     int
		offset    int
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List audit events, newest first",
		Example: `  keyhub audit list --type LOGIN --result FAILURE
  keyhub audit list --key 12 --from 2025-01-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := model.AuditFilter{
				EventType: model.EventType(strings.ToUpper(eventType)),
				Result:    model.EventResult(strings.ToUpper(result)),
			}
			if actorKind != "" {
				k, ok := model.ParsePrincipalKind(actorKind)
				if !ok {
					return fmt.Errorf("invalid --actor-kind %q", actorKind)
				}
				f.ActorKind = k
			}
			if f.EventType != "" && !f.EventType.Valid() {
				return fmt.Errorf("invalid --type %q", eventType)
			}
			if actorID > 0 {
				f.ActorID = &actorID
			}
			if keyID > 0 {
				f.TargetKeyID = &keyID
			}
			var err error
			if f.From, err = model.ParseDate(from, false); err != nil {
				return fmt.Errorf("--from %v", err)
			}
			if f.To, err = model.ParseDate(to, true); err != nil {
				return fmt.Errorf("--to %v", err)
			}

			return withKeys("", func(ctx context.Context, t *keyTools, _ service.Actor) error {
				events, total, err := t.audit.Query(ctx, f, model.Page{Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), model.ListResponse{
						Resource: events,
						Meta:     &model.ResponseMeta{Count: len(events), Total: &total, Limit: limit, Offset: offset},
					})
				}
				printAudit(cmd.OutOrStdout(), events, total)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&actorKind, "actor-kind", "", "user or admin")
	cmd.Flags().Int64Var(&actorID, "actor", 0, "Actor account ID")
	cmd.Flags().StringVar(&eventType, "type", "", "Event type, e.g. LOGIN or KEY_REVOKE")
	cmd.Flags().StringVar(&result, "result", "", "SUCCESS or FAILURE")
	cmd.Flags().Int64Var(&keyID, "key", 0, "Target key ID")
	cmd.Flags().StringVar(&from, "from", "", "Start (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "End (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Events to skip")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	return cmd
}

func printAudit(out io.Writer, events []model.AuditEvent, total int64) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No audit events found.")
		return
	}

	fmt.Fprintf(out, "%-20s %-12s %-8s %-7s %-6s %s\n", "TIME", "EVENT", "RESULT", "ACTOR", "KEY", "DETAIL")
	for _, e := range events {
		key := "-"
		if e.TargetKeyID != nil {
			key = fmt.Sprint(*e.TargetKeyID)
		}
		detail := ""
		if e.Detail != nil {
			detail = *e.Detail
		}
		fmt.Fprintf(out, "%-20s %-12s %-8s %-7s %-6s %s\n",
			e.OccurredAt.UTC().Format("2006-01-02 15:04:05"), e.EventType, e.Result,
			fmt.Sprintf("%s:%d", string(e.ActorKind), e.ActorID), key, detail)
	}
	fmt.Fprintf(out, "\n%d of %d events\n", len(events), total)
}
