package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"unitrack/internal/app"
	"unitrack/internal/authority"
	"unitrack/internal/config"
	"unitrack/internal/domain"
	"unitrack/internal/repo"
	"unitrack/internal/workflow"
)

func unitCmd() *cobra.Command {
	u := &cobra.Command{Use: "unit", Short: "Inspect and operate units on the server database"}
	u.AddCommand(unitListCmd())
	u.AddCommand(unitShowCmd())
	u.AddCommand(unitHistoryCmd())
	u.AddCommand(unitCreateCmd())
	u.AddCommand(unitStatsCmd())
	u.AddCommand(unitApplyCmd())
	return u
}

func unitListCmd() *cobra.Command {
	var f repo.UnitFilters
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, _ *config.Config, s *app.Server) error {
				f.Limit = authority.NormalizeLimit(f.Limit)
				items, err := s.Authority.ListUnits(ctx, f, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Location", "Assigned", "Actions"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Unit.ID, it.Unit.Name, it.Unit.Status, it.Unit.Location, it.Unit.AssignedTo, joinActions(it.AvailableActions)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Location, "location", "", "location substring filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max units")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleAdmin), "role used to compute available actions")
	return cmd
}

func unitShowCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "show <unit-id>",
		Short: "Show a unit snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, _ *config.Config, s *app.Server) error {
				snap, err := s.Authority.Snapshot(ctx, args[0], domain.Role(role))
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleAdmin), "role used to compute available actions")
	return cmd
}

func unitHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <unit-id>",
		Short: "Applied entries for a unit, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, _ *config.Config, s *app.Server) error {
				items, err := s.Authority.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Action", "From", "To", "Actor", "Role", "Applied"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.Seq, e.Action, e.StatusBefore, e.StatusAfter, e.ActorID, e.ActorRole, e.AppliedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func unitCreateCmd() *cobra.Command {
	var opts authority.CreateUnitOptions
	var status string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ID == "" {
				return fmt.Errorf("--id required")
			}
			opts.Status = domain.State(status)
			return withServer(cmd, func(ctx context.Context, _ *config.Config, s *app.Server) error {
				u, err := s.Authority.CreateUnit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "unit id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name (defaults to the id)")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default warehouse)")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location")
	cmd.Flags().StringVar(&opts.AssignedTo, "assigned-to", "", "assignee")
	return cmd
}

func unitStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [unit-id]",
		Short: "Applied action counts, for one unit or the whole fleet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, _ *config.Config, s *app.Server) error {
				unitID := ""
				if len(args) == 1 {
					unitID = args[0]
				}
				byAction, err := s.Authority.Stats(ctx, unitID)
				if err != nil {
					return err
				}
				out := map[string]any{"by_action": byAction}
				if unitID == "" {
					byStatus, err := s.Authority.Units.CountUnitsByStatus(ctx)
					if err != nil {
						return err
					}
					out["by_status"] = byStatus
				} else {
					out["unit_id"] = unitID
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func unitApplyCmd() *cobra.Command {
	var in intentFlags
	cmd := &cobra.Command{
		Use:   "apply <unit-id>",
		Short: "Apply an action intent directly against the server database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent := in.intent(args[0])
			return withServer(cmd, func(ctx context.Context, _ *config.Config, s *app.Server) error {
				res, err := s.Authority.Apply(ctx, args[0], intent)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if err := res.Err(); err != nil {
					return err
				}
				fmt.Printf("%s %s: %s -> %s (seq %d, key %s)\n", res.Outcome, res.Entry.Action, res.Entry.StatusBefore, res.Entry.StatusAfter, res.Entry.Seq, res.Entry.IdempotencyKey)
				return nil
			})
		},
	}
	in.bind(cmd)
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect the lifecycle workflow"}
	wf.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show states, transitions and role grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := workflow.Default()
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"states":      w.Table.States(),
					"actions":     w.Table.Actions(),
					"transitions": w.Table.Transitions(),
				})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"From", "Action", "To", "Signature", "Roles"})
			for _, t := range w.Table.Transitions() {
				sig := ""
				if w.Table.RequiresSignature(t.Action) {
					sig = "required"
				}
				var roles []string
				for _, r := range w.Policy.Roles() {
					if w.Policy.Permits(r, t.Action) {
						roles = append(roles, string(r))
					}
				}
				tw.AppendRow(table.Row{t.From, t.Action, t.To, sig, strings.Join(roles, ",")})
			}
			tw.Render()
			return nil
		},
	})
	return wf
}

// intentFlags collects an action intent from the command line.
type intentFlags struct {
	key, action, actorID, role string
	signature, photo, notes    string
	target                     string
	lat, lng                   float64
	geo                        bool
}

func (f *intentFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.key, "key", "", "idempotency key (default: new uuid)")
	cmd.Flags().StringVar(&f.action, "action", "", "action kind")
	cmd.Flags().StringVar(&f.actorID, "actor-id", "", "actor id")
	cmd.Flags().StringVar(&f.role, "role", "", "actor role (over HTTP the bearer token decides)")
	cmd.Flags().StringVar(&f.signature, "signature", "", "signature reference")
	cmd.Flags().StringVar(&f.photo, "photo", "", "photo reference")
	cmd.Flags().StringVar(&f.notes, "notes", "", "free text")
	cmd.Flags().StringVar(&f.target, "target-location", "", "target location")
	cmd.Flags().Float64Var(&f.lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&f.lng, "lng", 0, "longitude")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		f.geo = cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng")
	}
}

func (f *intentFlags) intent(unitID string) domain.ActionIntent {
	key := f.key
	if key == "" {
		key = uuid.NewString()
	}
	intent := domain.ActionIntent{
		IdempotencyKey: key,
		UnitID:         unitID,
		Action:         domain.Action(f.action),
		ActorID:        f.actorID,
		ActorRole:      domain.Role(f.role),
		Signature:      f.signature,
		PhotoRef:       f.photo,
		Notes:          f.notes,
		TargetLocation: f.target,
	}
	if f.geo {
		intent.Geo = &domain.Geo{Lat: f.lat, Lng: f.lng}
	}
	return intent
}

func joinActions(actions []domain.Action) string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, string(a))
	}
	return strings.Join(out, ",")
}
