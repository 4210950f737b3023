package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"unitrack/internal/app"
	"unitrack/internal/config"
	"unitrack/internal/domain"
	"unitrack/internal/syncer"
)

func deviceCmd() *cobra.Command {
	dev := &cobra.Command{
		Use:   "device",
		Short: "Field device: queue intents offline and sync them to the server",
		Long: `A device keeps its own outbox (.unitrack/device.db). Intents are sent right away when the
outbox is empty and the server is reachable; otherwise they are queued and replayed oldest first.
Rejected intents stay in the outbox until they are discarded.`,
	}
	dev.PersistentFlags().Bool("local", false, "apply against the server database in this workspace instead of device.server_url")
	dev.AddCommand(deviceSubmitCmd())
	dev.AddCommand(deviceSyncCmd())
	dev.AddCommand(devicePendingCmd())
	dev.AddCommand(deviceRejectedCmd())
	dev.AddCommand(deviceDiscardCmd())
	dev.AddCommand(deviceStatsCmd())
	dev.AddCommand(deviceAgentCmd())
	return dev
}

// withDevice opens the device outbox over the configured transport. With
// --local the transport is an in-process authority on the workspace's
// server database.
func withDevice(cmd *cobra.Command, fn func(context.Context, *config.Config, *app.Device) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := newLogger(cfg)

	var transport syncer.Transport
	if local, _ := cmd.Flags().GetBool("local"); local {
		s, err := app.OpenServer(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		transport = syncer.LocalTransport{Authority: s.Authority}
	} else {
		transport = app.HTTPTransport(cfg.Device, logger)
	}

	d, err := app.OpenDevice(cfg, transport, logger)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, cfg, d)
}

func deviceSubmitCmd() *cobra.Command {
	var in intentFlags
	cmd := &cobra.Command{
		Use:   "submit <unit-id>",
		Short: "Create an action intent; sent now if possible, queued otherwise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent := in.intent(args[0])
			return withDevice(cmd, func(ctx context.Context, cfg *config.Config, d *app.Device) error {
				if intent.ActorID == "" {
					intent.ActorID = cfg.Device.ID
				}
				res, err := d.Coordinator.Submit(ctx, intent)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.Queued:
					fmt.Printf("queued %s (seq %d)\n", res.Record.Intent.IdempotencyKey, res.Record.Seq)
				case res.Outcome.Accepted():
					fmt.Printf("%s %s (key %s)\n", res.Outcome, intent.Action, intent.IdempotencyKey)
				default:
					return fmt.Errorf("%s: %s", res.Outcome, res.Reason)
				}
				return nil
			})
		},
	}
	in.bind(cmd)
	return cmd
}

func deviceSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the outbox once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, func(ctx context.Context, _ *config.Config, d *app.Device) error {
				sum, err := d.Coordinator.Drain(ctx)
				if err != nil {
					return err
				}
				rejected, err := drainRejections(ctx, d.Coordinator, sum)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"summary": sum, "rejected": rejected})
				}
				fmt.Printf("confirmed %d, rejected %d", sum.Confirmed, sum.Rejected)
				if sum.Retrying {
					fmt.Printf(", stopped: %s", sum.LastError)
				}
				if sum.Deferred {
					fmt.Print(", next record still backing off")
				}
				fmt.Println()
				for _, r := range rejected {
					fmt.Printf("  rejected %s %s on %s: %s (%s)\n", r.Intent.IdempotencyKey, r.Intent.Action, r.Intent.UnitID, r.RejectionCode, r.LastError)
				}
				return nil
			})
		},
	}
}

func devicePendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued and in-flight intents, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, func(ctx context.Context, _ *config.Config, d *app.Device) error {
				items, err := d.Coordinator.Pending(ctx)
				if err != nil {
					return err
				}
				return printRecords(items, false)
			})
		},
	}
}

func deviceRejectedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rejected",
		Short: "List intents the server refused",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, func(ctx context.Context, _ *config.Config, d *app.Device) error {
				items, err := d.Coordinator.Rejected(ctx)
				if err != nil {
					return err
				}
				return printRecords(items, true)
			})
		},
	}
}

func deviceDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <idempotency-key>",
		Short: "Drop a rejected intent from the outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, func(ctx context.Context, _ *config.Config, d *app.Device) error {
				if err := d.Coordinator.Discard(ctx, args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"discarded": args[0]})
				}
				fmt.Println("discarded", args[0])
				return nil
			})
		},
	}
}

func deviceStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Outbox counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, func(ctx context.Context, _ *config.Config, d *app.Device) error {
				st, err := d.Coordinator.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func deviceAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Keep draining the outbox on device.drain_interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd, func(ctx context.Context, cfg *config.Config, d *app.Device) error {
				logger := newLogger(cfg)
				go func() {
					for {
						var r syncer.Report
						select {
						case <-ctx.Done():
							return
						case r = <-d.Coordinator.Results():
						}
						if !r.Rejected() {
							logger.Debug().Str("idempotency_key", r.IdempotencyKey).Str("event_id", r.EventID).Msg("intent confirmed")
							continue
						}
						logger.Warn().
							Str("idempotency_key", r.IdempotencyKey).
							Str("unit_id", r.UnitID).
							Str("action_kind", string(r.Action)).
							Str("outcome", string(r.Outcome)).
							Str("reason", r.Reason).
							Msg("intent rejected; discard it or resubmit a corrected one")
					}
				}()
				logger.Info().Str("device_id", cfg.Device.ID).Dur("interval", cfg.Device.DrainInterval).Msg("device agent started")
				return d.Coordinator.Run(ctx)
			})
		},
	}
}

// drainRejections loads the outbox records a drain rejected.
func drainRejections(ctx context.Context, c *syncer.Coordinator, sum syncer.DrainSummary) ([]domain.OutboxRecord, error) {
	if len(sum.RejectedKeys) == 0 {
		return nil, nil
	}
	keys := make(map[string]bool, len(sum.RejectedKeys))
	for _, k := range sum.RejectedKeys {
		keys[k] = true
	}
	all, err := c.Rejected(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OutboxRecord, 0, len(keys))
	for _, r := range all {
		if keys[r.Intent.IdempotencyKey] {
			out = append(out, r)
		}
	}
	return out, nil
}

func printRecords(items []domain.OutboxRecord, rejected bool) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	if rejected {
		tw.AppendHeader(table.Row{"Key", "Unit", "Action", "Code", "Reason", "Created"})
		for _, r := range items {
			tw.AppendRow(table.Row{r.Intent.IdempotencyKey, r.Intent.UnitID, r.Intent.Action, r.RejectionCode, r.LastError, r.CreatedAt})
		}
	} else {
		tw.AppendHeader(table.Row{"Seq", "Key", "Unit", "Action", "State", "Attempts", "Next attempt", "Last error"})
		for _, r := range items {
			tw.AppendRow(table.Row{r.Seq, r.Intent.IdempotencyKey, r.Intent.UnitID, r.Intent.Action, r.State, r.AttemptCount, r.NextAttemptAt, r.LastError})
		}
	}
	tw.Render()
	return nil
}
