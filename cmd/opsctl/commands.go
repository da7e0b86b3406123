package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"odoo-ops-relay/internal/app"
	"odoo-ops-relay/internal/config"
	"odoo-ops-relay/internal/models"
	"odoo-ops-relay/internal/router"
	"odoo-ops-relay/internal/syncengine"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			st, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RunMigrations(cmd.Context()); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"ok": true, "store": cfg.StoreDriver})
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver due webhook jobs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				sum, err := a.Drain.Run(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
}

func syncCmd() *cobra.Command {
	var mode, model string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one Odoo sync pass",
		Long: `Run one pull and/or push pass between Odoo and the mirror.

Examples:
  opsctl sync
  opsctl sync --mode odoo_to_sb --model res.partner`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := syncengine.ParseMode(mode)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app.App) error {
				if err := a.Cfg.RequireSync(); err != nil {
					return err
				}
				res, err := a.Sync.Run(cmd.Context(), m, model)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(syncengine.ModeBoth), "odoo_to_sb, sb_to_odoo or both")
	cmd.Flags().StringVar(&model, "model", syncengine.DefaultModel, "Odoo model to pull")
	return cmd
}

func dispatchCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Record and deliver one Odoo sync request",
		Long: `Record a sync request and POST it to the Odoo sync endpoint.

The body comes from --data, or stdin when --data is "-".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(data)
			if data == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = b
			}
			return withApp(cmd, func(a *app.App) error {
				if err := a.Cfg.RequireDispatcher(); err != nil {
					return err
				}
				res, err := a.Dispatcher.Dispatch(cmd.Context(), body)
				if err != nil {
					return err
				}
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				if !res.OK {
					return fmt.Errorf("dispatch answered %d", res.HTTPStatus)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "{}", `JSON body, or "-" to read stdin`)
	return cmd
}

func heartbeatCmd() *cobra.Command {
	var source, status string
	var list bool
	var limit int
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Record a heartbeat, or list recent ones with --list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			st, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if list {
				items, err := st.RecentHeartbeats(cmd.Context(), source, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"items": items})
			}
			if source == "" {
				return errors.New("--source is required")
			}
			if status != models.HeartbeatOK && status != models.HeartbeatFail {
				return errors.New("--status must be ok or fail")
			}
			hb, err := st.RecordHeartbeat(cmd.Context(), source, status, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"ok": true, "ts": hb.CreatedAt})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "heartbeat source")
	cmd.Flags().StringVar(&status, "status", models.HeartbeatOK, "ok or fail")
	cmd.Flags().BoolVar(&list, "list", false, "list recent heartbeats instead of recording one")
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to list")
	return cmd
}

func routesCmd() *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the route table, or resolve one topic with --topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			routes, err := router.Load(config.Load())
			if err != nil {
				return err
			}
			if topic == "" {
				return printJSON(cmd.OutOrStdout(), routes)
			}
			rt, ok := router.New(routes, router.Options{}).Resolve(topic)
			if !ok {
				return printJSON(cmd.OutOrStdout(), map[string]any{"topic": topic, "routed": false})
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"topic": topic, "routed": true, "route": rt})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic to resolve")
	return cmd
}

func dlqCmd() *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Show the newest dead-lettered outbox items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				if a.DeadLetters == nil {
					return &config.MissingEnvError{Keys: []string{"REDIS_ADDR"}}
				}
				n, err := a.DeadLetters.Len(cmd.Context())
				if err != nil {
					return err
				}
				items, err := a.DeadLetters.Peek(cmd.Context(), count)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"length": n, "items": items})
			})
		},
	}
	cmd.Flags().Int64Var(&count, "count", 20, "entries to show")
	return cmd
}
