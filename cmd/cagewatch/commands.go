package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cagewatch/internal/config"
	"cagewatch/internal/domain"
	"cagewatch/internal/engine"
	"cagewatch/internal/quality"
	"cagewatch/internal/repo"
	"cagewatch/internal/server"
)

func cageCmd() *cobra.Command {
	c := &cobra.Command{Use: "cage", Short: "Manage cages"}
	c.AddCommand(cageCreateCmd())
	c.AddCommand(cageListCmd())
	c.AddCommand(cageShowCmd())
	c.AddCommand(cageDeleteCmd())
	return c
}

func cageCreateCmd() *cobra.Command {
	var opts engine.CageCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cage",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "cage id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "cage name")
	cmd.Flags().StringVar(&opts.OwnerID, "owner-id", "", "owner id")
	cmd.Flags().Float64Var(&opts.Location.Latitude, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&opts.Location.Longitude, "lng", 0, "longitude")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("owner-id")
	return cmd
}

func cageListCmd() *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cages, err := e.ListCages(ctx, ownerID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(cages))
				for _, c := range cages {
					last := ""
					if c.LastReadingAt != nil {
						last = *c.LastReadingAt
					}
					rows = append(rows, table.Row{c.ID, c.Name, c.OwnerID, c.Oxygen, c.Nitrogen, c.Phosphorus, c.Temperature, last})
				}
				return printTable(cages, table.Row{"ID", "Name", "Owner", "O2", "N", "P", "Temp", "Last reading"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner filter")
	return cmd
}

func cageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a cage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func cageDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a cage and its alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteCage(ctx, args[0], actorID())
			})
		},
	}
}

func ownerCmd() *cobra.Command {
	c := &cobra.Command{Use: "owner", Short: "Manage cage owners"}
	c.AddCommand(ownerCreateCmd())
	c.AddCommand(ownerListCmd())
	return c
}

func ownerCreateCmd() *cobra.Command {
	var opts engine.OwnerCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cage owner",
		Long:  "Owners receive alerts. At least one of --email or --phone is required.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOwner(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "owner id; use the owner's login subject")
	cmd.Flags().StringVar(&opts.Name, "name", "", "owner name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone number in international format")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func ownerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cage owners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				owners, err := e.ListOwners(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(owners))
				for _, o := range owners {
					rows = append(rows, table.Row{o.ID, o.Name, o.Email, o.Phone})
				}
				return printTable(owners, table.Row{"ID", "Name", "Email", "Phone"}, rows)
			})
		},
	}
}

func evaluateCmd() *cobra.Command {
	var r domain.Reading
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Classify a reading against the thresholds without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := quality.Evaluate(r)
			if viper.GetBool("json") {
				return printJSON(v)
			}
			if !v.Abnormal {
				fmt.Println("normal:", v.Explanation)
				return nil
			}
			rows := make([]table.Row, 0, len(v.Violations))
			for _, vi := range v.Violations {
				rows = append(rows, table.Row{vi.Parameter, vi.Value, vi.Limit})
			}
			fmt.Println("abnormal:", strings.Join(quality.Parameters(v), ", "))
			return printTable(v, table.Row{"Parameter", "Value", "Limit"}, rows)
		},
	}
	cmd.Flags().Float64Var(&r.Nitrogen, "nitrogen", 0, "nitrogen mg/L")
	cmd.Flags().Float64Var(&r.Phosphorus, "phosphorus", 0, "phosphorus mg/L")
	cmd.Flags().Float64Var(&r.Oxygen, "oxygen", 0, "dissolved oxygen mg/L")
	cmd.Flags().Float64Var(&r.Temperature, "temp", 0, "water temperature °C")
	for _, f := range []string{"nitrogen", "phosphorus", "oxygen", "temp"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage device API keys"}
	c.AddCommand(apiKeyCreateCmd())
	c.AddCommand(apiKeyListCmd())
	c.AddCommand(apiKeyDeleteCmd())
	return c
}

func apiKeyCreateCmd() *cobra.Command {
	var device, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for a sensor device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, engine.APIKeyCreateOptions{ActorID: device, Name: name, IssuedBy: actorID()})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, device)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				return printTable(keys, table.Row{"ID", "Device", "Name", "Created"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, args[0], actorID())
			})
		},
	}
}

func alertsCmd() *cobra.Command {
	c := &cobra.Command{Use: "alerts", Short: "Inspect alerts and their deliveries"}
	var cageID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts of a cage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				alerts, err := e.ListAlerts(ctx, cageID, limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(alerts))
				for _, a := range alerts {
					var outcomes []string
					for _, d := range a.Deliveries {
						outcomes = append(outcomes, d.Channel+"="+d.Status)
					}
					rows = append(rows, table.Row{a.ID, a.CreatedAt, fmt.Sprintf("%.6f,%.6f", a.Target.Latitude, a.Target.Longitude), strings.Join(outcomes, " ")})
				}
				return printTable(alerts, table.Row{"ID", "Created", "Target", "Deliveries"}, rows)
			})
		},
	}
	list.Flags().StringVar(&cageID, "cage", "", "cage id")
	list.Flags().IntVar(&limit, "n", 20, "number of alerts")
	_ = list.MarkFlagRequired("cage")
	c.AddCommand(list)
	return c
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(events))
				for _, ev := range events {
					rows = append(rows, table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.ActorID})
				}
				return printTable(events, table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage cagewatch.yml",
		Long:  "Config holds the server address, notification gateways, dispatch limits, relocation zones, MQTT broker and InfluxDB sink.",
	}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default cagewatch.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate cagewatch.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	c := &cobra.Command{Use: "token", Short: "Mint bearer tokens"}
	var subject string
	var roles []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an HS256 JWT signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.SignToken(cfg.Auth.JWTSecret, subject, roles, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "actor id (owner id for owners)")
	issue.Flags().StringSliceVar(&roles, "role", nil, "roles: admin, owner, device")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("subject")
	c.AddCommand(issue)
	return c
}
