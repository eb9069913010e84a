package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"cagewatch/internal/app"
	"cagewatch/internal/config"
	"cagewatch/internal/engine"
	"cagewatch/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cagewatch",
	Short: "Cagewatch CLI",
	Long: `Cagewatch monitors water quality in fish cages.
- Readings: sensors post nitrogen, phosphorus, oxygen and temperature for a cage.
- Verdict: a reading is abnormal when oxygen < 5 mg/L, nitrogen > 0.1 mg/L, phosphorus > 0.1 mg/L or temperature is outside 24-37 °C.
- Alerts: abnormal readings notify the cage owner by SMS and email and return a relocation target to the sensor.
- Workspace: directory holding cagewatch.yml and the cagewatch.db database.
- Event log: every change is recorded, view it with 'cagewatch log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CAGEWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier recorded on events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(cageCmd())
	rootCmd.AddCommand(ownerCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server, alert dispatcher and MQTT ingestion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") || cfg.Server.Addr == "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") || cfg.Server.BasePath == "" {
				cfg.Server.BasePath = basePath
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("CAGEWATCH_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}
			log, err := app.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, log)
			if err != nil {
				return err
			}
			rt.Start(nil, nil)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := rt.Close(shutdownCtx); err != nil {
					log.Warn("shutdown", zap.Error(err))
				}
			}()
			if err := rt.StartMQTT(ctx); err != nil {
				return err
			}

			handler, err := server.New(server.Config{
				Engine:      rt.Engine,
				BasePath:    cfg.Server.BasePath,
				Auth:        server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, DevLogin: devLogin},
				CORSOrigins: cfg.Server.CORSOrigins,
				Metrics:     rt.Metrics,
				Logger:      log.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving cagewatch API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local testing only)")
	return cmd
}

// --- helpers ---

// loadConfig reads cagewatch.yml from the workspace (defaults when absent)
// and applies CAGEWATCH_* environment overrides for secrets.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"jwt_secret":      &cfg.Auth.JWTSecret,
		"sms_api_key":     &cfg.SMS.APIKey,
		"email_password":  &cfg.Email.Password,
		"mqtt_password":   &cfg.MQTT.Password,
		"influx_token":    &cfg.Influx.Token,
		"server_addr":     &cfg.Server.Addr,
		"log_level":       &cfg.Log.Level,
		"mqtt_broker":     &cfg.MQTT.Broker,
		"sms_username":    &cfg.SMS.Username,
		"email_host":      &cfg.Email.Host,
		"email_from":      &cfg.Email.From,
		"influx_url":      &cfg.Influx.URL,
		"server_basepath": &cfg.Server.BasePath,
	}
	for key, dst := range overrides {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, nil)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	return fn(ctx, rt.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json is set, in which case v is printed.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}
