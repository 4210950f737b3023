package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"unitrack/internal/app"
	"unitrack/internal/config"
	"unitrack/internal/domain"
	"unitrack/internal/migrate"
	"unitrack/internal/server"
	"unitrack/internal/workflow"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authority HTTP API (and the ledger feed when enabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if cfg.Server.JWTSecret == "" && !cfg.Server.AllowLegacyHeaders {
				return fmt.Errorf("server.jwt_secret (UNITRACK_SERVER_JWT_SECRET) is required for bearer auth")
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			s, err := app.OpenServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			handler, err := server.New(server.Config{
				Authority: s.Authority,
				BasePath:  cfg.Server.BasePath,
				Logger:    logger.With().Str("component", "http").Logger(),
				Auth: server.AuthConfig{
					JWTSecret:          cfg.Server.JWTSecret,
					AllowLegacyHeaders: cfg.Server.AllowLegacyHeaders,
					DevLogin:           cfg.Server.DevLogin,
					Logger:             logger.With().Str("component", "auth").Logger(),
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				logger.Info().
					Str("addr", cfg.Server.Addr).
					Str("base_path", cfg.Server.BasePath).
					Bool("feed", s.Feed != nil).
					Msg("serving unitrack API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if s.Feed != nil {
				g.Go(func() error { return s.Feed.Run(gctx) })
			}
			fmt.Printf("Serving unitrack API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply server database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, _ *config.Config, s *app.Server) error {
				v, err := migrate.Version(s.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v})
				}
				fmt.Printf("server schema at version %d\n", v)
				return nil
			})
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Register demo units, one per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, _ *config.Config, s *app.Server) error {
				created, err := app.SeedDemo(ctx, s.Authority)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Printf("seeded %d units\n", len(created))
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Manage bearer tokens"}
	var actorID, role string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a bearer token with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if actorID == "" || role == "" {
				return fmt.Errorf("--actor-id and --role are required")
			}
			if !workflow.Default().Policy.IsRole(domain.Role(role)) {
				return fmt.Errorf("unknown role %s", role)
			}
			token, err := server.MintToken(cfg.Server.JWTSecret, actorID, domain.Role(role), ttl)
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
	mint.Flags().StringVar(&actorID, "actor-id", "", "token subject")
	mint.Flags().StringVar(&role, "role", "", "role claim")
	mint.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	tok.AddCommand(mint)
	return tok
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration layers the built-in defaults, unitrack.yml and UNITRACK_* environment variables (e.g. UNITRACK_SERVER_JWT_SECRET).",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default unitrack.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, config.Template(), 0o644); err != nil {
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
		Short: "Show the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "***"
			}
			if cfg.Device.Token != "" {
				cfg.Device.Token = "***"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig(cmd)
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
