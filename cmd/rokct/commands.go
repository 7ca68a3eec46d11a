package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/RendaniSinyage/rokct/internal/config"
	"github.com/RendaniSinyage/rokct/internal/controlplane"
	"github.com/RendaniSinyage/rokct/internal/crypto"
	"github.com/RendaniSinyage/rokct/internal/lifecycle"
	"github.com/RendaniSinyage/rokct/internal/store"
	"github.com/RendaniSinyage/rokct/internal/support"
	"github.com/RendaniSinyage/rokct/internal/tenantsite"
)

var reconcilePass string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the lifecycle reconciler once and print its report",
	Long: fmt.Sprintf(`Run every reconciler pass for today, or a single one with --pass.
Passes: %s.`, strings.Join(lifecycle.PassNames(), ", ")),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if reconcilePass != "" {
			res, err := a.lifecycle.RunPass(cmd.Context(), reconcilePass)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Failed > 0 || res.Err != "" {
				return fmt.Errorf("pass %s finished with failures", res.Name)
			}
			return nil
		}

		report, err := a.lifecycle.Run(cmd.Context())
		if err != nil {
			return err
		}
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if report.Failed() {
			return fmt.Errorf("reconcile finished with failures")
		}
		return nil
	},
}

var dropSiteCmd = &cobra.Command{
	Use:   "drop-site <site>",
	Short: "Delete a tenant site now, outside the job queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		site := strings.ToLower(strings.TrimSpace(args[0]))
		if err := a.deprovision.DropTenantSite(cmd.Context(), site); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Site %s dropped\n", site)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store migrations for the configured role and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if cfg.AppRole == config.RoleTenant {
			cm, err := tenantCrypto(cfg)
			if err != nil {
				return err
			}
			st, err := tenantsite.OpenStore(ctx, cfg.StoreDir(), cm)
			if err != nil {
				return err
			}
			defer st.Close()
		} else {
			cm, err := crypto.NewManager(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, cfg.StoreDir(), cm)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.EnsureCatalog(ctx, store.DefaultCatalog(cfg.FreePlanID)); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Store at %s is up to date\n", cfg.StoreDir())
		return nil
	},
}

var genSecretCmd = &cobra.Command{
	Use:   "gen-secret",
	Short: "Print a new random secret for ROKCT_* keys and tenant API secrets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := crypto.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	},
}

var (
	tokenAgent string
	tokenRoles []string
	tokenTTL   time.Duration
)

var genTokenCmd = &cobra.Command{
	Use:   "gen-token",
	Short: "Print a signed bearer token for a support agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tok, err := controlplane.IssueAgentToken(cfg.JWTSigningKey, tokenAgent, tokenRoles, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcilePass, "pass", "", "run only this pass")

	genTokenCmd.Flags().StringVar(&tokenAgent, "agent", "", "agent identity, usually an email address")
	genTokenCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{support.RoleSystemManager}, "role granted to the agent (repeatable)")
	genTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 8*time.Hour, "token lifetime")
	_ = genTokenCmd.MarkFlagRequired("agent")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
