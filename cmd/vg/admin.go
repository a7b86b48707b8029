package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"venturegate/internal/config"
	"venturegate/internal/db"
	"venturegate/internal/domain"
	"venturegate/internal/engine"
	"venturegate/internal/migrate"
	"venturegate/internal/policy"
	"venturegate/internal/repo"
	"venturegate/internal/server"
)

func initCmd() *cobra.Command {
	var serviceID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write default config and gate policy, then create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			files := map[string]string{
				config.Path(workspace):                      config.GenerateDefault(serviceID),
				filepath.Join(workspace, "gate-policy.yml"): policy.DefaultYAML(),
			}
			for path, content := range files {
				if _, err := os.Stat(path); err == nil && !force {
					fmt.Printf("kept %s (use --force to overwrite)\n", path)
					continue
				}
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", path)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				applied, err := migrate.Status(ctx, r.DB)
				if err != nil {
					return err
				}
				if len(applied) > 0 {
					fmt.Printf("database at schema version %d (%s)\n", applied[len(applied)-1].Version, db.Path(workspace))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serviceID, "service-id", "venturegate", "service id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Gate policy management",
		Long:  "Gate policies are versioned; every gate attempt records the version it was evaluated against.",
	}
	cmd.AddCommand(policyImportCmd())
	cmd.AddCommand(policyShowCmd())
	cmd.AddCommand(policyListCmd())
	cmd.AddCommand(policyValidateCmd())
	return cmd
}

func policyImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a policy document as the active version",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := policy.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, created, err := e.ImportPolicy(ctx, doc, "cli:"+file, principal())
				if err != nil {
					return err
				}
				if !created && !viper.GetBool("json") {
					fmt.Printf("policy unchanged at version %d\n", p.Version)
					return nil
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML or JSON policy")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func policyShowCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active policy or a stored version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var p policy.Policy
				var err error
				if version > 0 {
					p, err = e.Repo.GetPolicy(ctx, version)
				} else {
					p, err = e.ActivePolicy(ctx)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "policy version")
	return cmd
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored policy versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPolicies(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.Version, shortHash(p.Hash), p.Source, p.CreatedAt})
				}
				return printRows(items, table.Row{"Version", "Hash", "Source", "Created"}, rows)
			})
		},
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func policyValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a policy document without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := policy.FromFile(file)
			if err != nil {
				return err
			}
			fmt.Printf("policy ok (hash %s)\n", doc.Hash())
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML or JSON policy")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func credentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage API keys",
		Long:  "Engine keys authenticate webhook deliveries; operator keys authenticate the REST API via X-Api-Key.",
	}
	cmd.AddCommand(credentialCreateCmd())
	cmd.AddCommand(credentialListCmd())
	cmd.AddCommand(credentialDeleteCmd())
	return cmd
}

func credentialCreateCmd() *cobra.Command {
	var kind, actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a key; it is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			if kind == domain.CredentialEngine {
				actor = domain.SystemActor
			}
			key, err := newAPIKey()
			if err != nil {
				return err
			}
			c := domain.Credential{
				ID:        uuid.NewString(),
				Kind:      kind,
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(key),
				CreatedAt: repo.FormatTime(time.Now()),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertCredential(ctx, nil, c); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"credential": c, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", domain.CredentialOperator, "engine or operator")
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key acts as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "vg_" + hex.EncodeToString(buf), nil
}

func credentialListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCredentials(ctx, kind)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					rows = append(rows, table.Row{c.ID, c.Kind, c.ActorID, c.Name, c.CreatedAt})
				}
				return printRows(items, table.Row{"ID", "Kind", "Actor", "Name", "Created"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	return cmd
}

func credentialDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <credential-id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteCredential(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Operator bearer tokens",
	}
	cmd.AddCommand(tokenMintCmd())
	return cmd
}

func tokenMintCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Sign a JWT for an operator",
		Long:  "Roles in the token are added to the actor's stored grants. Requires VENTUREGATE_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			now := time.Now()
			tok, err := server.MintToken(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, actor, roles, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				ID:        uuid.NewString(),
			})
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
		Long:  "Grants are written straight to the local database; run these on the host that owns the workspace.",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacListCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p := principal()
				roles, err := e.Auth.ActorRoles(ctx, nil, p)
				if err != nil {
					return err
				}
				perms, err := e.Auth.ActorPermissions(ctx, nil, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": p.ActorID, "roles": roles, "permissions": perms})
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, ok := cfg.RBAC.Roles[role]; !ok {
				return fmt.Errorf("unknown role %q; roles are defined under rbac.roles", role)
			}
			if strings.EqualFold(target, domain.SystemActor) {
				return errors.New("the system actor cannot hold roles")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := repo.FormatTime(time.Now())
				return r.Tx(ctx, func(tx *sql.Tx) error {
					return r.GrantRole(ctx, tx, target, role, now)
				})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeRole(ctx, nil, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List role grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				grants, err := r.ListGrants(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(grants))
				for _, g := range grants {
					rows = append(rows, table.Row{g.ActorID, g.Role, g.GrantedAt})
				}
				return printRows(grants, table.Row{"Actor", "Role", "Granted"}, rows)
			})
		},
	}
}
