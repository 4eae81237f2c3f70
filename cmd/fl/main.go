package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/engine/scope"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline coordinates field verification work.
- Forms: verification templates owned by form admins; only active forms accept batches.
- Leads: subjects uploaded in bulk, routed through a coordinator to a field agent.
- Lifecycle: pending -> assigned -> verified/rejected; resolved leads never change again.
- Directory: top_admin provisions form admins, form admins provision coordinators,
  coordinators provision agents.
- Event log: diary of changes, view with 'fl log tail' or stream from /feed.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting directory actor")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name, orgScope string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace and bootstrap the root admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote default config to %s\n", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Bootstrap(ctx, name, orgScope)
				if err != nil {
					return err
				}
				fmt.Printf("Bootstrapped top_admin %s\n", a.ID)
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "root admin name")
	cmd.Flags().StringVar(&orgScope, "scope", "", "organization scope")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Manage the actor directory"}
	actor.AddCommand(actorCreateCmd())
	actor.AddCommand(actorListCmd())
	actor.AddCommand(actorShowCmd())
	actor.AddCommand(actorKeyCmd())
	actor.AddCommand(actorKeysCmd())
	actor.AddCommand(actorKeyRevokeCmd())
	return actor
}

func actorCreateCmd() *cobra.Command {
	var id, name, role, orgScope, phone, email string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a directory actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				a, err := e.RegisterActor(ctx, p, engine.ActorCreateOptions{
					ID:    id,
					Name:  name,
					Role:  role,
					Scope: orgScope,
					Phone: phone,
					Email: email,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "actor name")
	cmd.Flags().StringVar(&role, "role", "", "role (form_admin, coordinator, agent)")
	cmd.Flags().StringVar(&orgScope, "scope", "", "organization scope")
	cmd.Flags().StringVar(&phone, "phone", "", "phone")
	cmd.Flags().StringVar(&email, "email", "", "email")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directory actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				items, err := e.ListActors(ctx, p, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "ROLE", "SCOPE", "CREATED")
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.Name, a.Role, a.Scope, a.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func actorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <actor_id>",
		Short: "Show an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				a, err := e.GetActor(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actorKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <actor_id>",
		Short: "Mint an API key for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				key, plaintext, err := e.MintAPIKey(ctx, p, args[0], name)
				if err != nil {
					return err
				}
				fmt.Printf("API key for %s (shown once): %s\n", key.ActorID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func actorKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys <actor_id>",
		Short: "List an actor's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				items, err := e.ListAPIKeys(ctx, p, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "CREATED")
				for _, k := range items {
					t.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func actorKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key-revoke <key_id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				if err := e.RevokeAPIKey(ctx, p, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked key %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func formCmd() *cobra.Command {
	form := &cobra.Command{Use: "form", Short: "Manage verification forms"}
	form.AddCommand(formCreateCmd())
	form.AddCommand(formListCmd())
	form.AddCommand(formShowCmd())
	form.AddCommand(formStatusCmd())
	return form
}

func formCreateCmd() *cobra.Command {
	var id, name, initiative, owner, sectionsFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a form (draft)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sections []domain.FormSection
			if sectionsFile != "" {
				data, err := os.ReadFile(sectionsFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &sections); err != nil {
					return fmt.Errorf("invalid sections file: %w", err)
				}
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				f, err := e.CreateForm(ctx, p, engine.FormCreateOptions{
					ID:         id,
					Name:       name,
					Initiative: initiative,
					Sections:   sections,
					OwnerID:    owner,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "form id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "form name")
	cmd.Flags().StringVar(&initiative, "initiative", "", "initiative label")
	cmd.Flags().StringVar(&owner, "owner", "", "owner actor id (top_admin only)")
	cmd.Flags().StringVar(&sectionsFile, "sections", "", "JSON file with form sections")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func formListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				items, err := e.ListForms(ctx, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "INITIATIVE", "OWNER", "STATUS")
				for _, f := range items {
					t.AppendRow(table.Row{f.ID, f.Name, f.Initiative, f.OwnerID, f.Status})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func formShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <form_id>",
		Short: "Show a form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				f, err := e.GetForm(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func formStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <form_id>",
		Short: "Change form status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				f, err := e.SetFormStatus(ctx, p, args[0], status)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&status, "set", "", "new status (draft, active, inactive)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func leadCmd() *cobra.Command {
	lead := &cobra.Command{Use: "lead", Short: "Inspect leads"}
	lead.AddCommand(leadListCmd())
	lead.AddCommand(leadShowCmd())
	lead.AddCommand(leadCountsCmd())
	return lead
}

func leadListCmd() *cobra.Command {
	var formID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				items, err := e.ListLeads(ctx, p, engine.LeadListOptions{
					FormID: formID,
					Status: status,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "PHONE", "CITY", "STATUS", "COORDINATOR", "AGENT")
				for _, l := range items {
					t.AppendRow(table.Row{l.ID, l.Name, l.Phone, l.City, l.Status, strOrDash(l.CoordinatorID), strOrDash(l.AgentID)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&formID, "form", "", "form id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func leadShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <lead_id>",
		Short: "Show a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				l, err := e.GetLead(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func leadCountsCmd() *cobra.Command {
	var formID string
	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Lead counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				counts, err := e.CountLeadsByStatus(ctx, p, formID)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	cmd.Flags().StringVar(&formID, "form", "", "form id filter")
	return cmd
}

func ingestCmd() *cobra.Command {
	var formID, file, coordinatorID string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a lead batch from CSV (all-or-nothing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				res, err := e.IngestBatch(ctx, p, formID, coordinatorID, f)
				if err != nil {
					return err
				}
				fmt.Printf("Ingested %d leads into form %s (batch %s)\n", res.Count, res.FormID, res.BatchID)
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&formID, "form", "", "target form id")
	cmd.Flags().StringVar(&file, "file", "", "CSV file")
	cmd.Flags().StringVar(&coordinatorID, "coordinator", "", "pre-assign coordinator")
	_ = cmd.MarkFlagRequired("form")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func assignCmd() *cobra.Command {
	assign := &cobra.Command{Use: "assign", Short: "Assignment operations"}
	assign.AddCommand(assignAgentCmd())
	assign.AddCommand(assignBulkCmd())
	assign.AddCommand(assignCoordinatorCmd())
	assign.AddCommand(assignCoordinatorBulkCmd())
	return assign
}

func assignAgentCmd() *cobra.Command {
	var leadID, agentID string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Assign a lead to a field agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				l, err := e.AssignAgent(ctx, p, leadID, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&leadID, "lead", "", "lead id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent actor id")
	_ = cmd.MarkFlagRequired("lead")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func assignBulkCmd() *cobra.Command {
	var agentID, file string
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Assign leads from a reference sheet (best-effort)",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				res, err := e.BulkAssignAgents(ctx, p, agentID, f)
				if err != nil {
					return err
				}
				fmt.Printf("Assigned %d leads to %s, skipped %d\n", len(res.Assigned), res.AgentID, len(res.Skipped))
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent actor id")
	cmd.Flags().StringVar(&file, "file", "", "CSV reference sheet with Lead ID column")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func assignCoordinatorCmd() *cobra.Command {
	var leadID, coordinatorID string
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Re-point coordinator ownership for a lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				l, err := e.ReassignCoordinator(ctx, p, leadID, coordinatorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&leadID, "lead", "", "lead id")
	cmd.Flags().StringVar(&coordinatorID, "coordinator", "", "coordinator actor id")
	_ = cmd.MarkFlagRequired("lead")
	_ = cmd.MarkFlagRequired("coordinator")
	return cmd
}

func assignCoordinatorBulkCmd() *cobra.Command {
	var formID, coordinatorID, file string
	cmd := &cobra.Command{
		Use:   "coordinator-bulk",
		Short: "Reassign coordinator by (name, phone) contact sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				res, err := e.BulkReassignCoordinator(ctx, p, formID, coordinatorID, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&formID, "form", "", "target form id")
	cmd.Flags().StringVar(&coordinatorID, "coordinator", "", "coordinator actor id")
	cmd.Flags().StringVar(&file, "file", "", "CSV contact sheet")
	_ = cmd.MarkFlagRequired("form")
	_ = cmd.MarkFlagRequired("coordinator")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func verifyCmd() *cobra.Command {
	var leadID, resultFile, reportRef string
	var identity, details bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Submit a field verification outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result string
			if resultFile != "" {
				data, err := os.ReadFile(resultFile)
				if err != nil {
					return err
				}
				result = string(data)
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				l, err := e.SubmitVerification(ctx, p, leadID, engine.VerificationOptions{
					IdentityConfirmed: identity,
					DetailsConfirmed:  details,
					ResultJSON:        result,
					ReportRef:         reportRef,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&leadID, "lead", "", "lead id")
	cmd.Flags().BoolVar(&identity, "identity-confirmed", false, "subject identity confirmed")
	cmd.Flags().BoolVar(&details, "details-confirmed", false, "subject details confirmed")
	cmd.Flags().StringVar(&resultFile, "result", "", "JSON file with the collected form payload")
	cmd.Flags().StringVar(&reportRef, "report-ref", "", "result artifact reference")
	_ = cmd.MarkFlagRequired("lead")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actorID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for an actor (dev/ops)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("FIELDLINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("FIELDLINE_JWT_SECRET is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actor, err := r.GetActor(ctx, actorID)
				if err != nil {
					return err
				}
				token, err := server.SignToken(secret, actor.ID, actor.Role, actor.Scope, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, formID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p scope.Principal) error {
				events, err := e.ListEvents(ctx, p, n, 0, formID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&formID, "form", "", "form id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if secret := os.Getenv("FIELDLINE_JWT_SECRET"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("jwt secret required: set auth.jwt_secret or FIELDLINE_JWT_SECRET")
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              cfg.Auth.JWTSecret,
					AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				},
				BaseContext: cmd.Context(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fieldline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

// withPrincipal resolves --actor-id against the directory so CLI operations
// run under the same role checks as the API.
func withPrincipal(ctx context.Context, fn func(context.Context, engine.Engine, scope.Principal) error) error {
	actorID := strings.TrimSpace(viper.GetString("actor-id"))
	if actorID == "" {
		return fmt.Errorf("--actor-id required (or FIELDLINE_ACTOR_ID)")
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		actor, err := e.Repo.GetActor(ctx, actorID)
		if err != nil {
			return fmt.Errorf("resolve actor %s: %w", actorID, err)
		}
		return fn(ctx, e, scope.Principal{ActorID: actor.ID, Role: actor.Role, Scope: actor.Scope})
	})
}

func newTable(cols ...string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	row := make(table.Row, 0, len(cols))
	for _, c := range cols {
		row = append(row, c)
	}
	t.AppendHeader(row)
	return t
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

func strOrDash(ptr *string) string {
	if ptr == nil || *ptr == "" {
		return "-"
	}
	return *ptr
}
