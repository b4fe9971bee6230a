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
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ideafactory/internal/app"
	"ideafactory/internal/config"
	"ideafactory/internal/db"
	"ideafactory/internal/domain"
	"ideafactory/internal/engine"
	"ideafactory/internal/engine/auth"
	"ideafactory/internal/logging"
	"ideafactory/internal/migrate"
	"ideafactory/internal/repo"
	"ideafactory/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ifx",
	Short: "Idea factory CLI",
	Long: `ifx moves ideas through an AI-assisted pipeline with two human review gates.
- Submit an idea (new, or an enhancement/completion of an existing project).
- The pipeline analyses the project (existing modes), enriches and evaluates the idea, then stops at gate 1.
- A reviewer approves, refines, rejects or defers. Approval scaffolds a blueprint and stops at gate 2.
- Approval at gate 2 builds the project and stores a downloadable archive.
Every state change is recorded in the transition log (ifx log <idea-id>).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("IFX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/factory.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "user identifier recorded on submissions and reviews")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level for CLI commands")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ideaCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(vetCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigPath: viper.GetString("config"),
			})
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.Config.Server.Addr = addr
			}
			if basePath != "" {
				a.Config.Server.BasePath = basePath
			}

			if after := a.Config.Pipeline.RecoverAfter; after > 0 {
				n, err := a.Engine.RecoverInterrupted(ctx, after)
				if err != nil {
					return fmt.Errorf("recover interrupted ideas: %w", err)
				}
				if n > 0 {
					a.Logger.Info("recovered interrupted ideas", zap.Int("count", n))
				}
			}

			runs := &sync.WaitGroup{}
			handler, err := a.Handler(runs)
			if err != nil {
				return err
			}
			go a.Webhooks().Run(ctx)

			srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving idea factory API",
				zap.String("addr", a.Config.Server.Addr),
				zap.String("base_path", a.Config.Server.BasePath))
			fmt.Printf("Serving Idea Factory API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", a.Config.Server.Addr, a.Config.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			runs.Wait()
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
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			current, latest, err := migrate.Status(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]int{"current": current, "latest": latest})
			}
			fmt.Printf("schema at version %d (latest %d)\n", current, latest)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect factory.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default factory.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func ideaCmd() *cobra.Command {
	idea := &cobra.Command{Use: "idea", Short: "Submit and inspect ideas"}
	idea.AddCommand(ideaSubmitCmd())
	idea.AddCommand(ideaListCmd())
	idea.AddCommand(ideaShowCmd())
	idea.AddCommand(ideaQuotaCmd())
	return idea
}

func ideaSubmitCmd() *cobra.Command {
	var title, content, mode, sourceType, location, branch, subdir string
	var tags, stack []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new idea",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in := engine.SubmitIdeaInput{
					Title:              title,
					Content:            content,
					Tags:               tags,
					Mode:               domain.Mode(mode),
					PreferredTechStack: stack,
					SubmittedBy:        viper.GetString("actor-id"),
				}
				if location != "" {
					in.ProjectSource = &domain.ProjectSource{
						SourceType:   domain.SourceType(sourceType),
						Location:     location,
						Branch:       branch,
						Subdirectory: subdir,
					}
				}
				idea, err := a.Engine.SubmitIdea(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(idea)
				}
				fmt.Printf("Submitted %s (%s)\n", idea.ID, idea.Mode)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "idea title")
	cmd.Flags().StringVar(&content, "content", "", "idea description")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeNew), "new, existing_complete or existing_enhance")
	cmd.Flags().StringVar(&sourceType, "source-type", string(domain.SourceLocalPath), "local_path or git_url")
	cmd.Flags().StringVar(&location, "source", "", "project path or git URL for existing modes")
	cmd.Flags().StringVar(&branch, "branch", "", "git branch")
	cmd.Flags().StringVar(&subdir, "subdir", "", "subdirectory of the project to analyse")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&stack, "stack", nil, "preferred technology (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func ideaListCmd() *cobra.Command {
	var stage, status string
	var mine bool
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ideas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.IdeaFilter{Stage: domain.Stage(stage), Status: domain.Status(status), Limit: limit, Offset: offset}
				if mine {
					f.SubmittedBy = viper.GetString("actor-id")
				}
				items, err := a.Repo.ListIdeas(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Mode", "Stage", "Status", "Updated"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, truncate(i.Title, 40), i.Mode, i.CurrentStage, i.CurrentStatus, i.UpdatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&mine, "mine", false, "only ideas submitted by --actor-id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func ideaShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <idea-id>",
		Short: "Show an idea and its stage results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				idea, err := a.Repo.GetIdea(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"idea": idea}
				if v, err := a.Repo.GetProjectAnalysis(ctx, idea.ID); err == nil {
					out["project_analysis"] = v
				}
				if v, err := a.Repo.GetEnrichment(ctx, idea.ID); err == nil {
					out["enrichment"] = v
				}
				if v, err := a.Repo.GetEvaluation(ctx, idea.ID); err == nil {
					out["evaluation"] = v
				}
				if v, err := a.Repo.GetScaffolding(ctx, idea.ID); err == nil {
					out["scaffolding"] = v
				}
				if v, err := a.Repo.GetBuild(ctx, idea.ID); err == nil {
					out["build"] = v
				}
				return printJSON(out)
			})
		},
	}
}

func ideaQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show the daily submission quota of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Engine.Quota(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(q)
				}
				if q.Limit == 0 {
					fmt.Printf("%d idea(s) in the last 24h, no limit\n", q.Used)
					return nil
				}
				fmt.Printf("%d of %d idea(s) used, %d remaining\n", q.Used, q.Limit, q.Remaining)
				if q.ResetAt != nil {
					fmt.Printf("Next slot frees at %s\n", *q.ResetAt)
				}
				return nil
			})
		},
	}
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{Use: "pipeline", Short: "Drive the pipeline of an idea"}
	actions := []struct {
		use, short string
		run        func(engine.Engine) func(context.Context, string) (engine.PipelineResult, error)
	}{
		{"start", "Start the pipeline of a submitted idea", func(e engine.Engine) func(context.Context, string) (engine.PipelineResult, error) { return e.StartPipeline }},
		{"continue", "Advance the pipeline by one step", func(e engine.Engine) func(context.Context, string) (engine.PipelineResult, error) { return e.ContinuePipeline }},
		{"run", "Start a submitted idea and run until a review gate, a failure or the end", func(e engine.Engine) func(context.Context, string) (engine.PipelineResult, error) { return e.RunFullPipeline }},
	}
	for _, action := range actions {
		action := action
		p.AddCommand(&cobra.Command{
			Use:   action.use + " <idea-id>",
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					res, err := action.run(a.Engine)(ctx, args[0])
					if err != nil {
						return err
					}
					return printResult(res)
				})
			},
		})
	}
	p.AddCommand(&cobra.Command{
		Use:   "status <idea-id>",
		Short: "Show the pipeline status and next action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Idea: %s (%s)\n", st.Idea.Title, st.Idea.ID)
				fmt.Printf("State: %s / %s\n", st.Idea.CurrentStage, st.Idea.CurrentStatus)
				if st.Gate > 0 {
					fmt.Printf("Review gate: %d\n", st.Gate)
				}
				if st.NextAction != "" {
					fmt.Printf("Next: %s", st.NextAction)
					if st.NextStage != "" {
						fmt.Printf(" -> %s", st.NextStage)
					}
					fmt.Println()
				}
				fmt.Printf("Transitions: %d, reviews: %d\n", len(st.Transitions), len(st.Reviews))
				return nil
			})
		},
	})
	var olderThan time.Duration
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Mark ideas stuck in processing as failed so they can be retried",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if olderThan <= 0 {
					olderThan = a.Config.Pipeline.RecoverAfter
				}
				n, err := a.Engine.RecoverInterrupted(ctx, olderThan)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"recovered": n})
				}
				fmt.Printf("recovered %d idea(s)\n", n)
				return nil
			})
		},
	}
	recoverCmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum time in processing (defaults to pipeline.recover_after)")
	p.AddCommand(recoverCmd)
	p.AddCommand(&cobra.Command{
		Use:   "resume <idea-id>",
		Short: "Return a deferred review to awaiting review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ResumeReview(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "archive <idea-id>",
		Short: "Archive a failed idea",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Archive(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	})
	return p
}

func reviewCmd() *cobra.Command {
	var decision, rationale string
	cmd := &cobra.Command{
		Use:   "review <idea-id>",
		Short: "Record a review decision at a human review gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ApplyReview(ctx, args[0], domain.ReviewDecision(strings.ToLower(decision)), rationale, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve, refine, reject or defer")
	cmd.Flags().StringVar(&rationale, "rationale", "", "reason, passed to enrichment on refine")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func vetCmd() *cobra.Command {
	v := &cobra.Command{Use: "vet", Short: "Refine an idea in conversation before it is submitted"}
	var conversation string
	send := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message; a ready idea is submitted for --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				reply, err := a.Vetting.Send(ctx, viper.GetString("actor-id"), conversation, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reply)
				}
				fmt.Println(reply.Message)
				fmt.Printf("\nConversation: %s\n", reply.ConversationID)
				if reply.IdeaSubmitted && reply.IdeaID != nil {
					fmt.Printf("Submitted idea: %s\n", *reply.IdeaID)
				}
				return nil
			})
		},
	}
	send.Flags().StringVar(&conversation, "conversation", "", "conversation to continue (empty starts a new one)")
	v.AddCommand(send)
	v.AddCommand(&cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show a vetting conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				conv, err := a.Vetting.Get(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(conv)
				}
				for _, m := range conv.Messages {
					fmt.Printf("%s: %s\n\n", m.Role, m.Content)
				}
				if conv.IdeaID != nil {
					fmt.Printf("Submitted idea: %s\n", *conv.IdeaID)
				}
				return nil
			})
		},
	})
	return v
}

func logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <idea-id>",
		Short: "Show the transition log of an idea",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "At", "From", "To", "By", "Metadata"})
				for _, tr := range items {
					meta := ""
					if len(tr.Metadata) > 0 {
						b, _ := json.Marshal(tr.Metadata)
						meta = truncate(string(b), 60)
					}
					tw.AppendRow(table.Row{
						tr.Seq, tr.CreatedAt,
						fmt.Sprintf("%s/%s", tr.FromStage, tr.FromStatus),
						fmt.Sprintf("%s/%s", tr.ToStage, tr.ToStatus),
						tr.TriggeredBy, meta,
					})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Idea counts by stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Repo.CountByStage(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Stage", "Ideas"})
				total := 0
				for _, c := range counts {
					tw.AppendRow(table.Row{c.Stage, c.Count})
					total += c.Count
				}
				tw.AppendFooter(table.Row{"total", total})
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Email", "Role", "Terms accepted"})
				for _, u := range items {
					terms := ""
					if u.TermsAcceptedAt != nil {
						terms = *u.TermsAcceptedAt
					}
					tw.AppendRow(table.Row{u.ID, u.Email, u.Role, terms})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	u.AddCommand(&cobra.Command{
		Use:   "role <user-id> <admin|collaborator>",
		Short: "Set a user's role, creating the user if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.EnsureUser(ctx, domain.User{ID: args[0]}); err != nil {
					return err
				}
				if err := a.Repo.SetUserRole(ctx, args[0], args[1]); err != nil {
					return err
				}
				user, err := a.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(user)
			})
		},
	})
	return u
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys of --actor-id"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				userID := viper.GetString("actor-id")
				if _, err := a.Repo.EnsureUser(ctx, domain.User{ID: userID}); err != nil {
					return err
				}
				plain := auth.NewAPIKey()
				key := domain.APIKey{ID: uuid.NewString(), UserID: userID, Name: name, KeyHash: repo.HashAPIKey(plain)}
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.CreatedAPIKey{APIKey: key, Key: plain})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, userID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, key := range items {
					tw.AppendRow(table.Row{key.ID, key.Name, key.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	return k
}

func tokenCmd() *cobra.Command {
	var email, name string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id using the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			secret := os.Getenv(cfg.Server.JWTSecretEnv)
			if secret == "" {
				return fmt.Errorf("$%s is required to sign tokens", cfg.Server.JWTSecretEnv)
			}
			token, err := server.SignToken(secret, viper.GetString("actor-id"), email, name, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&name, "name", "", "name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger, err := logging.New(logging.Config{Level: viper.GetString("log-level"), Format: "console"})
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printResult(res engine.PipelineResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	mark := "ok"
	if !res.Success {
		mark = "failed"
	}
	fmt.Printf("[%s] %s\n", mark, res.Message)
	if res.Stage != "" {
		fmt.Printf("State: %s / %s\n", res.Stage, res.Status)
	}
	switch {
	case res.RequiresReview && res.Status == domain.StatusPaused:
		fmt.Println("Review deferred: ifx pipeline resume <idea-id>")
	case res.RequiresReview:
		fmt.Println("Awaiting review: ifx review <idea-id> --decision approve|refine|reject|defer")
	}
	if !res.Success {
		return errors.New("pipeline action failed")
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
