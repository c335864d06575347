package main

import (
	"bufio"
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

	"snagline/internal/api"
	"snagline/internal/bus"
	"snagline/internal/cache"
	"snagline/internal/config"
	"snagline/internal/db"
	"snagline/internal/devserver"
	"snagline/internal/domain"
	"snagline/internal/logging"
	"snagline/internal/migrate"
	"snagline/internal/realtime"
	"snagline/internal/sync"
	"snagline/internal/view"
	"snagline/internal/workflow"
)

const defaultServer = "http://localhost:8000"

var rootCmd = &cobra.Command{
	Use:   "sn",
	Short: "Snagline CLI",
	Long: `Snagline tracks construction snags (defects) against buildings and keeps a
live local view in step with the backend.
- Workspace: the .snagline directory holds the offline snapshot and your session.
- Snags: numbered per building (#1, #2, ...), flowing open -> in_progress -> resolved -> verified.
- Roles: managers and inspectors report and edit; contractors record their work;
  authorities verify it. The CLI refuses an action your role cannot perform
  before any request is sent.
- Watch: 'sn watch' holds a websocket open and re-renders the list as others work.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("SNAGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("server", "", "backend base URL (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(snagCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(authoritiesCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(registerUserCmd())
	rootCmd.AddCommand(devserverCmd())
}

func initCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialise a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("%s already exists\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(server)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "backend base URL")
	return cmd
}

func loginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Log in and cache the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := args[0]
			if password == "" {
				fmt.Print("Password: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return err
				}
				password = strings.TrimSpace(line)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := api.New(cfg.Server.BaseURL)
			resp, err := client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			return withCache(func(ca cache.Cache) error {
				if err := ca.SaveSession(cmd.Context(), resp.AccessToken, resp.User); err != nil {
					return err
				}
				fmt.Printf("Logged in as %s (%s)\n", resp.User.Name, resp.User.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the cached session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(func(ca cache.Cache) error {
				return ca.ClearSession(cmd.Context())
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				me, err := c.Me(ctx)
				if err != nil {
					// Offline: fall back to the cached identity.
					me = user
				}
				return printJSONOrTable(me)
			})
		},
	}
}

func snagCmd() *cobra.Command {
	snag := &cobra.Command{
		Use:   "snag",
		Short: "Manage snags",
		Long: `Snags are reported defects. Managers and inspectors create and edit them;
contractors start and complete the work; authorities verify it with feedback.`,
	}
	snag.AddCommand(snagListCmd())
	snag.AddCommand(snagShowCmd())
	snag.AddCommand(snagCreateCmd())
	snag.AddCommand(snagUpdateCmd())
	snag.AddCommand(snagDeleteCmd())
	snag.AddCommand(snagStartCmd())
	snag.AddCommand(snagCompleteCmd())
	snag.AddCommand(snagResolveCmd())
	snag.AddCommand(snagApproveCmd())
	snag.AddCommand(snagOverrideCmd())
	return snag
}

func snagListCmd() *cobra.Command {
	var opts api.ListOptions
	var status, priority string
	var q view.Query
	var sortKey string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snags",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Status = domain.Status(status)
			opts.Priority = domain.Priority(priority)
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				snags, err := c.ListSnags(ctx, opts)
				if err != nil {
					return err
				}
				q.Sort = view.SortKey(sortKey)
				res := view.Apply(snags, q)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				renderSnagTable(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (server side)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter (server side)")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location filter (server side)")
	cmd.Flags().StringVar(&opts.ProjectName, "building", "", "building filter (server side)")
	cmd.Flags().StringVar(&opts.ContractorID, "contractor", "", "assigned contractor id (server side)")
	cmd.Flags().StringVar(&q.Filter, "filter", "", "free-text filter (local)")
	cmd.Flags().StringVar(&sortKey, "sort", string(view.SortCreatedAt), "sort key")
	cmd.Flags().BoolVar(&q.Desc, "desc", false, "sort descending")
	cmd.Flags().IntVar(&q.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&q.PageSize, "page-size", 0, "page size (0 = all)")
	return cmd
}

func snagShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a snag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				s, err := c.GetSnag(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func snagCreateCmd() *cobra.Command {
	var req api.CreateSnagRequest
	var priority, due string
	var cost float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Report a snag",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Priority = domain.Priority(priority)
			if cmd.Flags().Changed("cost") {
				req.CostEstimate = &cost
			}
			if due != "" {
				req.DueDate = &due
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				if !workflow.RoleAllowed(user.Role, workflow.ActionCreate) {
					return fmt.Errorf("%w: %s cannot report snags", workflow.ErrNotAllowed, user.Role)
				}
				s, err := c.CreateSnag(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&req.Description, "description", "", "what is wrong")
	cmd.Flags().StringVar(&req.ProjectName, "building", "", "building (project) name")
	cmd.Flags().StringVar(&req.Location, "location", "", "where in the building")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&req.PossibleSolution, "solution", "", "suggested fix")
	cmd.Flags().StringVar(&req.UTMCoordinates, "utm", "", "UTM coordinates")
	cmd.Flags().StringArrayVar(&req.Photos, "photo", []string{}, "photo reference (repeatable)")
	cmd.Flags().Float64Var(&cost, "cost", 0, "cost estimate")
	cmd.Flags().StringVar(&req.AssignedContractorID, "contractor", "", "assigned contractor id")
	cmd.Flags().StringArrayVar(&req.AssignedAuthorityIDs, "authority", []string{}, "assigned authority id (repeatable)")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339)")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("building")
	return cmd
}

func snagUpdateCmd() *cobra.Command {
	var description, location, building, solution, status, priority, contractor, feedback, comment string
	var authorities []string
	var cost float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit snag fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req api.UpdateSnagRequest
			set := func(name string, apply func()) {
				if cmd.Flags().Changed(name) {
					apply()
				}
			}
			set("description", func() { req.Description = &description })
			set("location", func() { req.Location = &location })
			set("building", func() { req.ProjectName = &building })
			set("solution", func() { req.PossibleSolution = &solution })
			set("priority", func() { p := domain.Priority(priority); req.Priority = &p })
			set("status", func() { st := domain.Status(status); req.Status = &st })
			set("cost", func() { req.CostEstimate = &cost })
			set("contractor", func() { req.AssignedContractorID = &contractor })
			set("authority", func() { req.AssignedAuthorityIDs = authorities })
			set("feedback", func() { req.AuthorityFeedback = &feedback })
			set("comment", func() { req.AuthorityComment = &comment })
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				if fields := req.Fields(); !workflow.FieldsAllowed(user.Role, fields) {
					return fmt.Errorf("%w: %s may not edit %v", workflow.ErrNotAllowed, user.Role, fields)
				}
				s, err := c.UpdateSnag(ctx, args[0], req)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&location, "location", "", "location")
	cmd.Flags().StringVar(&building, "building", "", "building name")
	cmd.Flags().StringVar(&solution, "solution", "", "suggested fix")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().Float64Var(&cost, "cost", 0, "cost estimate")
	cmd.Flags().StringVar(&contractor, "contractor", "", "assigned contractor id")
	cmd.Flags().StringArrayVar(&authorities, "authority", []string{}, "assigned authority id (repeatable)")
	cmd.Flags().StringVar(&feedback, "feedback", "", "authority feedback")
	cmd.Flags().StringVar(&comment, "comment", "", "authority comment")
	return cmd
}

func snagDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a snag (manager only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				if !workflow.RoleAllowed(user.Role, workflow.ActionDelete) {
					return fmt.Errorf("%w: %s cannot delete snags", workflow.ErrNotAllowed, user.Role)
				}
				return c.DeleteSnag(ctx, args[0])
			})
		},
	}
}

func snagStartCmd() *cobra.Command {
	return workflowCmd("start <id>", "Start work on a snag", workflow.ActionStartWork,
		func(m workflow.Machine, s domain.Snag, user domain.User) (domain.Snag, error) {
			return m.StartWork(s, user)
		})
}

func snagCompleteCmd() *cobra.Command {
	return workflowCmd("complete <id>", "Record the contractor's completion", workflow.ActionMarkComplete,
		func(m workflow.Machine, s domain.Snag, user domain.User) (domain.Snag, error) {
			return m.MarkComplete(s, user)
		})
}

func snagResolveCmd() *cobra.Command {
	return workflowCmd("resolve <id>", "Mark a snag resolved (manager only)", workflow.ActionResolve,
		func(m workflow.Machine, s domain.Snag, user domain.User) (domain.Snag, error) {
			return m.Resolve(s, user)
		})
}

func snagApproveCmd() *cobra.Command {
	var feedback, comment string
	cmd := workflowCmd("approve <id>", "Verify a snag (authority only)", workflow.ActionApprove,
		func(m workflow.Machine, s domain.Snag, user domain.User) (domain.Snag, error) {
			return m.Approve(s, user, workflow.ApproveOptions{Feedback: feedback, Comment: comment})
		})
	cmd.Flags().StringVar(&feedback, "feedback", "", "what was checked (required)")
	cmd.Flags().StringVar(&comment, "comment", "", "additional comment")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func snagOverrideCmd() *cobra.Command {
	var status string
	cmd := workflowCmd("override <id>", "Force a status (manager only)", workflow.ActionOverride,
		func(m workflow.Machine, s domain.Snag, user domain.User) (domain.Snag, error) {
			return m.Override(s, user, domain.Status(status))
		})
	cmd.Flags().StringVar(&status, "status", "", "target status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// workflowCmd checks the role gate, fetches the snag, runs the transition
// locally so illegal actions fail before any write, then sends only the
// fields the role may touch.
func workflowCmd(use, short string, action workflow.Action, run func(workflow.Machine, domain.Snag, domain.User) (domain.Snag, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				if !workflow.RoleAllowed(user.Role, action) {
					return fmt.Errorf("%w: %s may not %s", workflow.ErrNotAllowed, user.Role, action)
				}
				before, err := c.GetSnag(ctx, args[0])
				if err != nil {
					return err
				}
				after, err := run(workflow.New(), before, user)
				if err != nil {
					return err
				}
				req := diffRequest(before, after, user.Role)
				s, err := c.UpdateSnag(ctx, args[0], req)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

// diffRequest turns a local transition into the partial update the server
// accepts from this role.
func diffRequest(before, after domain.Snag, role domain.Role) api.UpdateSnagRequest {
	var req api.UpdateSnagRequest
	allowed := workflow.UpdatableFields(role)
	may := func(field string) bool {
		if allowed == nil {
			return true
		}
		for _, f := range allowed {
			if f == field {
				return true
			}
		}
		return false
	}
	if before.Status != after.Status && may("status") {
		req.Status = &after.Status
	}
	if before.ContractorCompleted != after.ContractorCompleted && may("contractor_completed") {
		req.ContractorCompleted = &after.ContractorCompleted
	}
	if after.AuthorityApproved && !before.AuthorityApproved && may("authority_approved") {
		req.AuthorityApproved = &after.AuthorityApproved
	}
	if before.AuthorityFeedback != after.AuthorityFeedback && may("authority_feedback") {
		req.AuthorityFeedback = &after.AuthorityFeedback
	}
	if before.AuthorityComment != after.AuthorityComment && may("authority_comment") {
		req.AuthorityComment = &after.AuthorityComment
	}
	if changedStamp(before.WorkStartedDate, after.WorkStartedDate) && may("work_started_date") {
		req.WorkStartedDate = after.WorkStartedDate
	}
	if changedStamp(before.WorkCompletedDate, after.WorkCompletedDate) && may("work_completed_date") {
		req.WorkCompletedDate = after.WorkCompletedDate
	}
	if changedStamp(before.ContractorCompletionDate, after.ContractorCompletionDate) && may("contractor_completion_date") {
		req.ContractorCompletion = after.ContractorCompletionDate
	}
	return req
}

func changedStamp(before, after *string) bool {
	if before == nil {
		return after != nil
	}
	return after != nil && *before != *after
}

func watchCmd() *cobra.Command {
	var opts api.ListOptions
	var status, priority string
	var q view.Query
	var sortKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live snag list",
		Long: `Holds a websocket open and keeps the list current as others work. The
snapshot is cached in the workspace, so the next list works offline. Stop
with Ctrl-C; a dropped connection reconnects on its own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Status = domain.Status(status)
			opts.Priority = domain.Priority(priority)
			q.Sort = view.SortKey(sortKey)
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				return runWatch(ctx, c, cfg, opts, q)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (server side)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter (server side)")
	cmd.Flags().StringVar(&opts.ProjectName, "building", "", "building filter (server side)")
	cmd.Flags().StringVar(&q.Filter, "filter", "", "free-text filter (local)")
	cmd.Flags().StringVar(&sortKey, "sort", string(view.SortCreatedAt), "sort key")
	cmd.Flags().BoolVar(&q.Desc, "desc", true, "sort descending")
	cmd.Flags().IntVar(&q.PageSize, "page-size", 0, "page size (0 = all)")
	return cmd
}

func runWatch(ctx context.Context, c *api.Client, cfg *config.Config, opts api.ListOptions, q view.Query) error {
	log := logging.Default()
	b := bus.New(log)
	store := sync.NewStore()
	rec := sync.NewReconciler(store, api.SnagSource{Client: c, Opts: opts}, log)
	rec.Attach(b)
	defer rec.Detach()

	backoff := realtime.ConstantBackoff(cfg.ReconnectDelay())
	if cfg.Sync.Reconnect.Policy == config.ReconnectExponential {
		backoff = realtime.ExponentialBackoff(cfg.ReconnectDelay(), cfg.ReconnectCap())
	}
	ch := realtime.NewChannel(realtime.Config{
		URL:     c.WebSocketURL(),
		Token:   func() string { return c.BearerToken },
		Bus:     b,
		Backoff: backoff,
		Logger:  log,
	})
	ch.OnStateChange(func(connected bool) {
		if connected {
			// Events may have been missed while offline.
			if err := rec.Refresh(context.Background()); err != nil {
				log.Warn(context.Background(), "refresh after reconnect failed", "error", err)
			}
		}
	})

	if err := rec.Refresh(ctx); err != nil {
		return err
	}
	ch.Connect()
	defer ch.Disconnect()

	redraw := make(chan struct{}, 1)
	unsub := b.Subscribe(func(domain.SyncEvent) {
		select {
		case redraw <- struct{}{}:
		default:
		}
	})
	defer unsub()

	v := view.NewView(store.List, q)
	render := func() {
		fmt.Print("\033[H\033[2J")
		state := "offline"
		if ch.Connected() {
			state = "live"
		}
		fmt.Printf("snagline watch [%s] %s\n", state, time.Now().Format("15:04:05"))
		renderSnagTable(v.Render())
	}
	render()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Keep the last view around for offline use.
			return withCache(func(ca cache.Cache) error {
				return ca.SaveSnapshot(context.Background(), store.List())
			})
		case <-redraw:
			render()
		case <-ticker.C:
			render()
		}
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dashboard counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				stats, err := c.DashboardStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Total", "Open", "In progress", "Resolved", "Verified", "High priority"})
				tw.AppendRow(table.Row{stats.TotalSnags, stats.OpenSnags, stats.InProgressSnags, stats.ResolvedSnags, stats.VerifiedSnags, stats.HighPriority})
				tw.Render()
				return nil
			})
		},
	}
}

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "Known building names",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				names, err := c.ProjectNames(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(names)
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			})
		},
	}
}

func authoritiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authorities <building>",
		Short: "Suggested authorities for a building",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				suggested, err := c.SuggestedAuthorities(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(suggested)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Snags"})
				for _, a := range suggested {
					tw.AppendRow(table.Row{a.ID, a.Name, a.SnagCount})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func notificationsCmd() *cobra.Command {
	var readAll bool
	var markRead string
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				if markRead != "" {
					return c.MarkNotificationRead(ctx, markRead)
				}
				if readAll {
					return c.MarkAllNotificationsRead(ctx)
				}
				list, err := c.Notifications(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "When", "Message", "ID"})
				for _, n := range list {
					mark := "*"
					if n.Read {
						mark = ""
					}
					tw.AppendRow(table.Row{mark, n.CreatedAt, n.Message, n.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&readAll, "read-all", false, "mark every notification read")
	cmd.Flags().StringVar(&markRead, "read", "", "mark one notification read by id")
	return cmd
}

func registerUserCmd() *cobra.Command {
	var req api.RegisterUserRequest
	var role string
	cmd := &cobra.Command{
		Use:   "register-user",
		Short: "Register a user (manager only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Role = domain.Role(role)
			if !req.Role.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client, user domain.User) error {
				created, err := c.RegisterUser(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "email")
	cmd.Flags().StringVar(&req.Password, "password", "", "password")
	cmd.Flags().StringVar(&req.Name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "manager, inspector, contractor or authority")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "phone number")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func devserverCmd() *cobra.Command {
	var addr, secret, password string
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run the in-memory dev backend",
		Long: `Starts an in-memory backend with one demo user per role
(manager@site.test, inspector@site.test, contractor@site.test,
authority@site.test). State is lost when the process exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := devserver.NewStore()
			store.Seed(password)
			handler := devserver.New(devserver.Config{
				Store:     store,
				JWTSecret: secret,
				Logger:    logging.Default(),
			})
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				handler.Hub().Close()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Snagline dev backend on http://%s (password for all demo users: %q)\n", addr, password)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().StringVar(&secret, "secret", "snagline-dev", "JWT signing secret")
	cmd.Flags().StringVar(&password, "password", "snagline", "password for the seeded users")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(defaultServer)
	}
	if s := viper.GetString("server"); s != "" {
		cfg.Server.BaseURL = s
	}
	return cfg, nil
}

func withCache(fn func(cache.Cache) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(cache.New(conn))
}

func withClient(ctx context.Context, fn func(context.Context, *api.Client, domain.User) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := api.New(cfg.Server.BaseURL)
	var user domain.User
	err = withCache(func(ca cache.Cache) error {
		token, u, err := ca.LoadSession(ctx)
		if err != nil {
			if errors.Is(err, cache.ErrNoSession) {
				return fmt.Errorf("not logged in; run sn login <email>")
			}
			return err
		}
		client.BearerToken = token
		user = u
		return nil
	})
	if err != nil {
		return err
	}
	return fn(ctx, client, user)
}

func renderSnagTable(res view.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Building", "Description", "Location", "Status", "Priority", "Contractor", "ID"})
	for _, s := range res.Rows {
		tw.AppendRow(table.Row{s.QueryNo, s.ProjectName, truncate(s.Description, 40), s.Location, s.Status, s.Priority, s.AssignedContractorName, s.ID})
	}
	tw.Render()
	if res.PageCount > 1 {
		fmt.Printf("page %d/%d (%d snags)\n", res.Page, res.PageCount, res.Total)
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
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
