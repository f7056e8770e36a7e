package agentcli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/jonboulle/clockwork"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cfg "mindbridge/src/configuration"
	"mindbridge/src/logging"
	"mindbridge/src/session"
)

// Version is the agent version.
const Version = "0.1.0"

type options struct {
	configPath string
	baseURL    string
	storeDir   string
	frames     string

	agent  *Agent
	logger *zap.Logger
	clock  clockwork.Clock
}

// NewRootCommand builds the agent CLI. A nil clock means the wall clock.
func NewRootCommand(clock clockwork.Clock) *cobra.Command {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return newRootCommand(&options{clock: clock})
}

func newRootCommand(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "mindbridge-agent",
		Short:         "Webcam emotion capture agent",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			opts.close()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&opts.baseURL, "base-url", "", "backend URL (overrides config)")
	flags.StringVar(&opts.storeDir, "store-dir", "", "local state directory (overrides config)")
	flags.StringVar(&opts.frames, "frames", "", "frame directory (overrides config)")

	root.AddCommand(
		loginCommand(opts),
		registerCommand(opts),
		logoutCommand(opts),
		statusCommand(opts),
		runCommand(opts),
		drainCommand(opts),
	)
	return root
}

func (o *options) open(ctx context.Context) error {
	config, err := cfg.ReadAgentProperties(o.configPath)
	if err != nil {
		return err
	}
	if o.baseURL != "" {
		config.BaseURL = o.baseURL
	}
	if o.storeDir != "" {
		config.StoreDir = o.storeDir
	}
	if o.frames != "" {
		config.Capture.Source = o.frames
	}
	if o.logger == nil {
		if o.logger, err = logging.New(config.LogLevel); err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
	}
	o.agent, err = NewAgent(ctx, config, nil, nil, o.clock, o.logger)
	return err
}

func (o *options) close() {
	if o.agent != nil {
		o.agent.Close()
		o.agent = nil
	}
	if o.logger != nil {
		_ = o.logger.Sync()
	}
}

// restore loads the stored session and fails when there is none.
func (o *options) restore(ctx context.Context) error {
	if err := o.agent.Session.Init(ctx); err != nil {
		return err
	}
	if o.agent.Session.State() != session.StateAuthenticated {
		return errors.New("not logged in, run `mindbridge-agent login` first")
	}
	return nil
}

func loginCommand(o *options) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.agent.Session.Login(cmd.Context(), email, password); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", o.agent.Session.User().Email)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func registerCommand(o *options) *cobra.Command {
	var email, password, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.agent.Session.Register(cmd.Context(), email, password, name); err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", o.agent.Session.User().Email)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	cmd.Flags().StringVarP(&name, "name", "n", "", "full name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func logoutCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := o.agent.Session.Init(ctx); err != nil {
				return err
			}
			o.agent.Session.Logout(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func statusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, backend and retry queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := o.agent
			if err := a.Session.Init(ctx); err != nil {
				return err
			}
			a.Watcher.Check(ctx)
			backend := "offline"
			if a.Watcher.IsOnline() {
				backend = "online"
			}
			account := "-"
			if user := a.Session.User(); user != nil {
				account = user.Email
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintf(w, "BACKEND\t%s (%s)\n", a.Config.BaseURL, backend)
			fmt.Fprintf(w, "SESSION\t%s\n", a.Session.State())
			fmt.Fprintf(w, "ACCOUNT\t%s\n", account)
			fmt.Fprintf(w, "QUEUED\t%d\n", a.Queue.Len())
			for _, item := range a.Queue.Items() {
				fmt.Fprintf(w, "  #%d\tattempts=%d next=%s\n", item.Seq, item.Attempts, item.NextAttemptAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func runCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Capture frames and upload them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := o.restore(ctx); err != nil {
				return err
			}
			return o.agent.Run(ctx)
		},
	}
}

func drainCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Retry every queued frame now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := o.restore(ctx); err != nil {
				return err
			}
			total := o.agent.Queue.Len()
			if total == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
				return nil
			}
			bar := progressbar.NewOptions(total,
				progressbar.OptionSetDescription("retrying frames"),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionShowCount(),
			)
			uploaded, err := o.agent.Monitor.Flush(ctx, func() { _ = bar.Add(1) })
			_ = bar.Finish()
			fmt.Fprintf(cmd.OutOrStdout(), "\nUploaded %d of %d, %d still queued\n", uploaded, total, o.agent.Queue.Len())
			return err
		},
	}
}
