package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/goliatone/go-auth-client/activitymap"
	"github.com/goliatone/go-auth-client/config"
	"github.com/goliatone/go-auth-client/repository"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// app is the state shared by every subcommand for one invocation
type app struct {
	cfg      *config.Config
	logger   *logrusLogger
	db       *bun.DB
	manager  *repository.Manager
	client   *authclient.Client
	registry *prometheus.Registry
	out      io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	var (
		envFile     string
		showMetrics bool
		a           = &app{out: out}
	)

	root := &cobra.Command{
		Use:           "authctl",
		Short:         "Inspect and reset the local auth client session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context(), envFile, errOut)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if showMetrics {
				a.printMetrics()
			}
			return a.close()
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional env file loaded before the environment")
	root.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "print operation metrics after the command")

	root.AddCommand(
		newStatusCmd(a),
		newLogoutCmd(a),
		newTokenCmd(a),
		newForgetCmd(a),
	)
	return root
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the restored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.printStatus(cmd.Context())
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored token and reset the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := a.client.Machine
			m.Logout(cmd.Context())
			m.Wait()
			return a.printStatus(cmd.Context())
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Describe the stored token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			token, found := a.client.Credentials.Read(ctx)
			if !found {
				return authclient.ErrNoSession
			}

			info := authclient.NewJWTInspector().Inspect(token)
			payload := map[string]any{
				"channel": a.client.Credentials.Holder(ctx),
				"opaque":  info.Opaque,
				"subject": info.Subject,
				"expired": info.Expired(time.Now()),
			}
			if info.ExpiresAt != nil {
				payload["expiresAt"] = info.ExpiresAt.Format(time.RFC3339)
			}
			if reveal {
				payload["token"] = token
			}
			fmt.Fprintln(a.out, print.MaybePrettyJSON(payload))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "include the raw token in the output")
	return cmd
}

func newForgetCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Forget the remembered login email",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if all {
				if err := a.manager.PurgeAll(ctx); err != nil {
					return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to purge client storage")
				}
				a.logger.Info("client storage purged")
				return nil
			}
			a.client.Credentials.ForgetEmail(ctx)
			a.logger.Info("remembered email forgotten")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every stored entry, including the session")
	return cmd
}

func (a *app) open(ctx context.Context, envFile string, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(errOut, cfg.LogLevel)

	sqldb, err := sql.Open(sqliteshim.ShimName, cfg.StorageDSN)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to open client storage")
	}
	sqldb.SetMaxOpenConns(1)
	a.db = bun.NewDB(sqldb, sqlitedialect.New())

	a.manager = repository.NewManager(a.db)
	if err := a.manager.Validate(); err != nil {
		return err
	}
	if err := a.manager.EnsureSchema(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to prepare client storage")
	}

	durable, snapshots, err := a.channels()
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.client = authclient.Boot(ctx, offlineAPI{}, authclient.BootConfig{
		Config:       cfg,
		Durable:      durable,
		Snapshots:    snapshots,
		Logger:       a.logger,
		ActivitySink: activitymap.Sink(a.logger.activity, activitymap.WithDefaultChannel("authctl")),
		Observer:     authclient.NewPrometheusObserver(a.registry, cfg.MetricsNamespace),
	})
	return nil
}

func (a *app) channels() (authclient.Channel, authclient.Channel, error) {
	var durable authclient.Channel = a.manager.Credentials()
	var snapshots authclient.Channel = a.manager.Snapshots()

	key, err := a.cfg.SealKeyBytes()
	if err != nil || key == nil {
		return durable, snapshots, err
	}

	if durable, err = authclient.NewSealedChannel(durable, key); err != nil {
		return nil, nil, err
	}
	if snapshots, err = authclient.NewSealedChannel(snapshots, key); err != nil {
		return nil, nil, err
	}
	return durable, snapshots, nil
}

func (a *app) close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *app) printStatus(ctx context.Context) error {
	email, _ := a.client.Machine.RememberedEmail(ctx)
	payload := map[string]any{
		"session":         a.client.Machine.View(),
		"channel":         a.client.Credentials.Holder(ctx),
		"rememberedEmail": email,
		"snapshotKey":     a.client.Persister.Key(),
	}
	fmt.Fprintln(a.out, print.MaybePrettyJSON(payload))
	return nil
}

func (a *app) printMetrics() {
	families, err := a.registry.Gather()
	if err != nil {
		a.logger.Warn("gather metrics: %v", err)
		return
	}
	summary := map[string]int{}
	for _, f := range families {
		summary[f.GetName()] = len(f.GetMetric())
	}
	fmt.Fprintln(a.out, print.MaybePrettyJSON(summary))
}

// offlineAPI is the AuthAPI used by authctl. The tool only manages local
// storage, so every server call fails as a transport error.
type offlineAPI struct{}

var errOffline = goerrors.New("authctl does not talk to the auth server", goerrors.CategoryOperation).
	WithTextCode(authclient.TextCodeTransport)

func (offlineAPI) Login(context.Context, string, string) (*authclient.LoginResponse, error) {
	return nil, errOffline
}

func (offlineAPI) VerifyOTP(context.Context, string, string) (*authclient.OTPResponse, error) {
	return nil, errOffline
}

func (offlineAPI) FetchCurrentUser(context.Context, string) (*authclient.User, error) {
	return nil, errOffline
}

func (offlineAPI) LogoutNotify(context.Context, string) error {
	return errOffline
}
