package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/astromechza/keeplists/pkg/config"
	"github.com/astromechza/keeplists/pkg/reconcile"
	"github.com/astromechza/keeplists/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	return newRootCmd(os.Stdout, os.Stderr).ExecuteContext(context.Background())
}

// app is the state shared by every command: configuration, the session and the controller on top.
type app struct {
	cfg      config.Client
	envErr   error
	out      io.Writer
	logOut   io.Writer
	logger   *slog.Logger
	registry *prometheus.Registry
	session  *session.Session
	ctl      *reconcile.Controller
}

func newRootCmd(out, logOut io.Writer) *cobra.Command {
	a := &app{out: out, logOut: logOut}
	a.envErr = config.ParseEnv(&a.cfg)

	root := &cobra.Command{
		Use:           "keep",
		Short:         "Work with shared checklists from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.envErr != nil {
				return a.envErr
			}
			if err := config.Validate(a.cfg); err != nil {
				return err
			}
			a.logger = config.NewLogger(a.logOut, a.cfg.LogLevel)
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.APIURL, "api", a.cfg.APIURL, "backend API base url")
	flags.StringVar(&a.cfg.SocketURL, "socket", a.cfg.SocketURL, "realtime websocket url")
	flags.StringVar(&a.cfg.Token, "token", a.cfg.Token, "bearer token from a previous login")
	flags.StringVar(&a.cfg.Email, "email", a.cfg.Email, "account email")
	flags.StringVar(&a.cfg.Password, "password", a.cfg.Password, "account password")
	flags.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "debug, info, warn or error")
	flags.DurationVar(&a.cfg.HTTPTimeout, "timeout", a.cfg.HTTPTimeout, "HTTP request timeout")

	root.AddCommand(
		a.loginCmd(),
		a.registerCmd(),
		a.listsCmd(),
		a.showCmd(),
		a.createCmd(),
		a.renameCmd(),
		a.flagCmd("pin", "Pin a list to the top", func(ctx context.Context, id string) error {
			_, err := a.ctl.SetPinned(ctx, id, true)
			return err
		}),
		a.flagCmd("unpin", "Unpin a list", func(ctx context.Context, id string) error {
			_, err := a.ctl.SetPinned(ctx, id, false)
			return err
		}),
		a.flagCmd("archive", "Move a list to the archive", func(ctx context.Context, id string) error {
			_, err := a.ctl.SetArchived(ctx, id, true)
			return err
		}),
		a.flagCmd("unarchive", "Restore a list from the archive", func(ctx context.Context, id string) error {
			_, err := a.ctl.SetArchived(ctx, id, false)
			return err
		}),
		a.flagCmd("delete", "Delete a list you own", func(ctx context.Context, id string) error {
			return a.ctl.DeleteList(ctx, id)
		}),
		a.addCmd(),
		a.toggleCmd(),
		a.editItemCmd(),
		a.removeItemCmd(),
		a.moveCmd(),
		a.shareCmd(),
		a.unshareCmd(),
		a.permissionCmd(),
		a.reorderCmd(),
		a.watchCmd(),
	)
	return root
}

func (a *app) newSession() (*session.Session, error) {
	s, err := session.New(session.Options{
		APIURL:      a.cfg.APIURL,
		SocketURL:   a.cfg.SocketURL,
		HTTPTimeout: a.cfg.HTTPTimeout,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.session = s
	return s, nil
}

// open starts a session from the token or the email and password, then loads the collection.
func (a *app) open(ctx context.Context) error {
	s, err := a.newSession()
	if err != nil {
		return err
	}
	switch {
	case a.cfg.Token != "":
		if _, err := s.Resume(ctx, a.cfg.Token); err != nil {
			return err
		}
	case a.cfg.Email != "" && a.cfg.Password != "":
		if _, err := s.Login(ctx, a.cfg.Email, a.cfg.Password); err != nil {
			return err
		}
	default:
		return fmt.Errorf("set KEEP_TOKEN, or KEEP_EMAIL and KEEP_PASSWORD")
	}
	return a.attach(ctx)
}

func (a *app) attach(ctx context.Context) error {
	u, _ := a.session.User()
	a.registry = prometheus.NewRegistry()
	m, err := reconcile.NewMetrics(a.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	a.ctl = reconcile.New(reconcile.Options{
		Gateway:   a.session.Gateway(),
		Channel:   a.session.Channel(),
		Store:     a.session.Store(),
		UserID:    u.ID,
		UserEmail: u.Email,
		Logger:    a.logger,
		Metrics:   m,
	})
	a.session.OnLogout(a.ctl.Shutdown)
	return a.ctl.Refresh(ctx)
}

// withSession wraps a command body with open and close.
func (a *app) withSession(fn func(ctx context.Context, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		defer a.close(ctx)
		if err := a.open(ctx); err != nil {
			return err
		}
		return fn(ctx, args)
	}
}

func (a *app) close(ctx context.Context) {
	if a.ctl != nil {
		if err := a.ctl.CloseEditor(ctx); err != nil {
			a.logger.Warn("failed to save open list", "err", err)
		}
	}
	if a.session != nil {
		a.session.Channel().Disconnect()
	}
}
