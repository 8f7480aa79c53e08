package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/keeplists/pkg/lists"
	"github.com/astromechza/keeplists/pkg/reconcile"
	"github.com/astromechza/keeplists/pkg/store"
)

func (a *app) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in with --email and --password and print a token for --token",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			_, err := fmt.Fprintln(a.out, a.session.Token())
			return err
		}),
	}
}

func (a *app) registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register NAME",
		Short: "Create an account with --email and --password and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			defer a.close(ctx)
			s, err := a.newSession()
			if err != nil {
				return err
			}
			if _, err := s.Register(ctx, args[0], a.cfg.Email, a.cfg.Password); err != nil {
				return err
			}
			if err := a.attach(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, s.Token())
			return err
		},
	}
}

func (a *app) listsCmd() *cobra.Command {
	var view, search string
	cmd := &cobra.Command{
		Use:   "lists",
		Short: "Show the lists on a page, grouped into pinned, personal and shared",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			v, err := lists.ParseView(view)
			if err != nil {
				return err
			}
			st := a.ctl.Store()
			st.SetView(v)
			st.SetSearch(search)
			printSections(a.out, st.Visible(a.ctl.UserID()), a.ctl.UserID())
			return nil
		}),
	}
	cmd.Flags().StringVar(&view, "view", string(lists.ViewNotes), "notes, archived or collaborated")
	cmd.Flags().StringVar(&search, "search", "", "only lists whose name or items contain this text")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show LIST",
		Short: "Print one list with its items and collaborators",
		Args:  cobra.ExactArgs(1),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			l, ok := a.ctl.Store().Get(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", reconcile.ErrUnknownList, args[0])
			}
			printList(a.out, l, a.ctl.UserID())
			return nil
		}),
	}
}

func (a *app) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create TITLE [ITEM...]",
		Short: "Create a list with its first items",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			d := a.ctl.NewDraft()
			d.SetTitle(args[0])
			for _, text := range args[1:] {
				d.SetPendingText(text)
				d.AddItem()
			}
			l, ok, err := d.Close(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: nothing to create", reconcile.ErrInvalidInput)
			}
			_, err = fmt.Fprintln(a.out, l.ID)
			return err
		}),
	}
}

func (a *app) renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename LIST NAME",
		Short: "Rename a list",
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			_, err := a.ctl.Rename(ctx, args[0], args[1])
			return err
		}),
	}
}

// flagCmd builds the single-list commands that take only a list id.
func (a *app) flagCmd(name, short string, fn func(ctx context.Context, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " LIST",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			return fn(ctx, args[0])
		}),
	}
}

// editing opens the list in an editor, runs fn and closes the editor again so buffered text is
// committed before the command returns.
func (a *app) editing(ctx context.Context, listID string, fn func(ed *reconcile.Editor, l lists.List) error) error {
	ed, err := a.ctl.OpenEditor(ctx, listID)
	if err != nil {
		return err
	}
	l, ok := ed.List()
	if !ok {
		return fmt.Errorf("%w: %s", reconcile.ErrUnknownList, listID)
	}
	if err := fn(ed, l); err != nil {
		_ = ed.Close(ctx)
		return err
	}
	return ed.Close(ctx)
}

// resolveItem accepts an item id or a 1-based position in the list.
func resolveItem(l lists.List, ref string) (string, error) {
	if _, ok := l.Item(ref); ok {
		return ref, nil
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(l.Items) {
		return l.Items[n-1].ID, nil
	}
	return "", fmt.Errorf("%w: %s", reconcile.ErrUnknownItem, ref)
}

func (a *app) addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add LIST TEXT",
		Short: "Append an item to a list",
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			return a.editing(ctx, args[0], func(ed *reconcile.Editor, _ lists.List) error {
				if err := ed.SetNewItemText(args[1]); err != nil {
					return err
				}
				return ed.AddItem(ctx)
			})
		}),
	}
}

func (a *app) toggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle LIST ITEM",
		Short: "Flip the completed flag of an item",
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			return a.editing(ctx, args[0], func(ed *reconcile.Editor, l lists.List) error {
				id, err := resolveItem(l, args[1])
				if err != nil {
					return err
				}
				return ed.ToggleItem(ctx, id)
			})
		}),
	}
}

func (a *app) editItemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit-item LIST ITEM TEXT",
		Short: "Replace the text of an item",
		Args:  cobra.ExactArgs(3),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			return a.editing(ctx, args[0], func(ed *reconcile.Editor, l lists.List) error {
				id, err := resolveItem(l, args[1])
				if err != nil {
					return err
				}
				if err := ed.SetItemText(id, args[2]); err != nil {
					return err
				}
				return ed.BlurItem(ctx, id)
			})
		}),
	}
}

func (a *app) removeItemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-item LIST ITEM",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			return a.editing(ctx, args[0], func(ed *reconcile.Editor, l lists.List) error {
				id, err := resolveItem(l, args[1])
				if err != nil {
					return err
				}
				return ed.DeleteItem(ctx, id)
			})
		}),
	}
}

func (a *app) moveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move LIST FROM TO",
		Short: "Move an item to the position of another item",
		Args:  cobra.ExactArgs(3),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			return a.editing(ctx, args[0], func(ed *reconcile.Editor, l lists.List) error {
				from, err := resolveItem(l, args[1])
				if err != nil {
					return err
				}
				to, err := resolveItem(l, args[2])
				if err != nil {
					return err
				}
				return ed.MoveItem(ctx, from, to)
			})
		}),
	}
}

func (a *app) shareCmd() *cobra.Command {
	var permission string
	cmd := &cobra.Command{
		Use:   "share LIST EMAIL",
		Short: "Add a collaborator by email",
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			if _, err := a.ctl.AddCollaborator(ctx, args[0], args[1]); err != nil {
				return err
			}
			if permission == string(lists.PermissionEdit) {
				return nil
			}
			_, err := a.ctl.UpdateCollaboratorPermission(ctx, args[0], args[1], lists.Permission(permission))
			return err
		}),
	}
	cmd.Flags().StringVar(&permission, "permission", string(lists.PermissionEdit), "view or edit")
	return cmd
}

func (a *app) unshareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unshare LIST EMAIL",
		Short: "Remove a collaborator",
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			_, err := a.ctl.RemoveCollaborator(ctx, args[0], args[1])
			return err
		}),
	}
}

func (a *app) permissionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "permission LIST EMAIL view|edit",
		Short: "Change what a collaborator may do",
		Args:  cobra.ExactArgs(3),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			_, err := a.ctl.UpdateCollaboratorPermission(ctx, args[0], args[1], lists.Permission(args[2]))
			return err
		}),
	}
}

func (a *app) reorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder pinned|personal|shared LIST...",
		Short: "Set the order of the lists in one section of the notes page",
		Args:  cobra.MinimumNArgs(2),
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			err := a.ctl.ReorderSection(ctx, lists.Section(args[0]), args[1:])
			if errors.Is(err, reconcile.ErrOrderNotPersisted) {
				a.logger.Warn(err.Error())
				return nil
			}
			return err
		}),
	}
}

func (a *app) watchCmd() *cobra.Command {
	var listID, metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live changes to the collection, or to one list with --list",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(ctx context.Context, args []string) error {
			ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			stop := a.ctl.Start()
			defer stop()
			a.session.OnLogout(cancel)

			if listID != "" {
				if _, err := a.ctl.OpenEditor(ctx, listID); err != nil {
					return err
				}
			}
			unsubscribe := a.ctl.Store().Subscribe(func(st store.State) {
				a.printWatched(st)
			})
			defer unsubscribe()
			a.printWatched(a.ctl.Store().Snapshot())

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return a.ctl.Run(ctx)
			})
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})}
				eg.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics listen failed: %w", err)
					}
					return nil
				})
				eg.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			err := eg.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&listID, "list", "", "open this list and print it on every change")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func (a *app) printWatched(st store.State) {
	if st.Error != "" {
		fmt.Fprintln(a.out, "error:", st.Error)
	}
	if ed := a.ctl.Editor(); ed != nil {
		if l, ok := ed.List(); ok {
			printList(a.out, l, a.ctl.UserID())
			return
		}
	}
	printSections(a.out, lists.Filter(st.Lists, st.View, st.Search, a.ctl.UserID()), a.ctl.UserID())
}
