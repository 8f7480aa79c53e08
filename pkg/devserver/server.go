// Package devserver is an in-memory backend speaking the list HTTP API and the realtime websocket
// protocol. It exists to run the client end to end; state may optionally be snapshotted to sqlite.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/astromechza/keeplists/pkg/gateway"
	"github.com/astromechza/keeplists/pkg/lists"
)

type Options struct {
	Logger *slog.Logger
	// Registry receives the server metrics and backs /metrics. Defaults to a fresh registry.
	Registry *prometheus.Registry
	// DBPath enables sqlite snapshots when set.
	DBPath string
	// PasswordCost is the bcrypt cost. Defaults to bcrypt.DefaultCost.
	PasswordCost int
}

type Server struct {
	state    *state
	hub      *hub
	persist  *persister
	logger   *slog.Logger
	metrics  *metrics
	registry *prometheus.Registry
	router   *mux.Router
}

func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.PasswordCost == 0 {
		opts.PasswordCost = bcrypt.DefaultCost
	}
	m, err := newMetrics(opts.Registry)
	if err != nil {
		return nil, err
	}
	st := newState(opts.PasswordCost)
	s := &Server{
		state:    st,
		hub:      newHub(st, opts.Logger, m),
		logger:   opts.Logger,
		metrics:  m,
		registry: opts.Registry,
	}
	if opts.DBPath != "" {
		if s.persist, err = openPersister(opts.DBPath, st, opts.Logger); err != nil {
			return nil, err
		}
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// RunBackups snapshots state to the database every interval until ctx is done. It returns at once
// when no database is configured.
func (s *Server) RunBackups(ctx context.Context, interval time.Duration) {
	if s.persist == nil {
		return
	}
	s.persist.backupContinuously(ctx, interval)
}

// Close drops every websocket peer and writes a final snapshot.
func (s *Server) Close() error {
	s.hub.close()
	if s.persist != nil {
		return s.persist.close()
	}
	return nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Path("/ws").HandlerFunc(s.serveSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.Methods(http.MethodPost).Path("/auth/register").HandlerFunc(s.register)
	api.Methods(http.MethodPost).Path("/auth/login").HandlerFunc(s.login)
	api.Methods(http.MethodGet).Path("/users/me").HandlerFunc(s.authed(s.me))

	// literal segments first, mux takes the first match
	api.Methods(http.MethodPut).Path("/lists/reorder").HandlerFunc(s.authed(s.reorderLists))
	api.Methods(http.MethodGet).Path("/lists").HandlerFunc(s.authed(s.getAllLists))
	api.Methods(http.MethodPost).Path("/lists").HandlerFunc(s.authed(s.createList))
	api.Methods(http.MethodGet).Path("/lists/{list}").HandlerFunc(s.authed(s.getList))
	api.Methods(http.MethodPut).Path("/lists/{list}").HandlerFunc(s.authed(s.renameList))
	api.Methods(http.MethodDelete).Path("/lists/{list}").HandlerFunc(s.authed(s.deleteList))
	api.Methods(http.MethodPut).Path("/lists/{list}/archive").HandlerFunc(s.authed(s.archiveList))
	api.Methods(http.MethodPut).Path("/lists/{list}/pin").HandlerFunc(s.authed(s.pinList))
	api.Methods(http.MethodPut).Path("/lists/{list}/items/reorder").HandlerFunc(s.authed(s.reorderItems))
	api.Methods(http.MethodPost).Path("/lists/{list}/items").HandlerFunc(s.authed(s.addItem))
	api.Methods(http.MethodPut).Path("/lists/{list}/items/{item}").HandlerFunc(s.authed(s.updateItem))
	api.Methods(http.MethodDelete).Path("/lists/{list}/items/{item}").HandlerFunc(s.authed(s.deleteItem))
	api.Methods(http.MethodPost).Path("/lists/{list}/collaborators").HandlerFunc(s.authed(s.addCollaborator))
	api.Methods(http.MethodDelete).Path("/lists/{list}/collaborators").HandlerFunc(s.authed(s.removeCollaborator))
	api.Methods(http.MethodPut).Path("/lists/{list}/collaborators").HandlerFunc(s.authed(s.updatePermission))
	return r
}

func (s *Server) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		route := "unmatched"
		if cr := mux.CurrentRoute(request); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		s.metrics.requests.WithLabelValues(request.Method, route, strconv.Itoa(m.Code)).Inc()
		s.metrics.duration.WithLabelValues(request.Method, route).Observe(m.Duration.Seconds())
		s.logger.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type handlerFunc func(r *http.Request, user account) (int, any, error)

func (s *Server) authed(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.state.authenticate(bearer(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		code, out, err := fn(r, user)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, code, out)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apiError
	if !errors.As(err, &ae) {
		s.logger.Error("request failed", "method", r.Method, "url", r.URL.Path, "err", err)
		ae = &apiError{code: http.StatusInternalServerError, msg: "Internal server error"}
	}
	s.writeJSON(w, ae.code, map[string]string{"message": ae.msg})
}

func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(into); err != nil {
		return fail(http.StatusBadRequest, "Invalid request body")
	}
	return nil
}

func listID(r *http.Request) string {
	return mux.Vars(r)["list"]
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, tok, err := s.state.register(in.Name, in.Email, in.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("registered", "user", a.ID, "email", a.Email)
	s.writeJSON(w, http.StatusCreated, gateway.AuthResponse{User: publicUser(a), Token: tok})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, tok, err := s.state.login(in.Email, in.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, gateway.AuthResponse{User: publicUser(a), Token: tok})
}

func publicUser(a account) gateway.User {
	return gateway.User{ID: a.ID, Name: a.Name, Email: a.Email}
}

func (s *Server) me(_ *http.Request, user account) (int, any, error) {
	return http.StatusOK, publicUser(user), nil
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.state.authenticate(bearer(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.serve(w, r, user.ID)
}

func (s *Server) getAllLists(_ *http.Request, user account) (int, any, error) {
	return http.StatusOK, s.state.collection(user.ID), nil
}

func (s *Server) createList(r *http.Request, user account) (int, any, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	l := s.state.create(user.ID, in.Name)
	return http.StatusCreated, gateway.Created{ID: l.ID, Name: l.Name}, nil
}

func (s *Server) getList(r *http.Request, user account) (int, any, error) {
	l, err := s.state.get(user.ID, listID(r))
	return http.StatusOK, l, err
}

func (s *Server) renameList(r *http.Request, user account) (int, any, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	l, err := s.state.rename(user.ID, listID(r), in.Name)
	return http.StatusOK, l, err
}

func (s *Server) deleteList(r *http.Request, user account) (int, any, error) {
	if err := s.state.remove(user.ID, listID(r)); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]string{"message": "List deleted"}, nil
}

func (s *Server) archiveList(r *http.Request, user account) (int, any, error) {
	var in struct {
		Archived bool `json:"archived"`
	}
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	l, err := s.state.setArchived(user.ID, listID(r), in.Archived)
	return http.StatusOK, l, err
}

func (s *Server) pinList(r *http.Request, user account) (int, any, error) {
	var in struct {
		Pinned bool `json:"pinned"`
	}
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	l, err := s.state.setPinned(user.ID, listID(r), in.Pinned)
	return http.StatusOK, l, err
}

func (s *Server) addItem(r *http.Request, user account) (int, any, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	l, err := s.state.addItem(user.ID, listID(r), in.Text)
	return http.StatusCreated, l, err
}

func (s *Server) updateItem(r *http.Request, user account) (int, any, error) {
	var in gateway.ItemUpdate
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	l, err := s.state.updateItem(user.ID, listID(r), mux.Vars(r)["item"], in.Text, in.Completed)
	return http.StatusOK, l, err
}

func (s *Server) deleteItem(r *http.Request, user account) (int, any, error) {
	l, err := s.state.deleteItem(user.ID, listID(r), mux.Vars(r)["item"])
	return http.StatusOK, l, err
}

func (s *Server) reorderItems(r *http.Request, user account) (int, any, error) {
	var in struct {
		ItemIDs []string `json:"itemIds"`
	}
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	l, err := s.state.reorderItems(user.ID, listID(r), in.ItemIDs)
	return http.StatusOK, l, err
}

type collaboratorBody struct {
	Email      string           `json:"email"`
	Permission lists.Permission `json:"permission"`
}

func (s *Server) addCollaborator(r *http.Request, user account) (int, any, error) {
	var in collaboratorBody
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	l, err := s.state.addCollaborator(user.ID, listID(r), in.Email)
	return http.StatusOK, l, err
}

func (s *Server) removeCollaborator(r *http.Request, user account) (int, any, error) {
	var in collaboratorBody
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	l, err := s.state.removeCollaborator(user.ID, listID(r), in.Email)
	return http.StatusOK, l, err
}

func (s *Server) updatePermission(r *http.Request, user account) (int, any, error) {
	var in collaboratorBody
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	l, err := s.state.setPermission(user.ID, listID(r), in.Email, in.Permission)
	return http.StatusOK, l, err
}

func (s *Server) reorderLists(r *http.Request, user account) (int, any, error) {
	var in struct {
		ListIDs []string `json:"listIds"`
	}
	if err := decode(r, &in); err != nil {
		return 0, nil, err
	}
	out, err := s.state.reorderLists(user.ID, in.ListIDs)
	return http.StatusOK, out, err
}
