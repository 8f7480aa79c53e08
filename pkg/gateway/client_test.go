package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/keeplists/pkg/lists"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			assert.NoError(t, json.Unmarshal(raw, &rec.body))
		}
		calls = append(calls, rec)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/api", opts...)
	require.NoError(t, err)
	return c, &calls
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_Routes(t *testing.T) {
	reply := lists.List{ID: "L1", Name: "Groceries", Owner: "u1"}
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/lists":
			writeJSON(w, http.StatusCreated, Created{ID: "L1", Name: "Groceries"})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/lists/L1":
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/api/lists" || r.URL.Path == "/api/lists/reorder":
			writeJSON(w, http.StatusOK, []lists.List{reply})
		default:
			writeJSON(w, http.StatusOK, reply)
		}
	}, WithToken(func() string { return "tok" }))

	ctx := context.Background()
	completed := true
	text := "Milk"

	created, err := c.CreateList(ctx, "Groceries")
	require.NoError(t, err)
	assert.Equal(t, Created{ID: "L1", Name: "Groceries"}, created)

	_, err = c.GetAllLists(ctx)
	require.NoError(t, err)
	_, err = c.GetList(ctx, "L1")
	require.NoError(t, err)
	_, err = c.UpdateListName(ctx, "L1", "Food")
	require.NoError(t, err)
	require.NoError(t, c.DeleteList(ctx, "L1"))
	_, err = c.AddItem(ctx, "L1", "Milk")
	require.NoError(t, err)
	_, err = c.UpdateItem(ctx, "L1", "i1", ItemUpdate{Completed: &completed})
	require.NoError(t, err)
	_, err = c.UpdateItem(ctx, "L1", "i1", ItemUpdate{Text: &text})
	require.NoError(t, err)
	_, err = c.DeleteItem(ctx, "L1", "i1")
	require.NoError(t, err)
	_, err = c.ReorderItems(ctx, "L1", []string{"i2", "i1"})
	require.NoError(t, err)
	_, err = c.ArchiveList(ctx, "L1", true)
	require.NoError(t, err)
	_, err = c.PinList(ctx, "L1", false)
	require.NoError(t, err)
	_, err = c.AddCollaborator(ctx, "L1", "a@example.com")
	require.NoError(t, err)
	_, err = c.RemoveCollaborator(ctx, "L1", "a@example.com")
	require.NoError(t, err)
	_, err = c.UpdateCollaboratorPermission(ctx, "L1", "a@example.com", lists.PermissionView)
	require.NoError(t, err)
	got, err := c.ReorderLists(ctx, []string{"L1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"L1"}, lists.IDs(got))

	want := []struct {
		method string
		path   string
		body   map[string]any
	}{
		{http.MethodPost, "/api/lists", map[string]any{"name": "Groceries"}},
		{http.MethodGet, "/api/lists", nil},
		{http.MethodGet, "/api/lists/L1", nil},
		{http.MethodPut, "/api/lists/L1", map[string]any{"name": "Food"}},
		{http.MethodDelete, "/api/lists/L1", nil},
		{http.MethodPost, "/api/lists/L1/items", map[string]any{"text": "Milk"}},
		{http.MethodPut, "/api/lists/L1/items/i1", map[string]any{"completed": true}},
		{http.MethodPut, "/api/lists/L1/items/i1", map[string]any{"text": "Milk"}},
		{http.MethodDelete, "/api/lists/L1/items/i1", nil},
		{http.MethodPut, "/api/lists/L1/items/reorder", map[string]any{"itemIds": []any{"i2", "i1"}}},
		{http.MethodPut, "/api/lists/L1/archive", map[string]any{"archived": true}},
		{http.MethodPut, "/api/lists/L1/pin", map[string]any{"pinned": false}},
		{http.MethodPost, "/api/lists/L1/collaborators", map[string]any{"email": "a@example.com"}},
		{http.MethodDelete, "/api/lists/L1/collaborators", map[string]any{"email": "a@example.com"}},
		{http.MethodPut, "/api/lists/L1/collaborators", map[string]any{"email": "a@example.com", "permission": "view"}},
		{http.MethodPut, "/api/lists/reorder", map[string]any{"listIds": []any{"L1"}}},
	}
	require.Len(t, *calls, len(want))
	for i, w := range want {
		got := (*calls)[i]
		assert.Equal(t, w.method, got.method, "call %d", i)
		assert.Equal(t, w.path, got.path, "call %d", i)
		assert.Equal(t, w.body, got.body, "call %d", i)
		assert.Equal(t, "Bearer tok", got.auth, "call %d", i)
	}
}

func TestClient_NormalizesLists(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, lists.List{
			ID:    "L1",
			Owner: "u1",
			Collaborators: []lists.Grant{
				{User: lists.UserRef{ID: "u1"}, Permission: lists.PermissionEdit},
				{User: lists.UserRef{ID: "u2"}, Permission: lists.PermissionView},
			},
			Items: []lists.Item{{ID: "b", Order: 1}, {ID: "a", Order: 0}},
		})
	})

	l, err := c.GetList(context.Background(), "L1")
	require.NoError(t, err)
	require.Len(t, l.Collaborators, 1)
	assert.Equal(t, "u2", l.Collaborators[0].User.ID)
	assert.Equal(t, []string{"a", "b"}, l.ItemIDs())
}

func TestClient_ErrorMapping(t *testing.T) {
	testCases := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusBadRequest, ErrValidation},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
	}
	for _, tc := range testCases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.code, map[string]string{"message": "User not found"})
			})
			_, err := c.GetList(context.Background(), "L1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.code, se.Code)
			assert.Equal(t, "User not found", Message(err, "fallback"))
		})
	}
}

func TestClient_UnauthorizedHook(t *testing.T) {
	fired := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, WithUnauthorizedHook(func() { fired++ }))

	_, err := c.GetAllLists(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, fired)
	assert.Equal(t, "fallback", Message(err, "fallback"))
}

func TestClient_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.GetAllLists(context.Background())
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, "transient", Kind(err))
}

func TestClient_Auth(t *testing.T) {
	r := mux.NewRouter()
	r.Methods(http.MethodPost).Path("/api/auth/login").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, AuthResponse{User: User{ID: "u1", Name: "Ann", Email: "ann@example.com"}, Token: "t1"})
	})
	r.Methods(http.MethodGet).Path("/api/users/me").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, User{ID: "u1", Name: "Ann", Email: "ann@example.com"})
	})
	c, _ := newTestClient(t, r.ServeHTTP)

	resp, err := c.Login(context.Background(), "ann@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "t1", resp.Token)
	assert.Equal(t, "u1", resp.ID)

	me, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ann", me.Name)
}

func TestNewClient_RejectsBadScheme(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "none", Kind(nil))
	assert.Equal(t, "forbidden", Kind(&StatusError{Code: http.StatusForbidden}))
	assert.Equal(t, "other", Kind(errors.New("boom")))
}
