package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/astromechza/keeplists/pkg/devserver"
	"github.com/astromechza/keeplists/pkg/reconcile"
)

type cli struct {
	base []string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	srv, err := devserver.New(devserver.Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		PasswordCost: bcrypt.MinCost,
	})
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Close()
	})
	return &cli{base: []string{
		"--api", hs.URL + "/api",
		"--socket", "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
		"--log-level", "error",
	}}
}

func (c *cli) run(args ...string) (string, error) {
	var out bytes.Buffer
	root := newRootCmd(&out, io.Discard)
	root.SetArgs(append(append([]string{}, c.base...), args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) must(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.run(args...)
	require.NoError(t, err, "keep %s", strings.Join(args, " "))
	return strings.TrimSpace(out)
}

func TestCLI_ListLifecycle(t *testing.T) {
	c := newCLI(t)
	token := c.must(t, "--email", "alice@example.com", "--password", "pw", "register", "Alice")
	require.NotEmpty(t, token)
	assert.NotEmpty(t, c.must(t, "--email", "alice@example.com", "--password", "pw", "login"))
	c.base = append(c.base, "--token", token)

	id := c.must(t, "create", "Groceries", "Milk", "Eggs")
	require.NotEmpty(t, id)

	c.must(t, "toggle", id, "1")
	c.must(t, "add", id, "Bread")
	c.must(t, "edit-item", id, "2", "Free range eggs")
	c.must(t, "move", id, "3", "1")
	shown := c.must(t, "show", id)
	assert.Equal(t, strings.Join([]string{
		"Groceries (" + id + ", owner)",
		"  1. [ ] Bread",
		"  2. [x] Milk",
		"  3. [ ] Free range eggs",
	}, "\n"), shown)

	c.must(t, "remove-item", id, "1")
	c.must(t, "rename", id, "Food")
	c.must(t, "pin", id)
	out := c.must(t, "lists", "--search", "milk")
	assert.Contains(t, out, "pinned:")
	assert.Contains(t, out, "Food\t1/2\towner")

	c.must(t, "archive", id)
	assert.Equal(t, "no lists", c.must(t, "lists"))
	assert.Contains(t, c.must(t, "lists", "--view", "archived"), id)

	c.must(t, "delete", id)
	assert.Equal(t, "no lists", c.must(t, "lists", "--view", "archived"))
}

func TestCLI_Sharing(t *testing.T) {
	c := newCLI(t)
	c.must(t, "--email", "bob@example.com", "--password", "pw", "register", "Bob")
	alice := c.must(t, "--email", "alice@example.com", "--password", "pw", "register", "Alice")
	bob := []string{"--email", "bob@example.com", "--password", "pw"}

	id := c.must(t, "--token", alice, "create", "Trip", "Passport")
	c.must(t, "--token", alice, "share", "--permission", "view", id, "bob@example.com")
	assert.Contains(t, c.must(t, "--token", alice, "show", id), "shared with Bob <bob@example.com> (view)")

	out := c.must(t, append(bob, "lists", "--view", "collaborated")...)
	assert.Contains(t, out, "shared:")
	assert.Contains(t, out, "Trip\t0/1\tviewer")

	_, err := c.run(append(bob, "toggle", id, "1")...)
	assert.ErrorIs(t, err, reconcile.ErrReadOnly)

	c.must(t, "--token", alice, "permission", id, "bob@example.com", "edit")
	c.must(t, append(bob, "toggle", id, "1")...)

	c.must(t, "--token", alice, "unshare", id, "bob@example.com")
	assert.Equal(t, "no lists", c.must(t, append(bob, "lists")...))
}

func TestCLI_Errors(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("lists")
	assert.ErrorContains(t, err, "KEEP_TOKEN")

	_, err = c.run("--log-level", "loud", "lists")
	assert.ErrorContains(t, err, "invalid config")

	token := c.must(t, "--email", "alice@example.com", "--password", "pw", "register", "Alice")
	_, err = c.run("--token", token, "show", "missing")
	assert.ErrorIs(t, err, reconcile.ErrUnknownList)
	_, err = c.run("--token", token, "lists", "--view", "trash")
	assert.ErrorContains(t, err, "unknown view")
}
