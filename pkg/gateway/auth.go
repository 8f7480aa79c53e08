package gateway

import (
	"context"
	"net/http"
)

type User struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AuthResponse is the reply to login and register. Token is the bearer token for later calls.
type AuthResponse struct {
	User
	Token string `json:"token"`
}

func (c *Client) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	var out AuthResponse
	err := c.do(ctx, http.MethodPost, []string{"auth", "login"}, map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	return out, err
}

func (c *Client) Register(ctx context.Context, name, email, password string) (AuthResponse, error) {
	var out AuthResponse
	err := c.do(ctx, http.MethodPost, []string{"auth", "register"}, map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	}, &out)
	return out, err
}

func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, []string{"users", "me"}, nil, &out)
	return out, err
}
