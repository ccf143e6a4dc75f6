package api

import (
	"context"
	"net/http"

	"kesepian/internal/model"
)

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type LoginResult struct {
	AccessToken string            `json:"access_token"`
	User        model.UserSummary `json:"user"`
}

// Register returns the server's confirmation message.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (string, error) {
	env, err := c.call(ctx, "auth.register", http.MethodPost, "/api/auth/register", req, nil)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var out LoginResult
	body := map[string]string{"email": email, "password": password}
	if _, err := c.call(ctx, "auth.login", http.MethodPost, "/api/auth/login", body, &out); err != nil {
		return LoginResult{}, err
	}
	if out.AccessToken == "" || !out.User.Valid() {
		return LoginResult{}, &Error{Kind: KindDecode, Status: http.StatusOK, Message: "login response is missing the token or user"}
	}
	return out, nil
}

func (c *Client) VerifyEmail(ctx context.Context, token string) (string, error) {
	env, err := c.call(ctx, "auth.verify_email", http.MethodPost, "/api/auth/verify-email", map[string]string{"token": token}, nil)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

func (c *Client) ForgotPassword(ctx context.Context, email string) (string, error) {
	env, err := c.call(ctx, "auth.forgot_password", http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": email}, nil)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

func (c *Client) ResetPassword(ctx context.Context, token, password string) (string, error) {
	body := map[string]string{"token": token, "password": password}
	env, err := c.call(ctx, "auth.reset_password", http.MethodPost, "/api/auth/reset-password", body, nil)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

// Me fetches the current user for the bearer token.
func (c *Client) Me(ctx context.Context) (model.UserSummary, error) {
	var out struct {
		User model.UserSummary `json:"user"`
	}
	if _, err := c.call(ctx, "auth.me", http.MethodGet, "/api/auth/me", nil, &out); err != nil {
		return model.UserSummary{}, err
	}
	if !out.User.Valid() {
		return model.UserSummary{}, &Error{Kind: KindDecode, Status: http.StatusOK, Message: "me response has no user"}
	}
	return out.User, nil
}
