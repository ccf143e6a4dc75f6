package api

import (
	"context"
	"net/http"
	"net/url"

	"kesepian/internal/model"
)

// AdminCheck asks the backend whether the bearer is an admin. The answer sits
// beside the envelope fields rather than under data.
func (c *Client) AdminCheck(ctx context.Context) (bool, error) {
	env, err := c.call(ctx, "admin.check", http.MethodGet, "/api/admin/check", nil, nil)
	if err != nil {
		return false, err
	}
	return env.IsAdmin != nil && *env.IsAdmin, nil
}

func (c *Client) AdminStats(ctx context.Context) (model.AdminStats, error) {
	var out model.AdminStats
	if _, err := c.call(ctx, "admin.stats", http.MethodGet, "/api/admin/stats", nil, &out); err != nil {
		return model.AdminStats{}, err
	}
	return out, nil
}

func (c *Client) AdminSessions(ctx context.Context) ([]model.AdminSessionSummary, error) {
	var out struct {
		Sessions []model.AdminSessionSummary `json:"sessions"`
	}
	if _, err := c.call(ctx, "admin.sessions", http.MethodGet, "/api/admin/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) AdminSessionView(ctx context.Context, sessionID string) (model.AdminSessionView, error) {
	var out model.AdminSessionView
	path := "/api/admin/sessions/" + url.PathEscape(sessionID) + "/messages"
	if _, err := c.call(ctx, "admin.session_view", http.MethodGet, path, nil, &out); err != nil {
		return model.AdminSessionView{}, err
	}
	return out, nil
}

func (c *Client) AdminTakeover(ctx context.Context, sessionID, text string) (model.AdminMessage, error) {
	var out model.AdminMessage
	path := "/api/admin/sessions/" + url.PathEscape(sessionID) + "/takeover"
	if _, err := c.call(ctx, "admin.takeover", http.MethodPost, path, map[string]string{"message": text}, &out); err != nil {
		return model.AdminMessage{}, err
	}
	return out, nil
}

func (c *Client) AdminDeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "admin.delete_session", http.MethodDelete, "/api/admin/sessions/"+url.PathEscape(sessionID), nil, nil)
	return err
}

func (c *Client) AdminUsers(ctx context.Context) ([]model.AdminUser, error) {
	var out struct {
		Users []model.AdminUser `json:"users"`
	}
	if _, err := c.call(ctx, "admin.users", http.MethodGet, "/api/admin/users", nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func (c *Client) AdminDeleteUser(ctx context.Context, userID string) error {
	_, err := c.call(ctx, "admin.delete_user", http.MethodDelete, "/api/admin/users/"+url.PathEscape(userID), nil, nil)
	return err
}

// AdminToggleAdmin flips the user's role and returns the new value.
func (c *Client) AdminToggleAdmin(ctx context.Context, userID string) (bool, error) {
	path := "/api/admin/users/" + url.PathEscape(userID) + "/toggle-admin"
	env, err := c.call(ctx, "admin.toggle_admin", http.MethodPut, path, nil, nil)
	if err != nil {
		return false, err
	}
	return env.IsAdmin != nil && *env.IsAdmin, nil
}
