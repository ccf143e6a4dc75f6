package api

import (
	"context"
	"net/http"
	"net/url"

	"kesepian/internal/model"
)

func (c *Client) Characters(ctx context.Context) ([]model.Character, error) {
	var out struct {
		Characters []model.Character `json:"characters"`
	}
	if _, err := c.call(ctx, "chat.characters", http.MethodGet, "/api/chat/characters", nil, &out); err != nil {
		return nil, err
	}
	return out.Characters, nil
}

func (c *Client) Sessions(ctx context.Context) ([]model.ChatSession, error) {
	var out struct {
		Sessions []model.ChatSession `json:"sessions"`
	}
	if _, err := c.call(ctx, "chat.sessions", http.MethodGet, "/api/chat/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) CreateSession(ctx context.Context, characterID string) (model.CreatedSession, error) {
	var out model.CreatedSession
	body := map[string]string{"character_id": characterID}
	if _, err := c.call(ctx, "chat.create_session", http.MethodPost, "/api/chat/sessions", body, &out); err != nil {
		return model.CreatedSession{}, err
	}
	if out.SessionID == "" {
		return model.CreatedSession{}, &Error{Kind: KindDecode, Status: http.StatusCreated, Message: "create response has no session id"}
	}
	return out, nil
}

// Messages loads a session's timeline together with its metadata.
func (c *Client) Messages(ctx context.Context, sessionID string) (model.Timeline, error) {
	var out model.Timeline
	path := "/api/chat/sessions/" + url.PathEscape(sessionID) + "/messages"
	if _, err := c.call(ctx, "chat.messages", http.MethodGet, path, nil, &out); err != nil {
		return model.Timeline{}, err
	}
	return out, nil
}

// SendMessage posts one user message and returns the persisted user message
// with the AI reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (model.Exchange, error) {
	var out model.Exchange
	path := "/api/chat/sessions/" + url.PathEscape(sessionID) + "/messages"
	if _, err := c.call(ctx, "chat.send", http.MethodPost, path, map[string]string{"message": text}, &out); err != nil {
		return model.Exchange{}, err
	}
	if out.UserMessage == nil || out.AIMessage == nil {
		return model.Exchange{}, &Error{Kind: KindDecode, Status: http.StatusOK, Message: "send response is missing a message"}
	}
	return out, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "chat.delete_session", http.MethodDelete, "/api/chat/sessions/"+url.PathEscape(sessionID), nil, nil)
	return err
}
