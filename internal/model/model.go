// Package model holds the wire types shared by the credential store, the API
// client and the state objects built on top of them.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Profile struct {
	Bio                string   `json:"bio,omitempty"`
	Avatar             string   `json:"avatar,omitempty"`
	FavoriteCharacters []string `json:"favorite_characters,omitempty"`
}

// UserSummary is the signed-in user's profile. It is replaced wholesale on
// login and on revalidation, never patched field by field.
type UserSummary struct {
	ID         string  `json:"id"`
	Email      string  `json:"email"`
	Username   string  `json:"username"`
	FullName   string  `json:"full_name"`
	Profile    Profile `json:"profile"`
	IsVerified *bool   `json:"is_verified,omitempty"`
	CreatedAt  *Time   `json:"created_at,omitempty"`
}

// Valid reports whether the summary carries the fields a session needs.
func (u UserSummary) Valid() bool {
	return strings.TrimSpace(u.ID) != "" && strings.TrimSpace(u.Email) != ""
}

type Character struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Avatar          string   `json:"avatar"`
	Greeting        string   `json:"greeting"`
	SampleResponses []string `json:"sample_responses"`
}

type CharacterRef struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type ChatSession struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Character CharacterRef `json:"character"`
	CreatedAt Time         `json:"created_at"`
	UpdatedAt Time         `json:"updated_at"`
}

type CreatedSession struct {
	SessionID string    `json:"session_id"`
	Character Character `json:"character"`
	Greeting  string    `json:"greeting"`
}

type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAI    SenderType = "ai"
	SenderAdmin SenderType = "admin"
)

func (s *SenderType) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch SenderType(raw) {
	case SenderUser, SenderAI, SenderAdmin:
		*s = SenderType(raw)
		return nil
	default:
		return fmt.Errorf("unknown sender_type %q", raw)
	}
}

type Message struct {
	ID         string     `json:"id"`
	SenderType SenderType `json:"sender_type"`
	Content    string     `json:"content"`
	Timestamp  Time       `json:"timestamp"`
}

// Exchange is the pair the server returns for one user send.
type Exchange struct {
	UserMessage *Message `json:"user_message"`
	AIMessage   *Message `json:"ai_message"`
}

type Timeline struct {
	Messages []Message   `json:"messages"`
	Session  ChatSession `json:"session"`
}

type UserDetail struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// AdminSessionView is assembled only for the admin channel and is never
// cached between inspections.
type AdminSessionView struct {
	Session   ChatSession  `json:"session"`
	User      UserDetail   `json:"user"`
	Character CharacterRef `json:"character"`
	Messages  []Message    `json:"messages"`
}

type AdminSessionSummary struct {
	SessionID       string       `json:"session_id"`
	Title           string       `json:"title"`
	User            UserDetail   `json:"user"`
	Character       CharacterRef `json:"character"`
	MessageCount    int          `json:"message_count"`
	LastMessage     string       `json:"last_message"`
	LastMessageTime *Time        `json:"last_message_time"`
	CreatedAt       Time         `json:"created_at"`
	UpdatedAt       Time         `json:"updated_at"`
}

type AdminUser struct {
	ID            string `json:"_id"`
	Email         string `json:"email"`
	Username      string `json:"username"`
	FullName      string `json:"full_name"`
	IsAdmin       bool   `json:"is_admin"`
	IsVerified    bool   `json:"is_verified"`
	TotalSessions int    `json:"total_sessions"`
	TotalMessages int    `json:"total_messages"`
	CreatedAt     *Time  `json:"created_at"`
	LastLogin     *Time  `json:"last_login"`
}

type AdminStats struct {
	TotalUsers       int `json:"total_users"`
	TotalSessions    int `json:"total_sessions"`
	TotalMessages    int `json:"total_messages"`
	ActiveUsersToday int `json:"active_users_today"`
}

type AdminMessage struct {
	MessageID  string     `json:"message_id"`
	SenderType SenderType `json:"sender_type"`
	Content    string     `json:"content"`
	Timestamp  Time       `json:"timestamp"`
}

// Time accepts RFC 3339 and the zone-less ISO form the backend emits for UTC.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *Time) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", raw)
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
