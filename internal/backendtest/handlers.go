package backendtest

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"kesepian/internal/model"
)

func userJSON(u *User) map[string]any {
	return map[string]any{
		"id":          u.ID,
		"email":       u.Email,
		"username":    u.Username,
		"full_name":   u.FullName,
		"profile":     map[string]any{},
		"is_verified": u.IsVerified,
		"created_at":  model.Time{Time: u.CreatedAt},
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	for _, field := range []string{"email", "username", "password", "full_name"} {
		if strings.TrimSpace(body[field]) == "" {
			writeError(w, http.StatusBadRequest, field+" wajib diisi")
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, body["email"]) {
			writeError(w, http.StatusBadRequest, "Email sudah terdaftar")
			return
		}
		if strings.EqualFold(u.Username, body["username"]) {
			writeError(w, http.StatusBadRequest, "Username sudah digunakan")
			return
		}
	}
	u := s.addUserLocked(User{
		Email:    strings.TrimSpace(body["email"]),
		Username: strings.TrimSpace(body["username"]),
		FullName: strings.TrimSpace(body["full_name"]),
		Password: body["password"],
	})
	s.verifyCodes[newID()] = u.ID
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Registrasi berhasil! Silakan cek email untuk verifikasi.",
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(body["email"])) && u.Password == body["password"] {
			u.LastLogin = s.now()
			writeData(w, http.StatusOK, map[string]any{
				"access_token": s.mint(u.ID),
				"user":         userJSON(u),
			})
			return
		}
	}
	writeError(w, http.StatusUnauthorized, "Email atau password salah")
}

func (s *Server) verifyEmail(w http.ResponseWriter, r *http.Request) {
	code := decodeBody(r)["token"]

	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.verifyCodes[code]
	if !ok {
		writeError(w, http.StatusBadRequest, "Token verifikasi tidak valid")
		return
	}
	delete(s.verifyCodes, code)
	if u, ok := s.users[userID]; ok {
		u.IsVerified = true
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Email berhasil diverifikasi"})
}

func (s *Server) forgotPassword(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(decodeBody(r)["email"])

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			s.resetCodes[newID()] = u.ID
		}
	}
	// The answer never reveals whether the address is registered.
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Jika email terdaftar, link reset telah dikirim"})
}

func (s *Server) resetPassword(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	if len(body["password"]) < 6 {
		writeError(w, http.StatusBadRequest, "Password minimal 6 karakter")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.resetCodes[body["token"]]
	if !ok {
		writeError(w, http.StatusBadRequest, "Token reset tidak valid")
		return
	}
	delete(s.resetCodes, body["token"])
	if u, ok := s.users[userID]; ok {
		u.Password = body["password"]
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Password berhasil direset"})
}

func (s *Server) me(w http.ResponseWriter, _ *http.Request, u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeData(w, http.StatusOK, map[string]any{"user": userJSON(u)})
}

func (s *Server) listCharacters(w http.ResponseWriter, _ *http.Request, _ *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeData(w, http.StatusOK, map[string]any{"characters": s.characters})
}

func (s *Server) characterLocked(id string) (model.Character, bool) {
	for _, c := range s.characters {
		if c.ID == id {
			return c, true
		}
	}
	return model.Character{}, false
}

func (s *Server) sessionJSONLocked(cs *chatSession) model.ChatSession {
	c, _ := s.characterLocked(cs.characterID)
	return model.ChatSession{
		ID:        cs.id,
		Title:     cs.title,
		Character: model.CharacterRef{ID: c.ID, Name: c.Name, Avatar: c.Avatar},
		CreatedAt: model.Time{Time: cs.createdAt},
		UpdatedAt: model.Time{Time: cs.updatedAt},
	}
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request, u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.ChatSession{}
	for _, cs := range s.sessions {
		if cs.userID == u.ID {
			out = append(out, s.sessionJSONLocked(cs))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt.Time) })
	writeData(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, u *User) {
	characterID := decodeBody(r)["character_id"]
	if characterID == "" {
		writeError(w, http.StatusBadRequest, "Character ID wajib diisi")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.characterLocked(characterID)
	if !ok {
		writeError(w, http.StatusNotFound, "Karakter tidak ditemukan")
		return
	}
	id := s.addSessionLocked(u.ID, c)
	writeData(w, http.StatusCreated, map[string]any{
		"session_id": id,
		"character":  c,
		"greeting":   c.Greeting,
	})
}

// ownSessionLocked resolves a session the caller owns.
func (s *Server) ownSessionLocked(r *http.Request, u *User) (*chatSession, bool) {
	cs, ok := s.sessions[chi.URLParam(r, "id")]
	if !ok || cs.userID != u.ID {
		return nil, false
	}
	return cs, true
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request, u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.ownSessionLocked(r, u)
	if !ok {
		writeError(w, http.StatusNotFound, "Sesi chat tidak ditemukan")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"messages": s.messagesLocked(cs.id),
		"session":  s.sessionJSONLocked(cs),
	})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, u *User) {
	text := strings.TrimSpace(decodeBody(r)["message"])
	if text == "" {
		writeError(w, http.StatusBadRequest, "Pesan tidak boleh kosong")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.ownSessionLocked(r, u)
	if !ok {
		writeError(w, http.StatusNotFound, "Sesi chat tidak ditemukan")
		return
	}
	c, _ := s.characterLocked(cs.characterID)
	userMsg := s.appendLocked(cs, model.SenderUser, text)
	aiMsg := s.appendLocked(cs, model.SenderAI, replyFor(c, len(s.messages[cs.id])))
	writeData(w, http.StatusOK, map[string]any{
		"user_message": userMsg,
		"ai_message":   aiMsg,
	})
}

func replyFor(c model.Character, n int) string {
	if len(c.SampleResponses) == 0 {
		return "..."
	}
	return c.SampleResponses[n%len(c.SampleResponses)]
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.ownSessionLocked(r, u)
	if !ok {
		writeError(w, http.StatusNotFound, "Sesi chat tidak ditemukan")
		return
	}
	s.removeSessionLocked(cs.id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Sesi chat berhasil dihapus"})
}

func (s *Server) adminCheck(w http.ResponseWriter, _ *http.Request, u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "is_admin": u.IsAdmin})
}

func (s *Server) adminStats(w http.ResponseWriter, _ *http.Request, _ *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, msgs := range s.messages {
		total += len(msgs)
	}
	active := 0
	for _, u := range s.users {
		if !u.LastLogin.IsZero() {
			active++
		}
	}
	writeData(w, http.StatusOK, model.AdminStats{
		TotalUsers:       len(s.users),
		TotalSessions:    len(s.sessions),
		TotalMessages:    total,
		ActiveUsersToday: active,
	})
}

func (s *Server) adminSessions(w http.ResponseWriter, _ *http.Request, _ *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.AdminSessionSummary{}
	for _, cs := range s.sessions {
		owner := s.users[cs.userID]
		c, _ := s.characterLocked(cs.characterID)
		summary := model.AdminSessionSummary{
			SessionID:    cs.id,
			Title:        cs.title,
			User:         detailOf(owner),
			Character:    model.CharacterRef{Name: c.Name, Avatar: c.Avatar},
			MessageCount: len(s.messages[cs.id]),
			CreatedAt:    model.Time{Time: cs.createdAt},
			UpdatedAt:    model.Time{Time: cs.updatedAt},
		}
		if msgs := s.messages[cs.id]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			summary.LastMessage = last.Content
			summary.LastMessageTime = &model.Time{Time: last.Timestamp.Time}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt.Time) })
	writeData(w, http.StatusOK, map[string]any{"sessions": out, "total": len(out)})
}

func detailOf(u *User) model.UserDetail {
	if u == nil {
		return model.UserDetail{Username: "Unknown"}
	}
	return model.UserDetail{ID: u.ID, Username: u.Username, Email: u.Email, FullName: u.FullName}
}

func (s *Server) adminSessionView(w http.ResponseWriter, r *http.Request, _ *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "Session tidak ditemukan")
		return
	}
	c, _ := s.characterLocked(cs.characterID)
	writeData(w, http.StatusOK, model.AdminSessionView{
		Session:   s.sessionJSONLocked(cs),
		User:      detailOf(s.users[cs.userID]),
		Character: model.CharacterRef{Name: c.Name, Avatar: c.Avatar},
		Messages:  s.messagesLocked(cs.id),
	})
}

func (s *Server) adminTakeover(w http.ResponseWriter, r *http.Request, _ *User) {
	text := strings.TrimSpace(decodeBody(r)["message"])
	if text == "" {
		writeError(w, http.StatusBadRequest, "Pesan tidak boleh kosong")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "Session tidak ditemukan")
		return
	}
	msg := s.appendLocked(cs, model.SenderAdmin, text)
	writeData(w, http.StatusCreated, model.AdminMessage{
		MessageID:  msg.ID,
		SenderType: msg.SenderType,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
	})
}

func (s *Server) adminDeleteSession(w http.ResponseWriter, r *http.Request, _ *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	if _, ok := s.sessions[id]; !ok {
		writeError(w, http.StatusNotFound, "Session tidak ditemukan")
		return
	}
	s.removeSessionLocked(id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Session berhasil dihapus"})
}

func (s *Server) adminUsers(w http.ResponseWriter, _ *http.Request, _ *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.AdminUser{}
	for _, u := range s.users {
		sessions, messages := 0, 0
		for _, cs := range s.sessions {
			if cs.userID == u.ID {
				sessions++
				messages += len(s.messages[cs.id])
			}
		}
		au := model.AdminUser{
			ID:            u.ID,
			Email:         u.Email,
			Username:      u.Username,
			FullName:      u.FullName,
			IsAdmin:       u.IsAdmin,
			IsVerified:    u.IsVerified,
			TotalSessions: sessions,
			TotalMessages: messages,
			CreatedAt:     &model.Time{Time: u.CreatedAt},
		}
		if !u.LastLogin.IsZero() {
			au.LastLogin = &model.Time{Time: u.LastLogin}
		}
		out = append(out, au)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt.Time) })
	writeData(w, http.StatusOK, map[string]any{"users": out, "total": len(out)})
}

func (s *Server) adminDeleteUser(w http.ResponseWriter, r *http.Request, _ *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "User tidak ditemukan")
		return
	}
	if strings.EqualFold(u.Email, OwnerEmail) {
		writeError(w, http.StatusForbidden, "Tidak bisa menghapus admin utama")
		return
	}
	for id, cs := range s.sessions {
		if cs.userID == u.ID {
			s.removeSessionLocked(id)
		}
	}
	delete(s.users, u.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "User berhasil dihapus"})
}

func (s *Server) adminToggleAdmin(w http.ResponseWriter, r *http.Request, _ *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "User tidak ditemukan")
		return
	}
	if strings.EqualFold(u.Email, OwnerEmail) {
		writeError(w, http.StatusForbidden, "Tidak bisa mengubah role admin utama")
		return
	}
	u.IsAdmin = !u.IsAdmin
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Role admin diperbarui", "is_admin": u.IsAdmin})
}
