package http

import (
	"net/http"

	"spendwise/internal/log"
)

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type changePasswordRequest struct {
	Current string `json:"current_password"`
	Next    string `json:"new_password"`
}

type confirmResetRequest struct {
	Token    string `json:"token"`
	Password string `json:"new_password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type profileRequest struct {
	DisplayName string `json:"display_name"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "signup", err)
		return
	}
	id, err := s.auth.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		writeError(w, r, "signup", err)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Account created", log.FieldUserID, id.UserID)
	writeJSON(w, http.StatusCreated, id)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "login", err)
		return
	}
	id, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context()); err != nil {
		writeError(w, r, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResetPassword answers 202 whether or not the email is known.
func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "reset", err)
		return
	}
	if err := s.auth.ResetPassword(r.Context(), req.Email); err != nil {
		writeError(w, r, "reset", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req confirmResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "reset_confirm", err)
		return
	}
	if err := s.auth.ConfirmReset(r.Context(), req.Token, req.Password); err != nil {
		writeError(w, r, "reset_confirm", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.VerifyEmail(r.Context()); err != nil {
		writeError(w, r, "verify_email", err)
		return
	}
	writeJSON(w, http.StatusOK, s.auth.Current())
}

func (s *Server) handleVerifyCredential(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "verify_credential", err)
		return
	}
	if err := s.auth.VerifyCredential(r.Context(), req.Password); err != nil {
		writeError(w, r, "verify_credential", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "change_password", err)
		return
	}
	if err := s.auth.ChangePassword(r.Context(), req.Current, req.Next); err != nil {
		writeError(w, r, "change_password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "update_profile", err)
		return
	}
	id, err := s.auth.UpdateProfile(r.Context(), req.DisplayName)
	if err != nil {
		writeError(w, r, "update_profile", err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "delete_account", err)
		return
	}
	if err := s.auth.DeleteAccount(r.Context(), req.Password); err != nil {
		writeError(w, r, "delete_account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := s.auth.Current()
	if !id.SignedIn() {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "not signed in", Type: log.ErrorTypeAuth})
		return
	}
	writeJSON(w, http.StatusOK, id)
}
