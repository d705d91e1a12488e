package http

import (
	"net/http"

	"spendwise/internal/log"
	"spendwise/internal/store"
)

// handleView renders the derived views. The list in sorted_all can be
// narrowed with category, q, from and to; the aggregates never are.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseViewFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, "view", err)
		return
	}
	v := s.session.View(s.now())
	writeJSON(w, http.StatusOK, newViewBody(v, filter.apply(v.SortedAll)))
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	e, err := s.parseExpense(w, r)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	id, err := s.session.AddExpense(r.Context(), e)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	e.ID = id
	writeJSON(w, http.StatusCreated, store.Encode(e.Normalize()))
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	e, err := s.parseExpense(w, r)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	e.ID = r.PathValue("id")
	if err := s.session.UpdateExpense(r.Context(), e); err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Encode(e.Normalize()))
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.session.DeleteExpense(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, log.OpDelete, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResubscribe asks the session to rebuild its feed after an error.
func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Resubscribe(r.Context()); err != nil {
		writeError(w, r, log.OpSubscribe, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
