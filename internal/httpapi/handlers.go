package httpapi

import (
	"net/http"
	"strings"

	"github.com/agentworkforce/rosterfile/internal/roster"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := s.roster.ListClasses(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"classes": classes})
}

func (s *Server) handleCreateClass(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kelas string `json:"kelas"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	class, err := s.roster.CreateClass(r.Context(), body.Kelas)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"kelas": class})
}

func (s *Server) handleGetRoster(w http.ResponseWriter, r *http.Request) {
	students, err := s.roster.GetRoster(r.Context(), chi.URLParam(r, "class"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"students": students})
}

func (s *Server) handleAddStudent(w http.ResponseWriter, r *http.Request) {
	var input roster.Record
	if !s.decodeJSONBody(w, r, &input) {
		return
	}
	student, err := s.roster.AddStudent(r.Context(), chi.URLParam(r, "class"), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"student": student})
}

func (s *Server) handleUpdateStudent(w http.ResponseWriter, r *http.Request) {
	var patch roster.Record
	if !s.decodeJSONBody(w, r, &patch) {
		return
	}
	student, err := s.roster.UpdateStudent(r.Context(), chi.URLParam(r, "class"), chi.URLParam(r, "key"), patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"student": student})
}

func (s *Server) handleDeleteStudent(w http.ResponseWriter, r *http.Request) {
	removed, err := s.roster.DeleteStudent(r.Context(), chi.URLParam(r, "class"), chi.URLParam(r, "key"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleAttendanceRange(w http.ResponseWriter, r *http.Request) {
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "from and to query parameters are required", correlationIDFrom(r.Context()))
		return
	}
	out, err := s.roster.GetAttendanceRange(r.Context(), chi.URLParam(r, "class"), from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAttendance(w http.ResponseWriter, r *http.Request) {
	records, err := s.roster.GetAttendance(r.Context(), chi.URLParam(r, "class"), chi.URLParam(r, "date"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleSaveAttendance(w http.ResponseWriter, r *http.Request) {
	var records roster.Records
	if !s.decodeJSONBody(w, r, &records) {
		return
	}
	saved, err := s.roster.SaveAttendance(r.Context(), chi.URLParam(r, "class"), chi.URLParam(r, "date"), records)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": saved})
}

func (s *Server) handleAppendAudio(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       flexString `json:"id"`
		Filename string     `json:"filename"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	student, err := s.roster.AppendAudio(r.Context(), chi.URLParam(r, "class"), chi.URLParam(r, "date"), string(body.ID), body.Filename)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"student": student})
}

func (s *Server) handleMoveRoster(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From       string       `json:"from"`
		To         string       `json:"to"`
		Keys       []flexString `json:"keys"`
		KeepSource bool         `json:"keepSource"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	result, err := s.roster.MoveRoster(r.Context(), roster.MoveRosterRequest{
		From:       body.From,
		To:         body.To,
		Keys:       flexStrings(body.Keys),
		KeepSource: body.KeepSource,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMoveAttendance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From      string       `json:"from"`
		To        string       `json:"to"`
		Keys      []flexString `json:"keys"`
		StartDate string       `json:"startDate"`
		IDMap     []struct {
			OldID flexString `json:"oldId"`
			NewID flexString `json:"newId"`
		} `json:"idMap"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	idMap := make([]roster.IDMapping, 0, len(body.IDMap))
	for _, m := range body.IDMap {
		idMap = append(idMap, roster.IDMapping{OldID: string(m.OldID), NewID: string(m.NewID)})
	}
	result, err := s.roster.MoveAttendance(r.Context(), roster.MoveAttendanceRequest{
		From:      body.From,
		To:        body.To,
		Keys:      flexStrings(body.Keys),
		StartDate: body.StartDate,
		IDMap:     idMap,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	entries, err := s.roster.GetProgress(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleUpsertProgress(w http.ResponseWriter, r *http.Request) {
	var update roster.ProgressUpdate
	if !s.decodeJSONBody(w, r, &update) {
		return
	}
	result, err := s.roster.UpsertProgress(r.Context(), chi.URLParam(r, "name"), update)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
