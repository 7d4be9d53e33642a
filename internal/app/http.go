package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"veil/api/internal/annotation"
	"veil/api/internal/auth"
	"veil/api/internal/export"
	"veil/api/internal/rbac"
	"veil/api/internal/search"
	"veil/api/internal/store"
)

const maxUploadBytes = 256 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated":       true,
			"userName":            session.UserName,
			"userId":              session.UserID,
			"email":               session.Email,
			"role":                session.Role,
			"forcePasswordChange": session.ForcePasswordChange,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/change-password" {
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), session, body.CurrentPassword, body.NewPassword); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		query := search.Query{
			Text:            strings.TrimSpace(r.URL.Query().Get("q")),
			FilterType:      search.ResultType(strings.TrimSpace(r.URL.Query().Get("type"))),
			FilterDatasetID: strings.TrimSpace(r.URL.Query().Get("datasetId")),
			FilterStatus:    strings.TrimSpace(r.URL.Query().Get("status")),
			Limit:           20,
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			query.Limit = parsed
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			query.Offset = parsed
		}
		payload, err := s.service.Search(r.Context(), query)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "jobs":
			s.handleJobs(w, r, session, parts[2:])
			return
		case "versions":
			s.handleVersions(w, r, session, parts[2:])
			return
		case "users":
			s.handleUsers(w, r, session, parts[2:])
			return
		case "datasets":
			s.handleDatasets(w, r, session, parts[2:])
			return
		case "classes":
			s.handleClasses(w, r, session, parts[2:])
			return
		case "settings":
			s.handleSettings(w, r, session, parts[2:])
			return
		case "exports":
			s.handleExports(w, r, session, parts[2:])
			return
		case "excluded-hashes":
			if r.Method == http.MethodGet && len(parts) == 2 {
				if !s.service.Can(session.Role, rbac.ActionManage) {
					writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
					return
				}
				s.respond(w, r)(s.service.ListExcludedHashes(r.Context()))
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	respond := s.respond(w, r)

	if r.Method == http.MethodGet && len(parts) == 1 {
		switch parts[0] {
		case "my":
			if !s.service.Can(session.Role, rbac.ActionAnnotate) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			respond(s.service.MyJobs(r.Context(), session, jobFilterFromQuery(r)))
			return
		case "queue":
			if !s.service.Can(session.Role, rbac.ActionReview) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			respond(s.service.ReviewQueue(r.Context(), session, jobFilterFromQuery(r)))
			return
		case "overview":
			if !s.service.Can(session.Role, rbac.ActionManage) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			respond(s.service.JobOverview(r.Context()))
			return
		}
	}

	if len(parts) < 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	jobID := parts[0]

	if r.Method == http.MethodGet && len(parts) == 2 {
		switch parts[1] {
		case "content":
			stage := strings.TrimSpace(r.URL.Query().Get("stage"))
			respond(s.service.JobContent(r.Context(), session, jobID, stage))
			return
		case "versions":
			if !s.service.Can(session.Role, rbac.ActionRead) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			respond(s.service.JobVersions(r.Context(), jobID))
			return
		case "reviews":
			if !s.service.Can(session.Role, rbac.ActionRead) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			respond(s.service.JobReviews(r.Context(), jobID))
			return
		case "trail":
			if !s.service.Can(session.Role, rbac.ActionRead) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			respond(s.service.JobTrail(r.Context(), jobID))
			return
		}
	}

	if r.Method == http.MethodPost && len(parts) == 2 {
		switch parts[1] {
		case "start":
			if !s.service.Can(session.Role, rbac.ActionAnnotate) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			respond(s.service.StartAnnotation(r.Context(), session, jobID))
			return
		case "submit":
			if !s.service.Can(session.Role, rbac.ActionAnnotate) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			var body struct {
				Annotations []annotation.Annotation `json:"annotations"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.SubmitAnnotation(r.Context(), session, jobID, body.Annotations))
			return
		case "claim":
			if !s.service.Can(session.Role, rbac.ActionReview) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			respond(s.service.ClaimReview(r.Context(), session, jobID))
			return
		case "assign":
			if !s.service.Can(session.Role, rbac.ActionManage) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			var body struct {
				UserID string `json:"userId"`
				Stage  string `json:"stage"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.AssignJob(r.Context(), jobID, body.UserID, body.Stage))
			return
		case "discard":
			if !s.service.Can(session.Role, rbac.ActionManage) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			var body struct {
				Note string `json:"note"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.DiscardJob(r.Context(), session, jobID, body.Note))
			return
		}
	}

	if r.Method == http.MethodPut && len(parts) == 2 && parts[1] == "draft" {
		stage := strings.TrimSpace(r.URL.Query().Get("stage"))
		var body struct {
			Draft annotation.Draft `json:"draft"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		respond(s.service.SaveDraft(r.Context(), session, jobID, stage, body.Draft))
		return
	}

	if r.Method == http.MethodPost && len(parts) == 3 && parts[1] == "review" {
		if !s.service.Can(session.Role, rbac.ActionReview) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		switch parts[2] {
		case "start":
			respond(s.service.StartReview(r.Context(), session, jobID))
			return
		case "accept", "reject":
			var body ReviewDecisionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if parts[2] == "accept" {
				respond(s.service.AcceptReview(r.Context(), session, jobID, body))
			} else {
				respond(s.service.RejectReview(r.Context(), session, jobID, body))
			}
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "annotations" {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		s.respond(w, r)(s.service.VersionAnnotations(r.Context(), parts[0]))
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !s.service.Can(session.Role, rbac.ActionManage) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	respond := s.respond(w, r)

	if r.Method == http.MethodGet && len(parts) == 0 {
		respond(s.service.ListUsers(r.Context()))
		return
	}

	if r.Method == http.MethodPost && len(parts) == 0 {
		var body struct {
			Name  string `json:"name"`
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateUser(r.Context(), body.Name, body.Email, body.Role)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPut && len(parts) == 1 {
		var body struct {
			Name   string `json:"name"`
			Role   string `json:"role"`
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		respond(s.service.UpdateUser(r.Context(), parts[0], body.Name, body.Role, body.Status))
		return
	}

	if r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "reset-password" {
		respond(s.service.ResetUserPassword(r.Context(), parts[0]))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDatasets(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !s.service.Can(session.Role, rbac.ActionManage) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	respond := s.respond(w, r)

	if r.Method == http.MethodGet && len(parts) == 0 {
		respond(s.service.ListDatasets(r.Context()))
		return
	}

	if r.Method == http.MethodPost && len(parts) == 0 {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form upload", nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file field is required", nil)
			return
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "failed to read upload", nil)
			return
		}
		if len(data) > maxUploadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds size limit", nil)
			return
		}
		payload, err := s.service.CreateDataset(r.Context(), session, r.FormValue("name"), header.Filename, data)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "jobs" {
		respond(s.service.DatasetJobs(r.Context(), parts[0], jobFilterFromQuery(r)))
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 1 {
		if err := s.service.DeleteDataset(r.Context(), parts[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleClasses(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	respond := s.respond(w, r)

	if r.Method == http.MethodGet && len(parts) == 0 {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		includeDeleted := r.URL.Query().Get("includeDeleted") == "true"
		if includeDeleted && !s.service.Can(session.Role, rbac.ActionManage) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		respond(s.service.ListClasses(r.Context(), includeDeleted))
		return
	}

	if !s.service.Can(session.Role, rbac.ActionManage) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 0 {
		var body struct {
			Name         string `json:"name"`
			DisplayLabel string `json:"displayLabel"`
			Color        string `json:"color"`
			Description  string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateClass(r.Context(), session, body.Name, body.DisplayLabel, body.Color, body.Description)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPut && len(parts) == 1 {
		var body struct {
			DisplayLabel string `json:"displayLabel"`
			Color        string `json:"color"`
			Description  string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		respond(s.service.UpdateClass(r.Context(), parts[0], body.DisplayLabel, body.Color, body.Description))
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 1 {
		if err := s.service.DeleteClass(r.Context(), parts[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	respond := s.respond(w, r)

	if r.Method == http.MethodGet && len(parts) == 0 {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		respond(s.service.Settings(r.Context()))
		return
	}

	if r.Method == http.MethodPut && len(parts) == 0 {
		if !s.service.Can(session.Role, rbac.ActionManage) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		respond(s.service.UpdateSetting(r.Context(), body.Key, body.Value))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleExports(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !s.service.Can(session.Role, rbac.ActionManage) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 0 {
		s.respond(w, r)(s.service.ListExports(r.Context()))
		return
	}

	if r.Method == http.MethodPost && len(parts) == 0 {
		var body struct {
			DatasetID string   `json:"datasetId"`
			JobIDs    []string `json:"jobIds"`
			Format    string   `json:"format"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ExportJobs(r.Context(), session, body.DatasetID, body.JobIDs, body.Format)
		if err != nil {
			if errors.Is(err, export.ErrPDFDependencyMissing) {
				writeError(w, http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available on this server", nil)
				return
			}
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// respond is the common tail of handlers that return a JSON payload.
func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request) func(map[string]any, error) {
	return func(payload map[string]any, err error) {
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	// Until the temporary password is replaced, only the password change and
	// logout endpoints are usable.
	if session.ForcePasswordChange &&
		r.URL.Path != "/api/auth/change-password" &&
		r.URL.Path != "/api/auth/logout" &&
		r.URL.Path != "/api/session" {
		writeError(w, http.StatusForbidden, "PASSWORD_CHANGE_REQUIRED", "Password change required", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func jobFilterFromQuery(r *http.Request) store.JobFilter {
	filter := store.JobFilter{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Search: strings.TrimSpace(r.URL.Query().Get("search")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			filter.Page = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("pageSize")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			filter.PageSize = parsed
		}
	}
	return filter
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":               session.Token,
		"refreshToken":        session.RefreshToken,
		"userId":              session.UserID,
		"userName":            session.UserName,
		"email":               session.Email,
		"role":                session.Role,
		"forcePasswordChange": session.ForcePasswordChange,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
