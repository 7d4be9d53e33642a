package app

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
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
	"veil/api/internal/audit"
	"veil/api/internal/auth"
	"veil/api/internal/authpw"
	"veil/api/internal/blob"
	"veil/api/internal/config"
	"veil/api/internal/draftstore"
	"veil/api/internal/eml"
	"veil/api/internal/export"
	"veil/api/internal/rbac"
	"veil/api/internal/search"
	"veil/api/internal/store"
	"veil/api/internal/util"
)

// Session is the authenticated caller context derived from an access token.
type Session struct {
	Token               string
	RefreshToken        string
	UserID              string
	UserName            string
	Email               string
	Role                string
	ForcePasswordChange bool
	JTI                 string
	ExpiresAt           time.Time
}

// Draft stages, re-exported so handlers do not import draftstore directly.
const (
	StageAnnotate = draftstore.StageAnnotate
	StageReview   = draftstore.StageReview
)

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertDataset(context.Context, store.Dataset) error
	FinishDatasetExtraction(context.Context, string, int, int, string, string) error
	GetDataset(context.Context, string) (store.Dataset, error)
	ListDatasets(context.Context) ([]store.Dataset, error)
	DeleteDataset(context.Context, string) error
	ListDatasetJobs(context.Context, string, store.JobFilter) (store.JobPage, error)

	InsertJob(context.Context, store.Job) error
	GetJob(context.Context, string) (store.Job, error)
	JobIDByHash(context.Context, string) (string, error)
	UpdateJobStatus(context.Context, string, string, string) (bool, error)
	AssignAnnotator(context.Context, string, string, string) error
	AssignQA(context.Context, string, string, string) error
	ListAnnotatorJobs(context.Context, string, store.JobFilter) (store.JobPage, error)
	ListQAJobs(context.Context, string, store.JobFilter) (store.JobPage, error)
	JobStatusCounts(context.Context) (map[string]int, error)

	ListClasses(context.Context, bool) ([]store.AnnotationClass, error)
	GetClass(context.Context, string) (store.AnnotationClass, error)
	InsertClass(context.Context, store.AnnotationClass) error
	UpdateClass(context.Context, string, string, string, string) error
	SoftDeleteClass(context.Context, string) error

	InsertAnnotationVersion(context.Context, store.AnnotationVersion, []store.Annotation) error
	NextVersionNumber(context.Context, string) (int, error)
	LatestVersion(context.Context, string) (store.AnnotationVersion, error)
	ListVersions(context.Context, string) ([]store.AnnotationVersion, error)
	ListAnnotations(context.Context, string) ([]store.Annotation, error)

	InsertQAReview(context.Context, store.QAReview) error
	ListQAReviews(context.Context, string) ([]store.QAReview, error)

	IsHashExcluded(context.Context, string) (bool, error)
	InsertExcludedHash(context.Context, store.ExcludedFileHash) error
	ListExcludedHashes(context.Context) ([]store.ExcludedFileHash, error)

	InsertExportRecord(context.Context, store.ExportRecord) error
	ListExportRecords(context.Context) ([]store.ExportRecord, error)

	GetSettings(context.Context) (map[string]string, error)
	SetSetting(context.Context, string, string) error

	Ping(ctx context.Context) error
}

type auditTrail interface {
	Record(audit.Snapshot, string, string) (audit.CommitInfo, error)
	History(string, int) ([]audit.CommitInfo, error)
	At(string, string) (audit.Snapshot, error)
}

type draftStore interface {
	Save(ctx context.Context, jobID, stage, userID string, draft annotation.Draft) error
	Load(ctx context.Context, jobID, stage string) (draftstore.Entry, bool, error)
	Discard(ctx context.Context, jobID, stage string) error
}

type blobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

type jobExporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	accounts *authpw.Service
	trail    auditTrail
	drafts   draftStore
	blobs    blobStore
	exporter jobExporter
	searcher *search.Service
	mailer   *mailSender
}

// mailSender wraps the optional SMTP service behind the three sends the app
// uses, so tests can capture outbound mail.
type mailSender struct {
	assignment func(to, userName, fileName, stage, jobURL string) error
	rejection  func(to, userName, fileName, comments, jobURL string) error
	welcome    func(to, userName, tempPassword, signInURL string) error
}

// Mailer is the outbound mail surface the service needs.
type Mailer interface {
	IsConfigured() bool
	SendAssignmentEmail(to, userName, fileName, stage, jobURL string) error
	SendRejectionEmail(to, userName, fileName, comments, jobURL string) error
	SendWelcomeEmail(to, userName, tempPassword, signInURL string) error
}

// SectionSource adapts blob storage into the exporter's section loader.
type SectionSource struct {
	Blobs blobStore
}

// Sections downloads a job's raw email and splits it into annotated sections.
func (s SectionSource) Sections(ctx context.Context, job store.Job) ([]annotation.Section, error) {
	raw, err := s.Blobs.Get(ctx, job.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("load raw email: %w", err)
	}
	return toAnnotationSections(eml.ExtractSections(string(raw))), nil
}

// New wires the application service.
func New(cfg config.Config, st *store.PostgresStore, accounts *authpw.Service, trail *audit.Trail, drafts *draftstore.Store, blobs blobStore, searcher *search.Service, mailer Mailer) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    st,
		accounts: accounts,
		trail:    trail,
		drafts:   drafts,
		blobs:    blobs,
		searcher: searcher,
	}
	svc.exporter = export.NewService(st, SectionSource{Blobs: blobs})
	if mailer != nil && mailer.IsConfigured() {
		svc.mailer = &mailSender{
			assignment: mailer.SendAssignmentEmail,
			rejection:  mailer.SendRejectionEmail,
			welcome:    mailer.SendWelcomeEmail,
		}
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a fresh install: one admin account and the default PII
// class registry. Repeat runs are no-ops.
func (s *Service) Bootstrap(ctx context.Context) error {
	users, err := s.accounts.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if len(users) == 0 {
		resp, err := s.accounts.CreateUser(ctx, authpw.CreateUserRequest{
			Name:  "Administrator",
			Email: "admin@veil.local",
			Role:  string(rbac.RoleAdmin),
		})
		if err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
		log.Printf("seeded admin account %s with temporary password %s", resp.User.Email, resp.TempPassword)
	}

	classes, err := s.store.ListClasses(ctx, true)
	if err != nil {
		return fmt.Errorf("list classes: %w", err)
	}
	if len(classes) == 0 {
		defaults := []store.AnnotationClass{
			{Name: "person_name", DisplayLabel: "Person Name", Color: "#fde68a"},
			{Name: "email", DisplayLabel: "Email Address", Color: "#fca5a5"},
			{Name: "phone", DisplayLabel: "Phone Number", Color: "#a7f3d0"},
			{Name: "address", DisplayLabel: "Postal Address", Color: "#bfdbfe"},
			{Name: "organization", DisplayLabel: "Organization", Color: "#ddd6fe"},
			{Name: "account_number", DisplayLabel: "Account Number", Color: "#fbcfe8"},
		}
		for _, class := range defaults {
			class.ID = util.NewID("cls")
			if err := s.store.InsertClass(ctx, class); err != nil {
				return fmt.Errorf("seed class %s: %w", class.Name, err)
			}
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Accounts() *authpw.Service {
	return s.accounts
}

// ---- Auth ----

// SignIn authenticates by email and password and issues a token pair.
func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, emailAddr, password)
	if err != nil {
		if errors.Is(err, authpw.ErrAccountDisabled) {
			return Session{}, domainError(http.StatusForbidden, "ACCOUNT_DISABLED", "Account is disabled", nil)
		}
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the old one is revoked and a new pair issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Name,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:               token,
		RefreshToken:        refresh,
		UserID:              user.ID,
		UserName:            user.Name,
		Email:               user.Email,
		Role:                user.Role,
		ForcePasswordChange: user.ForcePasswordChange,
		JTI:                 jti,
		ExpiresAt:           expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if user.Status != store.UserActive {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:               token,
		UserID:              user.ID,
		UserName:            user.Name,
		Email:               user.Email,
		Role:                user.Role,
		ForcePasswordChange: user.ForcePasswordChange,
		JTI:                 claims.JTI,
		ExpiresAt:           time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ChangePassword verifies the current password and sets a new one, clearing
// the forced-change flag.
func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	if err := s.accounts.ChangePassword(ctx, session.UserID, current, next); err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return nil
}

// ---- Users (admin) ----

func (s *Service) CreateUser(ctx context.Context, name, emailAddr, role string) (map[string]any, error) {
	resp, err := s.accounts.CreateUser(ctx, authpw.CreateUserRequest{Name: name, Email: emailAddr, Role: role})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return nil, domainError(http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil)
		}
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	payload := map[string]any{"user": userPayload(resp.User)}
	if s.mailer != nil {
		if err := s.mailer.welcome(resp.User.Email, resp.User.Name, resp.TempPassword, s.cfg.CORSOrigin); err != nil {
			log.Printf("app: welcome email to %s: %v", resp.User.Email, err)
		}
	} else {
		// Dev bypass: surface the temporary password when mail is off.
		payload["tempPassword"] = resp.TempPassword
	}
	return payload, nil
}

func (s *Service) ListUsers(ctx context.Context) (map[string]any, error) {
	users, err := s.accounts.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, u := range users {
		items = append(items, userPayload(u))
	}
	return map[string]any{"users": items}, nil
}

func (s *Service) UpdateUser(ctx context.Context, userID, name, role, status string) (map[string]any, error) {
	user, err := s.accounts.UpdateUser(ctx, userID, name, role, status)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return map[string]any{"user": userPayload(user)}, nil
}

func (s *Service) ResetUserPassword(ctx context.Context, userID string) (map[string]any, error) {
	temp, err := s.accounts.ResetPassword(ctx, userID)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"ok": true}
	if s.mailer != nil {
		if err := s.mailer.welcome(user.Email, user.Name, temp, s.cfg.CORSOrigin); err != nil {
			log.Printf("app: reset email to %s: %v", user.Email, err)
		}
	} else {
		payload["tempPassword"] = temp
	}
	return payload, nil
}

// ---- Settings ----

type platformSettings struct {
	MinAnnotationLength     int
	BlindReview             bool
	SameValueLinking        bool
	AutosaveIntervalSeconds int
}

var settingKeys = map[string]struct{}{
	"min_annotation_length":     {},
	"blind_review":              {},
	"same_value_linking":        {},
	"autosave_interval_seconds": {},
}

func (s *Service) loadSettings(ctx context.Context) (platformSettings, error) {
	raw, err := s.store.GetSettings(ctx)
	if err != nil {
		return platformSettings{}, err
	}
	settings := platformSettings{
		MinAnnotationLength:     2,
		BlindReview:             false,
		SameValueLinking:        true,
		AutosaveIntervalSeconds: int(s.cfg.AutosaveInterval.Seconds()),
	}
	if v, err := strconv.Atoi(raw["min_annotation_length"]); err == nil {
		settings.MinAnnotationLength = v
	}
	if v, err := strconv.ParseBool(raw["blind_review"]); err == nil {
		settings.BlindReview = v
	}
	if v, err := strconv.ParseBool(raw["same_value_linking"]); err == nil {
		settings.SameValueLinking = v
	}
	if v, err := strconv.Atoi(raw["autosave_interval_seconds"]); err == nil && v > 0 {
		settings.AutosaveIntervalSeconds = v
	}
	return settings, nil
}

func (s *Service) Settings(ctx context.Context) (map[string]any, error) {
	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"settings": settingsPayload(settings)}, nil
}

func (s *Service) UpdateSetting(ctx context.Context, key, value string) (map[string]any, error) {
	if _, ok := settingKeys[key]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown setting %q", key), nil)
	}
	switch key {
	case "min_annotation_length", "autosave_interval_seconds":
		if v, err := strconv.Atoi(value); err != nil || v < 1 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be a positive integer", nil)
		}
	case "blind_review", "same_value_linking":
		if _, err := strconv.ParseBool(value); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be a boolean", nil)
		}
	}
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return nil, err
	}
	return s.Settings(ctx)
}

// ---- Classes ----

func (s *Service) ListClasses(ctx context.Context, includeDeleted bool) (map[string]any, error) {
	classes, err := s.store.ListClasses(ctx, includeDeleted)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(classes))
	for _, c := range classes {
		items = append(items, classPayload(c))
	}
	return map[string]any{"classes": items}, nil
}

func (s *Service) CreateClass(ctx context.Context, session Session, name, displayLabel, color, description string) (map[string]any, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	for _, r := range name {
		if r == ' ' {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must not contain spaces; use underscores", nil)
		}
	}
	if displayLabel == "" {
		displayLabel = name
	}
	class := store.AnnotationClass{
		ID:           util.NewID("cls"),
		Name:         name,
		DisplayLabel: displayLabel,
		Color:        color,
		Description:  description,
		CreatedBy:    session.UserID,
	}
	if err := s.store.InsertClass(ctx, class); err != nil {
		return nil, err
	}
	return map[string]any{"class": classPayload(class)}, nil
}

func (s *Service) UpdateClass(ctx context.Context, classID, displayLabel, color, description string) (map[string]any, error) {
	class, err := s.store.GetClass(ctx, classID)
	if err != nil {
		return nil, err
	}
	if displayLabel == "" {
		displayLabel = class.DisplayLabel
	}
	if color == "" {
		color = class.Color
	}
	if description == "" {
		description = class.Description
	}
	if err := s.store.UpdateClass(ctx, classID, displayLabel, color, description); err != nil {
		return nil, err
	}
	updated, err := s.store.GetClass(ctx, classID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"class": classPayload(updated)}, nil
}

// DeleteClass soft-deletes: existing annotations keep their class label,
// the class just stops being offered for new spans.
func (s *Service) DeleteClass(ctx context.Context, classID string) error {
	if _, err := s.store.GetClass(ctx, classID); err != nil {
		return err
	}
	return s.store.SoftDeleteClass(ctx, classID)
}

// ---- Datasets ----

// CreateDataset ingests an uploaded archive (or a single .eml file), creating
// one job per unique email. Duplicates within the corpus and files on the
// exclusion list are counted but not imported.
func (s *Service) CreateDataset(ctx context.Context, session Session, name, fileName string, data []byte) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dataset name is required", nil)
	}
	if len(data) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "upload is empty", nil)
	}

	dataset := store.Dataset{
		ID:         util.NewID("ds"),
		Name:       name,
		UploadedBy: session.UserID,
		Status:     store.DatasetExtracting,
	}
	if err := s.store.InsertDataset(ctx, dataset); err != nil {
		return nil, err
	}

	fileCount, duplicates, err := s.extractDataset(ctx, dataset, fileName, data)
	if err != nil {
		_ = s.store.FinishDatasetExtraction(ctx, dataset.ID, fileCount, duplicates, store.DatasetFailed, err.Error())
		return nil, domainError(http.StatusUnprocessableEntity, "EXTRACTION_FAILED", err.Error(), nil)
	}

	if err := s.store.FinishDatasetExtraction(ctx, dataset.ID, fileCount, duplicates, store.DatasetReady, ""); err != nil {
		return nil, err
	}

	if s.searcher != nil {
		s.searcher.IndexDataset(search.DatasetRecord{ID: dataset.ID, Name: dataset.Name, Status: store.DatasetReady})
	}

	dataset.Status = store.DatasetReady
	dataset.FileCount = fileCount
	dataset.DuplicateCount = duplicates
	return map[string]any{"dataset": datasetPayload(dataset)}, nil
}

func (s *Service) extractDataset(ctx context.Context, dataset store.Dataset, fileName string, data []byte) (int, int, error) {
	type emailFile struct {
		name string
		data []byte
	}

	var files []emailFile
	if bytes.HasPrefix(data, []byte("PK")) {
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return 0, 0, fmt.Errorf("open archive: %w", err)
		}
		for _, f := range zr.File {
			if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".eml") {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return 0, 0, fmt.Errorf("open %s: %w", f.Name, err)
			}
			content, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return 0, 0, fmt.Errorf("read %s: %w", f.Name, err)
			}
			files = append(files, emailFile{name: baseName(f.Name), data: content})
		}
	} else {
		if fileName == "" {
			fileName = "upload.eml"
		}
		files = append(files, emailFile{name: baseName(fileName), data: data})
	}

	if len(files) == 0 {
		return 0, 0, fmt.Errorf("no .eml files in upload")
	}

	imported, duplicates := 0, 0
	for _, f := range files {
		sum := sha256.Sum256(f.data)
		contentHash := hex.EncodeToString(sum[:])

		if existing, err := s.store.JobIDByHash(ctx, contentHash); err != nil {
			return imported, duplicates, err
		} else if existing != "" {
			duplicates++
			continue
		}
		if excluded, err := s.store.IsHashExcluded(ctx, contentHash); err != nil {
			return imported, duplicates, err
		} else if excluded {
			duplicates++
			continue
		}

		job := store.Job{
			ID:          util.NewID("job"),
			DatasetID:   dataset.ID,
			FileName:    f.name,
			ContentHash: contentHash,
			ObjectKey:   blob.EmailKey(dataset.ID, contentHash),
			Status:      store.JobUploaded,
		}
		if err := s.blobs.Put(ctx, job.ObjectKey, f.data, "message/rfc822"); err != nil {
			return imported, duplicates, err
		}
		if err := s.store.InsertJob(ctx, job); err != nil {
			return imported, duplicates, err
		}
		if s.searcher != nil {
			s.searcher.IndexJob(search.JobRecord{
				ID:          job.ID,
				FileName:    job.FileName,
				DatasetID:   dataset.ID,
				DatasetName: dataset.Name,
				Status:      job.Status,
			})
		}
		imported++
	}
	return imported, duplicates, nil
}

func (s *Service) ListDatasets(ctx context.Context) (map[string]any, error) {
	datasets, err := s.store.ListDatasets(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(datasets))
	for _, d := range datasets {
		items = append(items, datasetPayload(d))
	}
	return map[string]any{"datasets": items}, nil
}

func (s *Service) DatasetJobs(ctx context.Context, datasetID string, filter store.JobFilter) (map[string]any, error) {
	dataset, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	page, err := s.store.ListDatasetJobs(ctx, datasetID, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"dataset": datasetPayload(dataset),
		"jobs":    jobListPayload(page.Jobs, false),
		"total":   page.Total,
	}, nil
}

// DeleteDataset removes the dataset row; jobs cascade in the schema. Raw
// files stay in object storage keyed by content hash so re-uploads dedupe.
func (s *Service) DeleteDataset(ctx context.Context, datasetID string) error {
	if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
		return err
	}
	if err := s.store.DeleteDataset(ctx, datasetID); err != nil {
		return err
	}
	if s.searcher != nil {
		s.searcher.DeleteDataset(datasetID)
	}
	return nil
}

// ---- Assignment ----

func (s *Service) AssignJob(ctx context.Context, jobID, userID, stage string) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	switch stage {
	case StageAnnotate:
		if rbac.Normalize(user.Role) == rbac.RoleQA {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot assign a QA user as annotator", nil)
		}
		if job.Status != store.JobUploaded && job.Status != store.JobAssignedAnnotator && job.Status != store.JobQARejected {
			return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job is not awaiting annotation", nil)
		}
		newStatus := job.Status
		if job.Status == store.JobUploaded {
			newStatus = store.JobAssignedAnnotator
		}
		if err := s.store.AssignAnnotator(ctx, jobID, userID, newStatus); err != nil {
			return nil, err
		}
	case StageReview:
		if rbac.Normalize(user.Role) == rbac.RoleAnnotator {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot assign an annotator as QA", nil)
		}
		if job.Status != store.JobSubmittedForQA && job.Status != store.JobAssignedQA {
			return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job is not awaiting review", nil)
		}
		if err := s.store.AssignQA(ctx, jobID, userID, store.JobAssignedQA); err != nil {
			return nil, err
		}
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "stage must be annotate or review", nil)
	}

	if s.mailer != nil && user.Email != "" {
		stageName := "annotation"
		if stage == StageReview {
			stageName = "review"
		}
		if err := s.mailer.assignment(user.Email, user.Name, job.FileName, stageName, s.jobURL(jobID)); err != nil {
			log.Printf("app: assignment email to %s: %v", user.Email, err)
		}
	}

	updated, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.reindexJob(updated)
	return map[string]any{"job": jobPayload(updated, false)}, nil
}

// ---- Job queues ----

func (s *Service) MyJobs(ctx context.Context, session Session, filter store.JobFilter) (map[string]any, error) {
	page, err := s.store.ListAnnotatorJobs(ctx, session.UserID, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"jobs":         jobListPayload(page.Jobs, false),
		"total":        page.Total,
		"statusCounts": page.StatusCounts,
	}, nil
}

func (s *Service) ReviewQueue(ctx context.Context, session Session, filter store.JobFilter) (map[string]any, error) {
	page, err := s.store.ListQAJobs(ctx, session.UserID, filter)
	if err != nil {
		return nil, err
	}
	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"jobs":         jobListPayload(page.Jobs, settings.BlindReview),
		"total":        page.Total,
		"statusCounts": page.StatusCounts,
	}, nil
}

func (s *Service) JobOverview(ctx context.Context) (map[string]any, error) {
	counts, err := s.store.JobStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"statusCounts": counts}, nil
}

// ---- Annotation workflow ----

// StartAnnotation moves an assigned (or reworked) job into progress. The
// transition is optimistic: a concurrent start loses with 409.
func (s *Service) StartAnnotation(ctx context.Context, session Session, jobID string) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := requireAssignee(job.AssignedAnnotator, session); err != nil {
		return nil, err
	}

	switch job.Status {
	case store.JobAssignedAnnotator, store.JobQARejected:
		ok, err := s.store.UpdateJobStatus(ctx, jobID, job.Status, store.JobAnnotationInProgress)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job status changed concurrently", nil)
		}
	case store.JobAnnotationInProgress:
		// Resuming is fine.
	default:
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job is not in the annotation stage", nil)
	}

	updated, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.reindexJob(updated)
	return s.jobContent(ctx, updated, StageAnnotate, false)
}

// StartReview moves an assigned job into QA and returns its content.
func (s *Service) StartReview(ctx context.Context, session Session, jobID string) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := requireAssignee(job.AssignedQA, session); err != nil {
		return nil, err
	}

	switch job.Status {
	case store.JobAssignedQA:
		ok, err := s.store.UpdateJobStatus(ctx, jobID, job.Status, store.JobQAInProgress)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job status changed concurrently", nil)
		}
	case store.JobQAInProgress:
	default:
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job is not in the review stage", nil)
	}

	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.reindexJob(updated)
	return s.jobContent(ctx, updated, StageReview, settings.BlindReview)
}

// ClaimReview lets a QA user pull the next submitted job to themselves.
func (s *Service) ClaimReview(ctx context.Context, session Session, jobID string) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != store.JobSubmittedForQA {
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job is not awaiting review", nil)
	}
	if err := s.store.AssignQA(ctx, jobID, session.UserID, store.JobAssignedQA); err != nil {
		return nil, err
	}
	updated, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.reindexJob(updated)
	return map[string]any{"job": jobPayload(updated, false)}, nil
}

// JobContent returns the sections, classes, settings, current annotations
// and stored draft for a job without changing its status.
func (s *Service) JobContent(ctx context.Context, session Session, jobID, stage string) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	blind := false
	switch stage {
	case StageAnnotate:
		if err := requireAssignee(job.AssignedAnnotator, session); err != nil {
			return nil, err
		}
	case StageReview:
		if err := requireAssignee(job.AssignedQA, session); err != nil {
			return nil, err
		}
		settings, err := s.loadSettings(ctx)
		if err != nil {
			return nil, err
		}
		blind = settings.BlindReview
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "stage must be annotate or review", nil)
	}
	return s.jobContent(ctx, job, stage, blind)
}

func (s *Service) jobContent(ctx context.Context, job store.Job, stage string, blind bool) (map[string]any, error) {
	sections, err := s.jobSections(ctx, job)
	if err != nil {
		return nil, err
	}

	classes, err := s.store.ListClasses(ctx, false)
	if err != nil {
		return nil, err
	}
	classItems := make([]map[string]any, 0, len(classes))
	for _, c := range classes {
		classItems = append(classItems, classPayload(c))
	}

	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}

	var annotations []map[string]any
	if version, err := s.store.LatestVersion(ctx, job.ID); err == nil {
		stored, err := s.store.ListAnnotations(ctx, version.ID)
		if err != nil {
			return nil, err
		}
		annotations = annotationListPayload(stored)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	payload := map[string]any{
		"job":         jobPayload(job, blind),
		"sections":    sections,
		"classes":     classItems,
		"settings":    settingsPayload(settings),
		"annotations": annotations,
	}

	if entry, ok, err := s.drafts.Load(ctx, job.ID, stage); err != nil {
		log.Printf("app: load draft for %s: %v", job.ID, err)
	} else if ok {
		payload["draft"] = map[string]any{
			"draft":   entry.Draft,
			"savedBy": entry.SavedBy,
			"savedAt": entry.SavedAt,
		}
	}

	return payload, nil
}

func (s *Service) jobSections(ctx context.Context, job store.Job) ([]annotation.Section, error) {
	raw, err := s.blobs.Get(ctx, job.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("load raw email: %w", err)
	}
	return toAnnotationSections(eml.ExtractSections(string(raw))), nil
}

// SaveDraft stores working state for a job. The draft is validated before it
// is accepted so a corrupt client cannot poison later restores.
func (s *Service) SaveDraft(ctx context.Context, session Session, jobID, stage string, draft annotation.Draft) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch stage {
	case StageAnnotate:
		if err := requireAssignee(job.AssignedAnnotator, session); err != nil {
			return nil, err
		}
		if job.Status != store.JobAnnotationInProgress {
			return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job is not in annotation", nil)
		}
	case StageReview:
		if err := requireAssignee(job.AssignedQA, session); err != nil {
			return nil, err
		}
		if job.Status != store.JobQAInProgress {
			return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job is not in review", nil)
		}
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "stage must be annotate or review", nil)
	}

	if err := draft.Validate(); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	if err := s.drafts.Save(ctx, jobID, stage, session.UserID, draft); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "savedAt": time.Now().UTC()}, nil
}

// SubmitAnnotation validates the final span list and freezes it as a new
// version, moving the job to the QA queue.
func (s *Service) SubmitAnnotation(ctx context.Context, session Session, jobID string, annotations []annotation.Annotation) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := requireAssignee(job.AssignedAnnotator, session); err != nil {
		return nil, err
	}
	if job.Status != store.JobAnnotationInProgress {
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job is not in annotation", nil)
	}

	if err := s.validateAnnotations(ctx, job, annotations); err != nil {
		return nil, err
	}

	version, err := s.insertVersion(ctx, job.ID, session.UserID, store.SourceAnnotator, annotations)
	if err != nil {
		return nil, err
	}

	ok, err := s.store.UpdateJobStatus(ctx, jobID, store.JobAnnotationInProgress, store.JobSubmittedForQA)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job status changed concurrently", nil)
	}

	if _, err := s.trail.Record(audit.Snapshot{
		JobID:         jobID,
		VersionNumber: version.VersionNumber,
		Source:        store.SourceAnnotator,
		Annotations:   annotations,
	}, session.UserName, fmt.Sprintf("Submit annotation v%d", version.VersionNumber)); err != nil {
		log.Printf("app: audit record for %s: %v", jobID, err)
	}

	if err := s.drafts.Discard(ctx, jobID, StageAnnotate); err != nil {
		log.Printf("app: discard draft for %s: %v", jobID, err)
	}

	updated, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.reindexJob(updated)
	return map[string]any{
		"job":     jobPayload(updated, false),
		"version": versionPayload(version),
	}, nil
}

func (s *Service) validateAnnotations(ctx context.Context, job store.Job, annotations []annotation.Annotation) error {
	sections, err := s.jobSections(ctx, job)
	if err != nil {
		return err
	}

	table := annotation.NewSpanTable(sections)
	if err := table.Replace(annotations); err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	settings, err := s.loadSettings(ctx)
	if err != nil {
		return err
	}
	if err := annotation.ValidateForSubmit(annotations, sections, settings.MinAnnotationLength); err != nil {
		var submitErr *annotation.SubmitValidationError
		if errors.As(err, &submitErr) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", submitErr.First, map[string]any{"count": submitErr.Count})
		}
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return nil
}

func (s *Service) insertVersion(ctx context.Context, jobID, userID, source string, annotations []annotation.Annotation) (store.AnnotationVersion, error) {
	number, err := s.store.NextVersionNumber(ctx, jobID)
	if err != nil {
		return store.AnnotationVersion{}, err
	}
	version := store.AnnotationVersion{
		ID:            util.NewID("ver"),
		JobID:         jobID,
		VersionNumber: number,
		CreatedBy:     userID,
		Source:        source,
	}
	if err := s.store.InsertAnnotationVersion(ctx, version, toStoreAnnotations(version.ID, annotations)); err != nil {
		return store.AnnotationVersion{}, err
	}
	return version, nil
}

// ---- QA decisions ----

// ReviewDecisionInput is the request body for accept and reject.
type ReviewDecisionInput struct {
	Comments        string                    `json:"comments"`
	Modifications   []annotation.Modification `json:"modifications"`
	Annotations     []annotation.Annotation   `json:"annotations"`
	AnnotationNotes map[string]string         `json:"annotationNotes"`
}

// AcceptReview records an accept decision. When the reviewer edited spans,
// the full modified list rides along as a new QA-sourced version; an
// untouched review references the annotator's version as-is.
func (s *Service) AcceptReview(ctx context.Context, session Session, jobID string, input ReviewDecisionInput) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := requireAssignee(job.AssignedQA, session); err != nil {
		return nil, err
	}
	if job.Status != store.JobQAInProgress {
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job is not in review", nil)
	}

	latest, err := s.store.LatestVersion(ctx, jobID)
	if err != nil {
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job has no annotation version", nil)
	}

	versionID := latest.ID
	if len(input.Modifications) > 0 {
		if input.Annotations == nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "modified review must carry the full annotation list", nil)
		}
		if err := s.validateAnnotations(ctx, job, input.Annotations); err != nil {
			return nil, err
		}
		version, err := s.insertVersion(ctx, jobID, session.UserID, store.SourceQA, input.Annotations)
		if err != nil {
			return nil, err
		}
		versionID = version.ID
		latest = version
	} else if input.Annotations != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "annotation list without modifications", nil)
	}

	summary, err := json.Marshal(input.Modifications)
	if err != nil {
		return nil, err
	}
	review := store.QAReview{
		ID:                   util.NewID("rev"),
		JobID:                jobID,
		AnnotationVersionID:  &versionID,
		ReviewedBy:           session.UserID,
		Decision:             store.DecisionAccept,
		Comments:             strings.TrimSpace(input.Comments),
		ModificationsSummary: string(summary),
		AnnotationNotes:      "{}",
	}
	if err := s.store.InsertQAReview(ctx, review); err != nil {
		return nil, err
	}

	ok, err := s.store.UpdateJobStatus(ctx, jobID, store.JobQAInProgress, store.JobQAAccepted)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job status changed concurrently", nil)
	}

	if _, err := s.trail.Record(audit.Snapshot{
		JobID:         jobID,
		VersionNumber: latest.VersionNumber,
		Source:        store.SourceQA,
		Decision:      store.DecisionAccept,
		Annotations:   input.Annotations,
	}, session.UserName, "QA accept"); err != nil {
		log.Printf("app: audit record for %s: %v", jobID, err)
	}

	if err := s.drafts.Discard(ctx, jobID, StageReview); err != nil {
		log.Printf("app: discard review draft for %s: %v", jobID, err)
	}

	updated, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.reindexJob(updated)
	return map[string]any{"job": jobPayload(updated, false)}, nil
}

// RejectReview sends a job back to its annotator. Comments are mandatory and
// must carry at least ten characters of substance; per-annotation notes are
// informational context for the rework, never mutations.
func (s *Service) RejectReview(ctx context.Context, session Session, jobID string, input ReviewDecisionInput) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := requireAssignee(job.AssignedQA, session); err != nil {
		return nil, err
	}
	if job.Status != store.JobQAInProgress {
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job is not in review", nil)
	}

	if !annotation.CanReject(input.Comments) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("rejection comments must be at least %d characters", annotation.MinRejectCommentLength), nil)
	}

	notes := input.AnnotationNotes
	if notes == nil {
		notes = map[string]string{}
	}
	notesJSON, err := json.Marshal(notes)
	if err != nil {
		return nil, err
	}

	var versionID *string
	if latest, err := s.store.LatestVersion(ctx, jobID); err == nil {
		versionID = &latest.ID
	}

	review := store.QAReview{
		ID:                  util.NewID("rev"),
		JobID:               jobID,
		AnnotationVersionID: versionID,
		ReviewedBy:          session.UserID,
		Decision:            store.DecisionReject,
		Comments:            strings.TrimSpace(input.Comments),
		AnnotationNotes:     string(notesJSON),
	}
	if err := s.store.InsertQAReview(ctx, review); err != nil {
		return nil, err
	}

	ok, err := s.store.UpdateJobStatus(ctx, jobID, store.JobQAInProgress, store.JobQARejected)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job status changed concurrently", nil)
	}

	if _, err := s.trail.Record(audit.Snapshot{
		JobID:    jobID,
		Source:   store.SourceQA,
		Decision: store.DecisionReject,
		Notes:    notes,
	}, session.UserName, "QA reject"); err != nil {
		log.Printf("app: audit record for %s: %v", jobID, err)
	}

	if err := s.drafts.Discard(ctx, jobID, StageReview); err != nil {
		log.Printf("app: discard review draft for %s: %v", jobID, err)
	}

	if s.mailer != nil && job.AssignedAnnotator != nil {
		if annotator, err := s.store.GetUserByID(ctx, *job.AssignedAnnotator); err == nil && annotator.Email != "" {
			if err := s.mailer.rejection(annotator.Email, annotator.Name, job.FileName, strings.TrimSpace(input.Comments), s.jobURL(jobID)); err != nil {
				log.Printf("app: rejection email to %s: %v", annotator.Email, err)
			}
		}
	}

	updated, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.reindexJob(updated)
	return map[string]any{"job": jobPayload(updated, false)}, nil
}

// DiscardJob removes a job from both queues and remembers its content hash
// so the same email is never re-imported.
func (s *Service) DiscardJob(ctx context.Context, session Session, jobID, note string) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == store.JobDiscarded {
		return map[string]any{"job": jobPayload(job, false)}, nil
	}

	ok, err := s.store.UpdateJobStatus(ctx, jobID, job.Status, store.JobDiscarded)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "STATUS_CONFLICT", "job status changed concurrently", nil)
	}

	if err := s.store.InsertExcludedHash(ctx, store.ExcludedFileHash{
		ID:          util.NewID("exh"),
		ContentHash: job.ContentHash,
		FileName:    job.FileName,
		Note:        note,
		CreatedBy:   session.UserID,
	}); err != nil {
		return nil, err
	}

	updated, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.reindexJob(updated)
	return map[string]any{"job": jobPayload(updated, false)}, nil
}

// ---- History ----

func (s *Service) JobVersions(ctx context.Context, jobID string) (map[string]any, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, jobID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionPayload(v))
	}
	return map[string]any{"versions": items}, nil
}

func (s *Service) VersionAnnotations(ctx context.Context, versionID string) (map[string]any, error) {
	stored, err := s.store.ListAnnotations(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"annotations": annotationListPayload(stored)}, nil
}

func (s *Service) JobReviews(ctx context.Context, jobID string) (map[string]any, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	reviews, err := s.store.ListQAReviews(ctx, jobID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(reviews))
	for _, r := range reviews {
		items = append(items, reviewPayload(r))
	}
	return map[string]any{"reviews": items}, nil
}

func (s *Service) JobTrail(ctx context.Context, jobID string) (map[string]any, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	entries, err := s.trail.History(jobID, 0)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"hash":      e.Hash,
			"message":   e.Message,
			"author":    e.Author,
			"createdAt": e.CreatedAt,
		})
	}
	return map[string]any{"trail": items}, nil
}

// ---- Exports ----

// ExportJobs builds the requested artifact, records it, and flips accepted
// jobs to DELIVERED.
func (s *Service) ExportJobs(ctx context.Context, session Session, datasetID string, jobIDs []string, format string) (*export.Result, error) {
	if len(jobIDs) == 0 && datasetID != "" {
		page, err := s.store.ListDatasetJobs(ctx, datasetID, store.JobFilter{Status: store.JobQAAccepted, PageSize: 1000})
		if err != nil {
			return nil, err
		}
		for _, job := range page.Jobs {
			jobIDs = append(jobIDs, job.ID)
		}
	}
	if len(jobIDs) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "no jobs to export", nil)
	}

	result, err := s.exporter.Export(ctx, export.Request{
		DatasetID: datasetID,
		JobIDs:    jobIDs,
		Format:    export.Format(format),
	})
	if err != nil {
		if errors.Is(err, export.ErrNothingToExport) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "none of the selected jobs have annotations", nil)
		}
		return nil, err
	}

	record := store.ExportRecord{
		ID:         util.NewID("exp"),
		JobIDs:     jobIDs,
		FileSize:   int64(len(result.Data)),
		ObjectKey:  blob.ExportKey(result.Filename),
		ExportedBy: session.UserID,
	}
	if datasetID != "" {
		record.DatasetID = &datasetID
	}
	if err := s.blobs.Put(ctx, record.ObjectKey, result.Data, result.MimeType); err != nil {
		log.Printf("app: store export %s: %v", record.ObjectKey, err)
	}
	if err := s.store.InsertExportRecord(ctx, record); err != nil {
		return nil, err
	}

	for _, jobID := range jobIDs {
		if ok, err := s.store.UpdateJobStatus(ctx, jobID, store.JobQAAccepted, store.JobDelivered); err == nil && ok {
			if job, err := s.store.GetJob(ctx, jobID); err == nil {
				s.reindexJob(job)
			}
		}
	}
	return result, nil
}

func (s *Service) ListExports(ctx context.Context) (map[string]any, error) {
	records, err := s.store.ListExportRecords(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(records))
	for _, r := range records {
		item := map[string]any{
			"id":         r.ID,
			"jobIds":     r.JobIDs,
			"fileSize":   r.FileSize,
			"objectKey":  r.ObjectKey,
			"exportedBy": r.ExportedBy,
			"exportedAt": r.ExportedAt,
		}
		if r.DatasetID != nil {
			item["datasetId"] = *r.DatasetID
		}
		items = append(items, item)
	}
	return map[string]any{"exports": items}, nil
}

// ---- Search ----

func (s *Service) Search(ctx context.Context, q search.Query) (map[string]any, error) {
	if s.searcher == nil {
		return map[string]any{"results": []any{}, "total": 0, "query": q.Text}, nil
	}
	resp := s.searcher.Search(q)
	return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
}

// ---- Exclusion list ----

func (s *Service) ListExcludedHashes(ctx context.Context) (map[string]any, error) {
	hashes, err := s.store.ListExcludedHashes(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(hashes))
	for _, h := range hashes {
		items = append(items, map[string]any{
			"id":          h.ID,
			"contentHash": h.ContentHash,
			"fileName":    h.FileName,
			"note":        h.Note,
			"createdBy":   h.CreatedBy,
			"createdAt":   h.CreatedAt,
		})
	}
	return map[string]any{"excluded": items}, nil
}

// ---- Helpers ----

func (s *Service) reindexJob(job store.Job) {
	if s.searcher == nil {
		return
	}
	s.searcher.IndexJob(search.JobRecord{
		ID:          job.ID,
		FileName:    job.FileName,
		DatasetID:   job.DatasetID,
		DatasetName: job.DatasetName,
		Status:      job.Status,
	})
}

func (s *Service) jobURL(jobID string) string {
	return strings.TrimSuffix(s.cfg.CORSOrigin, "/") + "/jobs/" + jobID
}

func requireAssignee(assigned *string, session Session) error {
	if rbac.Normalize(session.Role) == rbac.RoleAdmin {
		return nil
	}
	if assigned == nil || *assigned != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "job is not assigned to you", nil)
	}
	return nil
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func toAnnotationSections(sections []eml.Section) []annotation.Section {
	out := make([]annotation.Section, 0, len(sections))
	for _, sec := range sections {
		out = append(out, annotation.Section{
			Index:   sec.Index,
			Type:    sec.Type,
			Label:   sec.Label,
			Content: sec.Content,
		})
	}
	return out
}

func toStoreAnnotations(versionID string, annotations []annotation.Annotation) []store.Annotation {
	out := make([]store.Annotation, 0, len(annotations))
	for _, a := range annotations {
		var classID *string
		if a.ClassID != "" {
			id := a.ClassID
			classID = &id
		}
		out = append(out, store.Annotation{
			ID:           a.ID,
			VersionID:    versionID,
			ClassID:      classID,
			ClassName:    a.ClassName,
			Tag:          a.Tag,
			SectionIndex: a.SectionIndex,
			StartOffset:  a.StartOffset,
			EndOffset:    a.EndOffset,
			OriginalText: a.OriginalText,
		})
	}
	return out
}

// ---- Payload builders ----

func userPayload(u store.User) map[string]any {
	return map[string]any{
		"id":                  u.ID,
		"name":                u.Name,
		"email":               u.Email,
		"role":                u.Role,
		"status":              u.Status,
		"forcePasswordChange": u.ForcePasswordChange,
		"createdAt":           u.CreatedAt,
	}
}

func datasetPayload(d store.Dataset) map[string]any {
	return map[string]any{
		"id":             d.ID,
		"name":           d.Name,
		"uploadedBy":     d.UploadedBy,
		"fileCount":      d.FileCount,
		"duplicateCount": d.DuplicateCount,
		"status":         d.Status,
		"errorMessage":   d.ErrorMessage,
		"createdAt":      d.CreatedAt,
	}
}

func jobPayload(j store.Job, blind bool) map[string]any {
	payload := map[string]any{
		"id":          j.ID,
		"datasetId":   j.DatasetID,
		"datasetName": j.DatasetName,
		"fileName":    j.FileName,
		"status":      j.Status,
		"createdAt":   j.CreatedAt,
		"updatedAt":   j.UpdatedAt,
	}
	// Blind review hides who annotated from the reviewer.
	if !blind {
		payload["annotatorName"] = j.AnnotatorName
		if j.AssignedAnnotator != nil {
			payload["assignedAnnotator"] = *j.AssignedAnnotator
		}
	}
	payload["qaName"] = j.QAName
	if j.AssignedQA != nil {
		payload["assignedQa"] = *j.AssignedQA
	}
	return payload
}

func jobListPayload(jobs []store.Job, blind bool) []map[string]any {
	items := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, jobPayload(j, blind))
	}
	return items
}

func classPayload(c store.AnnotationClass) map[string]any {
	return map[string]any{
		"id":           c.ID,
		"name":         c.Name,
		"displayLabel": c.DisplayLabel,
		"color":        c.Color,
		"description":  c.Description,
		"isDeleted":    c.IsDeleted,
		"createdAt":    c.CreatedAt,
	}
}

func settingsPayload(s platformSettings) map[string]any {
	return map[string]any{
		"minAnnotationLength":     s.MinAnnotationLength,
		"blindReview":             s.BlindReview,
		"sameValueLinking":        s.SameValueLinking,
		"autosaveIntervalSeconds": s.AutosaveIntervalSeconds,
	}
}

func versionPayload(v store.AnnotationVersion) map[string]any {
	return map[string]any{
		"id":            v.ID,
		"jobId":         v.JobID,
		"versionNumber": v.VersionNumber,
		"createdBy":     v.CreatedBy,
		"createdByName": v.CreatedByName,
		"source":        v.Source,
		"createdAt":     v.CreatedAt,
	}
}

func annotationListPayload(stored []store.Annotation) []map[string]any {
	items := make([]map[string]any, 0, len(stored))
	for _, a := range stored {
		item := map[string]any{
			"id":                a.ID,
			"className":         a.ClassName,
			"classColor":        a.ClassColor,
			"classDisplayLabel": a.ClassDisplayLabel,
			"tag":               a.Tag,
			"sectionIndex":      a.SectionIndex,
			"startOffset":       a.StartOffset,
			"endOffset":         a.EndOffset,
			"originalText":      a.OriginalText,
		}
		if a.ClassID != nil {
			item["classId"] = *a.ClassID
		}
		items = append(items, item)
	}
	return items
}

func reviewPayload(r store.QAReview) map[string]any {
	payload := map[string]any{
		"id":             r.ID,
		"jobId":          r.JobID,
		"versionNumber":  r.VersionNumber,
		"reviewedBy":     r.ReviewedBy,
		"reviewedByName": r.ReviewedByName,
		"decision":       r.Decision,
		"comments":       r.Comments,
		"reviewedAt":     r.ReviewedAt,
	}
	if r.AnnotationVersionID != nil {
		payload["annotationVersionId"] = *r.AnnotationVersionID
	}
	var mods []annotation.Modification
	if r.ModificationsSummary != "" {
		if err := json.Unmarshal([]byte(r.ModificationsSummary), &mods); err == nil {
			payload["modifications"] = mods
		}
	}
	notes := map[string]string{}
	if r.AnnotationNotes != "" {
		if err := json.Unmarshal([]byte(r.AnnotationNotes), &notes); err == nil {
			payload["annotationNotes"] = notes
		}
	}
	return payload
}
