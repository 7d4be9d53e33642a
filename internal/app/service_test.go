package app

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"veil/api/internal/annotation"
	"veil/api/internal/audit"
	"veil/api/internal/authpw"
	"veil/api/internal/config"
	"veil/api/internal/draftstore"
	"veil/api/internal/export"
	"veil/api/internal/store"
)

const testPassword = "correct-horse-9"

// testEmail has one headers section and one plain-text body section. The
// body's "alice@example.com" sits at code points 8..25.
const testEmail = "From: alice@example.com\nSubject: Hello\n\nContact alice@example.com for details."

// fakeStore is an in-memory dataStore and authpw.UserStore. Behavior that a
// test needs to break is overridable through the function fields.
type fakeStore struct {
	mu sync.Mutex

	users       map[string]store.User
	datasets    map[string]store.Dataset
	jobs        map[string]store.Job
	classes     map[string]store.AnnotationClass
	versions    map[string]store.AnnotationVersion
	annotations map[string][]store.Annotation
	reviews     []store.QAReview
	excluded    map[string]store.ExcludedFileHash
	exports     []store.ExportRecord
	settings    map[string]string
	refresh     map[string]string
	revokedJTI  map[string]bool

	updateJobStatus func(ctx context.Context, jobID, expected, next string) (bool, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]store.User{},
		datasets:    map[string]store.Dataset{},
		jobs:        map[string]store.Job{},
		classes:     map[string]store.AnnotationClass{},
		versions:    map[string]store.AnnotationVersion{},
		annotations: map[string][]store.Annotation{},
		excluded:    map[string]store.ExcludedFileHash{},
		settings:    map[string]string{},
		refresh:     map[string]string{},
		revokedJTI:  map[string]bool{},
	}
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == strings.ToLower(email) {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(_ context.Context, u store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return nil
}

func (f *fakeStore) ListUsers(_ context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, id, name, role, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	u.Name, u.Role, u.Status = name, role, status
	f.users[id] = u
	return nil
}

func (f *fakeStore) SetUserPassword(_ context.Context, id, hash string, forceChange bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash, u.ForcePasswordChange = hash, forceChange
	f.users[id] = u
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	userID, ok := f.refresh[tokenHash]
	f.mu.Unlock()
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.GetUserByID(ctx, userID)
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokedJTI[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokedJTI[jti], nil
}

func (f *fakeStore) InsertDataset(_ context.Context, d store.Dataset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[d.ID] = d
	return nil
}

func (f *fakeStore) FinishDatasetExtraction(_ context.Context, id string, fileCount, duplicates int, status, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.datasets[id]
	if !ok {
		return sql.ErrNoRows
	}
	d.FileCount, d.DuplicateCount, d.Status, d.ErrorMessage = fileCount, duplicates, status, errorMessage
	f.datasets[id] = d
	return nil
}

func (f *fakeStore) GetDataset(_ context.Context, id string) (store.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.datasets[id]
	if !ok {
		return store.Dataset{}, sql.ErrNoRows
	}
	return d, nil
}

func (f *fakeStore) ListDatasets(_ context.Context) ([]store.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Dataset, 0, len(f.datasets))
	for _, d := range f.datasets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) DeleteDataset(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.datasets, id)
	for jobID, job := range f.jobs {
		if job.DatasetID == id {
			delete(f.jobs, jobID)
		}
	}
	return nil
}

func (f *fakeStore) ListDatasetJobs(_ context.Context, datasetID string, filter store.JobFilter) (store.JobPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageLocked(func(j store.Job) bool { return j.DatasetID == datasetID }, filter), nil
}

func (f *fakeStore) InsertJob(_ context.Context, j store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.Job{}, sql.ErrNoRows
	}
	return j, nil
}

func (f *fakeStore) JobIDByHash(_ context.Context, contentHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ContentHash == contentHash {
			return j.ID, nil
		}
	}
	return "", nil
}

func (f *fakeStore) UpdateJobStatus(ctx context.Context, jobID, expected, next string) (bool, error) {
	if f.updateJobStatus != nil {
		return f.updateJobStatus(ctx, jobID, expected, next)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.Status != expected {
		return false, nil
	}
	j.Status = next
	f.jobs[jobID] = j
	return true, nil
}

func (f *fakeStore) AssignAnnotator(_ context.Context, jobID, userID, newStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return sql.ErrNoRows
	}
	j.AssignedAnnotator = &userID
	j.AnnotatorName = f.users[userID].Name
	j.Status = newStatus
	f.jobs[jobID] = j
	return nil
}

func (f *fakeStore) AssignQA(_ context.Context, jobID, userID, newStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return sql.ErrNoRows
	}
	j.AssignedQA = &userID
	j.QAName = f.users[userID].Name
	j.Status = newStatus
	f.jobs[jobID] = j
	return nil
}

func (f *fakeStore) ListAnnotatorJobs(_ context.Context, userID string, filter store.JobFilter) (store.JobPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageLocked(func(j store.Job) bool {
		return j.AssignedAnnotator != nil && *j.AssignedAnnotator == userID
	}, filter), nil
}

func (f *fakeStore) ListQAJobs(_ context.Context, userID string, filter store.JobFilter) (store.JobPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageLocked(func(j store.Job) bool {
		if j.Status == store.JobSubmittedForQA {
			return true
		}
		return j.AssignedQA != nil && *j.AssignedQA == userID
	}, filter), nil
}

func (f *fakeStore) pageLocked(match func(store.Job) bool, filter store.JobFilter) store.JobPage {
	page := store.JobPage{StatusCounts: map[string]int{}}
	for _, j := range f.jobs {
		if !match(j) {
			continue
		}
		page.StatusCounts[j.Status]++
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		page.Jobs = append(page.Jobs, j)
	}
	sort.Slice(page.Jobs, func(i, j int) bool { return page.Jobs[i].ID < page.Jobs[j].ID })
	page.Total = len(page.Jobs)
	return page
}

func (f *fakeStore) JobStatusCounts(_ context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[string]int{}
	for _, j := range f.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (f *fakeStore) ListClasses(_ context.Context, includeDeleted bool) ([]store.AnnotationClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AnnotationClass, 0, len(f.classes))
	for _, c := range f.classes {
		if c.IsDeleted && !includeDeleted {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) GetClass(_ context.Context, id string) (store.AnnotationClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.classes[id]
	if !ok {
		return store.AnnotationClass{}, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) InsertClass(_ context.Context, c store.AnnotationClass) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classes[c.ID] = c
	return nil
}

func (f *fakeStore) UpdateClass(_ context.Context, id, displayLabel, color, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.classes[id]
	if !ok {
		return sql.ErrNoRows
	}
	c.DisplayLabel, c.Color, c.Description = displayLabel, color, description
	f.classes[id] = c
	return nil
}

func (f *fakeStore) SoftDeleteClass(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.classes[id]
	if !ok {
		return sql.ErrNoRows
	}
	c.IsDeleted = true
	f.classes[id] = c
	return nil
}

func (f *fakeStore) InsertAnnotationVersion(_ context.Context, v store.AnnotationVersion, annotations []store.Annotation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[v.ID] = v
	f.annotations[v.ID] = annotations
	return nil
}

func (f *fakeStore) NextVersionNumber(_ context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, v := range f.versions {
		if v.JobID == jobID && v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max + 1, nil
}

func (f *fakeStore) LatestVersion(_ context.Context, jobID string) (store.AnnotationVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest store.AnnotationVersion
	found := false
	for _, v := range f.versions {
		if v.JobID == jobID && (!found || v.VersionNumber > latest.VersionNumber) {
			latest = v
			found = true
		}
	}
	if !found {
		return store.AnnotationVersion{}, sql.ErrNoRows
	}
	return latest, nil
}

func (f *fakeStore) ListVersions(_ context.Context, jobID string) ([]store.AnnotationVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.AnnotationVersion
	for _, v := range f.versions {
		if v.JobID == jobID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (f *fakeStore) ListAnnotations(_ context.Context, versionID string) ([]store.Annotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.annotations[versionID], nil
}

func (f *fakeStore) InsertQAReview(_ context.Context, r store.QAReview) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, r)
	return nil
}

func (f *fakeStore) ListQAReviews(_ context.Context, jobID string) ([]store.QAReview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.QAReview
	for _, r := range f.reviews {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) IsHashExcluded(_ context.Context, contentHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.excluded[contentHash]
	return ok, nil
}

func (f *fakeStore) InsertExcludedHash(_ context.Context, e store.ExcludedFileHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excluded[e.ContentHash] = e
	return nil
}

func (f *fakeStore) ListExcludedHashes(_ context.Context) ([]store.ExcludedFileHash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ExcludedFileHash, 0, len(f.excluded))
	for _, e := range f.excluded {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) InsertExportRecord(_ context.Context, r store.ExportRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports = append(f.exports, r)
	return nil
}

func (f *fakeStore) ListExportRecords(_ context.Context) ([]store.ExportRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ExportRecord(nil), f.exports...), nil
}

func (f *fakeStore) GetSettings(_ context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.settings))
	for k, v := range f.settings {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) SetSetting(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

// fakeTrail records snapshots in memory.
type fakeTrail struct {
	mu      sync.Mutex
	commits map[string][]audit.CommitInfo
	heads   map[string]audit.Snapshot
}

func newFakeTrail() *fakeTrail {
	return &fakeTrail{commits: map[string][]audit.CommitInfo{}, heads: map[string]audit.Snapshot{}}
}

func (f *fakeTrail) Record(snapshot audit.Snapshot, author, message string) (audit.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := audit.CommitInfo{
		Hash:      fmt.Sprintf("%07d", len(f.commits[snapshot.JobID])+1),
		Message:   message,
		Author:    author,
		CreatedAt: time.Now(),
	}
	f.commits[snapshot.JobID] = append([]audit.CommitInfo{info}, f.commits[snapshot.JobID]...)
	f.heads[snapshot.JobID] = snapshot
	return info, nil
}

func (f *fakeTrail) History(jobID string, _ int) ([]audit.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.CommitInfo(nil), f.commits[jobID]...), nil
}

func (f *fakeTrail) At(jobID, _ string) (audit.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads[jobID], nil
}

// fakeDrafts is an in-memory draft store.
type fakeDrafts struct {
	mu      sync.Mutex
	entries map[string]draftstore.Entry
}

func newFakeDrafts() *fakeDrafts {
	return &fakeDrafts{entries: map[string]draftstore.Entry{}}
}

func (f *fakeDrafts) Save(_ context.Context, jobID, stage, userID string, draft annotation.Draft) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[jobID+":"+stage] = draftstore.Entry{Draft: draft, SavedBy: userID, SavedAt: time.Now()}
	return nil
}

func (f *fakeDrafts) Load(_ context.Context, jobID, stage string) (draftstore.Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[jobID+":"+stage]
	return entry, ok, nil
}

func (f *fakeDrafts) Discard(_ context.Context, jobID, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, jobID+":"+stage)
	return nil
}

// fakeBlobs is in-memory object storage.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found: " + key)
	}
	return data, nil
}

func (f *fakeBlobs) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

type fakeExporter struct {
	export func(ctx context.Context, req export.Request) (*export.Result, error)
}

func (f *fakeExporter) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	if f.export != nil {
		return f.export(ctx, req)
	}
	return &export.Result{Data: []byte("job_id\n"), Filename: "annotations-test.csv", MimeType: "text/csv"}, nil
}

type testEnv struct {
	svc    *Service
	store  *fakeStore
	trail  *fakeTrail
	drafts *fakeDrafts
	blobs  *fakeBlobs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fs := newFakeStore()
	ft := newFakeTrail()
	fd := newFakeDrafts()
	fb := newFakeBlobs()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	for _, u := range []store.User{
		{ID: "usr_ann", Name: "Ada", Email: "ada@example.com", Role: "ANNOTATOR", Status: store.UserActive, PasswordHash: string(hash)},
		{ID: "usr_qa", Name: "Quinn", Email: "quinn@example.com", Role: "QA", Status: store.UserActive, PasswordHash: string(hash)},
		{ID: "usr_adm", Name: "Ade", Email: "ade@example.com", Role: "ADMIN", Status: store.UserActive, PasswordHash: string(hash)},
	} {
		fs.users[u.ID] = u
	}

	fs.classes["cls_email"] = store.AnnotationClass{ID: "cls_email", Name: "email", DisplayLabel: "Email", Color: "#fca5a5"}
	fs.datasets["ds_1"] = store.Dataset{ID: "ds_1", Name: "March Batch", Status: store.DatasetReady, FileCount: 1}

	annotator := "usr_ann"
	fs.jobs["job_1"] = store.Job{
		ID:                "job_1",
		DatasetID:         "ds_1",
		DatasetName:       "March Batch",
		FileName:          "mail_0001.eml",
		ContentHash:       "hash-1",
		ObjectKey:         "emails/ds_1/hash-1.eml",
		Status:            store.JobAssignedAnnotator,
		AssignedAnnotator: &annotator,
		AnnotatorName:     "Ada",
	}
	fb.objects["emails/ds_1/hash-1.eml"] = []byte(testEmail)

	svc := &Service{
		cfg: config.Config{
			JWTSecret:        "test-secret",
			AccessTTL:        time.Hour,
			RefreshTTL:       24 * time.Hour,
			CORSOrigin:       "http://localhost:3000",
			AutosaveInterval: 15 * time.Second,
		},
		store:    fs,
		accounts: authpw.NewService(fs),
		trail:    ft,
		drafts:   fd,
		blobs:    fb,
		exporter: &fakeExporter{},
	}
	return &testEnv{svc: svc, store: fs, trail: ft, drafts: fd, blobs: fb}
}

func (e *testEnv) session(t *testing.T, userID string) Session {
	t.Helper()
	u := e.store.users[userID]
	return Session{UserID: u.ID, UserName: u.Name, Email: u.Email, Role: u.Role}
}

func bodyAnnotation() annotation.Annotation {
	return annotation.Annotation{
		ID:           "ann-1",
		ClassID:      "cls_email",
		ClassName:    "email",
		ClassColor:   "#fca5a5",
		Tag:          "[email_1]",
		SectionIndex: 1,
		StartOffset:  8,
		EndOffset:    25,
		OriginalText: "alice@example.com",
	}
}

func TestSignInIssuesWorkingSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.SignIn(ctx, "ada@example.com", testPassword)
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", session)
	}

	parsed, err := env.svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if parsed.UserID != "usr_ann" || parsed.Role != "ANNOTATOR" {
		t.Fatalf("unexpected session identity: %+v", parsed)
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.SignIn(context.Background(), "ada@example.com", "nope-nope-nope")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.SignIn(ctx, "ada@example.com", testPassword)
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	second, err := env.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if _, err := env.svc.Refresh(ctx, first.RefreshToken); err == nil {
		t.Fatal("expected old refresh token to be revoked")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.SignIn(ctx, "ada@example.com", testPassword)
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if err := env.svc.Logout(ctx, session, session.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.svc.SessionFromToken(ctx, session.Token); err == nil {
		t.Fatal("expected access token to be revoked")
	}
}

func TestAnnotationSubmitLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	annotator := env.session(t, "usr_ann")

	payload, err := env.svc.StartAnnotation(ctx, annotator, "job_1")
	if err != nil {
		t.Fatalf("start annotation: %v", err)
	}
	sections, ok := payload["sections"].([]annotation.Section)
	if !ok || len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %v", payload["sections"])
	}
	if sections[1].Content != "Contact alice@example.com for details." {
		t.Fatalf("unexpected body content %q", sections[1].Content)
	}

	draft := annotation.Draft{Version: annotation.DraftVersion, Annotations: []annotation.Annotation{bodyAnnotation()}}
	if _, err := env.svc.SaveDraft(ctx, annotator, "job_1", StageAnnotate, draft); err != nil {
		t.Fatalf("save draft: %v", err)
	}

	result, err := env.svc.SubmitAnnotation(ctx, annotator, "job_1", []annotation.Annotation{bodyAnnotation()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := result["job"].(map[string]any)
	if job["status"] != store.JobSubmittedForQA {
		t.Fatalf("expected SUBMITTED_FOR_QA, got %v", job["status"])
	}

	version, err := env.store.LatestVersion(ctx, "job_1")
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if version.VersionNumber != 1 || version.Source != store.SourceAnnotator {
		t.Fatalf("unexpected version %+v", version)
	}
	stored, _ := env.store.ListAnnotations(ctx, version.ID)
	if len(stored) != 1 || stored[0].Tag != "[email_1]" {
		t.Fatalf("unexpected stored annotations %+v", stored)
	}

	if _, ok, _ := env.drafts.Load(ctx, "job_1", StageAnnotate); ok {
		t.Fatal("expected the annotation draft to be discarded after submit")
	}
	commits, _ := env.trail.History("job_1", 0)
	if len(commits) != 1 {
		t.Fatalf("expected 1 trail commit, got %d", len(commits))
	}
}

func TestSubmitRejectsOutOfBoundsSpan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	annotator := env.session(t, "usr_ann")

	if _, err := env.svc.StartAnnotation(ctx, annotator, "job_1"); err != nil {
		t.Fatalf("start annotation: %v", err)
	}

	bad := bodyAnnotation()
	bad.EndOffset = 4000
	_, err := env.svc.SubmitAnnotation(ctx, annotator, "job_1", []annotation.Annotation{bad})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestStartAnnotationRequiresAssignment(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.StartAnnotation(context.Background(), env.session(t, "usr_qa"), "job_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func submitJob(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	annotator := env.session(t, "usr_ann")
	if _, err := env.svc.StartAnnotation(ctx, annotator, "job_1"); err != nil {
		t.Fatalf("start annotation: %v", err)
	}
	if _, err := env.svc.SubmitAnnotation(ctx, annotator, "job_1", []annotation.Annotation{bodyAnnotation()}); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestReviewAcceptLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	qa := env.session(t, "usr_qa")
	submitJob(t, env)

	if _, err := env.svc.ClaimReview(ctx, qa, "job_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.svc.StartReview(ctx, qa, "job_1"); err != nil {
		t.Fatalf("start review: %v", err)
	}

	result, err := env.svc.AcceptReview(ctx, qa, "job_1", ReviewDecisionInput{Comments: "looks complete"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if result["job"].(map[string]any)["status"] != store.JobQAAccepted {
		t.Fatalf("expected QA_ACCEPTED, got %v", result["job"])
	}

	reviews, _ := env.store.ListQAReviews(ctx, "job_1")
	if len(reviews) != 1 || reviews[0].Decision != store.DecisionAccept {
		t.Fatalf("unexpected reviews %+v", reviews)
	}
}

func TestReviewAcceptWithModificationsCreatesQAVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	qa := env.session(t, "usr_qa")
	submitJob(t, env)

	if _, err := env.svc.ClaimReview(ctx, qa, "job_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.svc.StartReview(ctx, qa, "job_1"); err != nil {
		t.Fatalf("start review: %v", err)
	}

	modified := bodyAnnotation()
	modified.StartOffset = 8
	modified.EndOffset = 25
	input := ReviewDecisionInput{
		Modifications: []annotation.Modification{{Type: annotation.ModModified, AnnotationID: "ann-1", Description: "tightened span"}},
		Annotations:   []annotation.Annotation{modified},
	}
	if _, err := env.svc.AcceptReview(ctx, qa, "job_1", input); err != nil {
		t.Fatalf("accept with modifications: %v", err)
	}

	version, err := env.store.LatestVersion(ctx, "job_1")
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if version.VersionNumber != 2 || version.Source != store.SourceQA {
		t.Fatalf("expected QA version 2, got %+v", version)
	}
}

func TestReviewRejectRequiresSubstantialComments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	qa := env.session(t, "usr_qa")
	submitJob(t, env)

	if _, err := env.svc.ClaimReview(ctx, qa, "job_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.svc.StartReview(ctx, qa, "job_1"); err != nil {
		t.Fatalf("start review: %v", err)
	}

	_, err := env.svc.RejectReview(ctx, qa, "job_1", ReviewDecisionInput{Comments: "bad"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestReviewRejectReturnsJobToAnnotator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	qa := env.session(t, "usr_qa")
	annotator := env.session(t, "usr_ann")
	submitJob(t, env)

	if _, err := env.svc.ClaimReview(ctx, qa, "job_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.svc.StartReview(ctx, qa, "job_1"); err != nil {
		t.Fatalf("start review: %v", err)
	}
	result, err := env.svc.RejectReview(ctx, qa, "job_1", ReviewDecisionInput{
		Comments:        "missing the person name in the body",
		AnnotationNotes: map[string]string{"ann-1": "span too wide"},
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if result["job"].(map[string]any)["status"] != store.JobQARejected {
		t.Fatalf("expected QA_REJECTED, got %v", result["job"])
	}

	// The annotator can pick the job back up for rework.
	if _, err := env.svc.StartAnnotation(ctx, annotator, "job_1"); err != nil {
		t.Fatalf("restart after reject: %v", err)
	}
}

func TestDiscardJobExcludesHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.session(t, "usr_adm")

	result, err := env.svc.DiscardJob(ctx, admin, "job_1", "test fixture leaked in")
	if err != nil {
		t.Fatalf("discard: %v", err)
	}
	if result["job"].(map[string]any)["status"] != store.JobDiscarded {
		t.Fatalf("expected DISCARDED, got %v", result["job"])
	}
	excluded, err := env.store.IsHashExcluded(ctx, "hash-1")
	if err != nil || !excluded {
		t.Fatalf("expected hash-1 excluded, got %v %v", excluded, err)
	}
}

func TestCreateDatasetZipDedupesAndExcludes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.session(t, "usr_adm")

	second := "From: bob@example.com\n\nHello from Bob."
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"a.eml":      testEmail,
		"nested/b":   "not an email file",
		"dup.eml":    second,
		"dupler.eml": second,
	} {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	payload, err := env.svc.CreateDataset(ctx, admin, "April Batch", "april.zip", buf.Bytes())
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	dataset := payload["dataset"].(map[string]any)
	// dup.eml and dupler.eml share content, so one of them imports and the
	// other counts as a duplicate; the non-.eml entry is skipped outright.
	if dataset["fileCount"] != 2 || dataset["duplicateCount"] != 1 {
		t.Fatalf("expected 2 imported / 1 duplicate, got %v / %v", dataset["fileCount"], dataset["duplicateCount"])
	}
}

func TestCreateDatasetRejectsEmptyUpload(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateDataset(context.Background(), env.session(t, "usr_adm"), "Empty", "x.zip", nil)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestExportMarksAcceptedJobsDelivered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.session(t, "usr_adm")
	qa := env.session(t, "usr_qa")
	submitJob(t, env)
	if _, err := env.svc.ClaimReview(ctx, qa, "job_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.svc.StartReview(ctx, qa, "job_1"); err != nil {
		t.Fatalf("start review: %v", err)
	}
	if _, err := env.svc.AcceptReview(ctx, qa, "job_1", ReviewDecisionInput{}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	result, err := env.svc.ExportJobs(ctx, admin, "", []string{"job_1"}, "csv")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.MimeType != "text/csv" {
		t.Fatalf("unexpected mime type %q", result.MimeType)
	}

	job, _ := env.store.GetJob(ctx, "job_1")
	if job.Status != store.JobDelivered {
		t.Fatalf("expected DELIVERED, got %s", job.Status)
	}
	records, _ := env.store.ListExportRecords(ctx)
	if len(records) != 1 || records[0].ExportedBy != "usr_adm" {
		t.Fatalf("unexpected export records %+v", records)
	}
	if _, err := env.blobs.Get(ctx, records[0].ObjectKey); err != nil {
		t.Fatalf("expected export stored in blob storage: %v", err)
	}
}

func TestBlindReviewHidesAnnotatorFromQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.settings["blind_review"] = "true"
	submitJob(t, env)

	payload, err := env.svc.ReviewQueue(ctx, env.session(t, "usr_qa"), store.JobFilter{})
	if err != nil {
		t.Fatalf("review queue: %v", err)
	}
	jobs := payload["jobs"].([]map[string]any)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job in queue, got %d", len(jobs))
	}
	if _, present := jobs[0]["annotatorName"]; present {
		t.Fatalf("expected annotator identity hidden, got %v", jobs[0])
	}
}

func TestCreateUserReturnsTempPasswordWithoutMailer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload, err := env.svc.CreateUser(ctx, "New Person", "new@example.com", "QA")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	temp, ok := payload["tempPassword"].(string)
	if !ok || temp == "" {
		t.Fatal("expected tempPassword in payload when mail is not configured")
	}

	session, err := env.svc.SignIn(ctx, "new@example.com", temp)
	if err != nil {
		t.Fatalf("sign in with temp password: %v", err)
	}
	if !session.ForcePasswordChange {
		t.Fatal("expected forced password change on first sign-in")
	}
}

func TestUpdateSettingValidatesValues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.UpdateSetting(ctx, "min_annotation_length", "3"); err != nil {
		t.Fatalf("update setting: %v", err)
	}
	payload, err := env.svc.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	settings := payload["settings"].(map[string]any)
	if settings["minAnnotationLength"] != 3 {
		t.Fatalf("expected minAnnotationLength 3, got %v", settings["minAnnotationLength"])
	}

	if _, err := env.svc.UpdateSetting(ctx, "min_annotation_length", "zero"); err == nil {
		t.Fatal("expected rejection of non-integer value")
	}
	if _, err := env.svc.UpdateSetting(ctx, "unknown_key", "1"); err == nil {
		t.Fatal("expected rejection of unknown key")
	}
}

func TestSubmitStatusConflictOnConcurrentChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	annotator := env.session(t, "usr_ann")

	if _, err := env.svc.StartAnnotation(ctx, annotator, "job_1"); err != nil {
		t.Fatalf("start annotation: %v", err)
	}
	env.store.updateJobStatus = func(context.Context, string, string, string) (bool, error) {
		return false, nil
	}

	_, err := env.svc.SubmitAnnotation(ctx, annotator, "job_1", []annotation.Annotation{bodyAnnotation()})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "STATUS_CONFLICT" {
		t.Fatalf("expected STATUS_CONFLICT, got %v", err)
	}
}
