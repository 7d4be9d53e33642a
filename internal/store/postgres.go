package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, status, force_password_change)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Role, user.Status, user.ForcePasswordChange)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, name, email, password_hash, role, status, force_password_change, created_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash,
		&user.Role, &user.Status, &user.ForcePasswordChange, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = LOWER($1)`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash,
			&user.Role, &user.Status, &user.ForcePasswordChange, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateUser(ctx context.Context, userID, name, role, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET name=$2, role=$3, status=$4 WHERE id=$1`,
		userID, name, role, status)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetUserPassword(ctx context.Context, userID, passwordHash string, forceChange bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash=$2, force_password_change=$3 WHERE id=$1`,
		userID, passwordHash, forceChange)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	return nil
}

// ---- refresh sessions ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.name, u.email, u.role, u.status, u.force_password_change
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&user.ID, &user.Name, &user.Email, &user.Role, &user.Status, &user.ForcePasswordChange)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- datasets ----

func (s *PostgresStore) InsertDataset(ctx context.Context, dataset Dataset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, name, uploaded_by, status)
		VALUES ($1, $2, $3, $4)
	`, dataset.ID, dataset.Name, nullIfBlank(dataset.UploadedBy), dataset.Status)
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishDatasetExtraction(ctx context.Context, datasetID string, fileCount, duplicateCount int, status, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE datasets SET file_count=$2, duplicate_count=$3, status=$4, error_message=$5 WHERE id=$1
	`, datasetID, fileCount, duplicateCount, status, errorMessage)
	if err != nil {
		return fmt.Errorf("finish dataset extraction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDataset(ctx context.Context, datasetID string) (Dataset, error) {
	var d Dataset
	var uploadedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, uploaded_by, file_count, duplicate_count, status, error_message, created_at
		FROM datasets WHERE id=$1
	`, datasetID).Scan(&d.ID, &d.Name, &uploadedBy, &d.FileCount, &d.DuplicateCount, &d.Status, &d.ErrorMessage, &d.CreatedAt)
	if err != nil {
		return Dataset{}, err
	}
	d.UploadedBy = uploadedBy.String
	return d, nil
}

func (s *PostgresStore) ListDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, uploaded_by, file_count, duplicate_count, status, error_message, created_at
		FROM datasets ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []Dataset
	for rows.Next() {
		var d Dataset
		var uploadedBy sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &uploadedBy, &d.FileCount, &d.DuplicateCount,
			&d.Status, &d.ErrorMessage, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		d.UploadedBy = uploadedBy.String
		datasets = append(datasets, d)
	}
	return datasets, rows.Err()
}

func (s *PostgresStore) DeleteDataset(ctx context.Context, datasetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE id=$1`, datasetID)
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	return nil
}

// ---- jobs ----

func (s *PostgresStore) InsertJob(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, dataset_id, file_name, content_hash, object_key, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, job.ID, job.DatasetID, job.FileName, job.ContentHash, job.ObjectKey, job.Status)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobSelect = `
	SELECT j.id, j.dataset_id, d.name, j.file_name, j.content_hash, j.object_key, j.status,
		j.assigned_annotator, j.assigned_qa,
		COALESCE(ua.name, ''), COALESCE(uq.name, ''),
		j.created_at, j.updated_at
	FROM jobs j
	JOIN datasets d ON d.id = j.dataset_id
	LEFT JOIN users ua ON ua.id = j.assigned_annotator
	LEFT JOIN users uq ON uq.id = j.assigned_qa
`

func scanJob(scan func(dest ...any) error) (Job, error) {
	var job Job
	err := scan(&job.ID, &job.DatasetID, &job.DatasetName, &job.FileName, &job.ContentHash,
		&job.ObjectKey, &job.Status, &job.AssignedAnnotator, &job.AssignedQA,
		&job.AnnotatorName, &job.QAName, &job.CreatedAt, &job.UpdatedAt)
	return job, err
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE j.id=$1`, jobID)
	return scanJob(row.Scan)
}

func (s *PostgresStore) JobIDByHash(ctx context.Context, contentHash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE content_hash=$1 LIMIT 1`, contentHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup job by hash: %w", err)
	}
	return id, nil
}

// UpdateJobStatus moves a job to a new status. When expectedStatus is
// non-empty the update only applies if the job is still in that status; the
// boolean result reports whether a row changed, so callers can surface a
// conflict instead of silently clobbering a concurrent transition.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID, expectedStatus, newStatus string) (bool, error) {
	var (
		result sql.Result
		err    error
	)
	if expectedStatus == "" {
		result, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status=$2, updated_at=NOW() WHERE id=$1`, jobID, newStatus)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`,
			jobID, expectedStatus, newStatus)
	}
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) AssignAnnotator(ctx context.Context, jobID, userID, newStatus string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET assigned_annotator=$2, status=$3, updated_at=NOW() WHERE id=$1`,
		jobID, nullIfBlank(userID), newStatus)
	if err != nil {
		return fmt.Errorf("assign annotator: %w", err)
	}
	return nil
}

func (s *PostgresStore) AssignQA(ctx context.Context, jobID, userID, newStatus string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET assigned_qa=$2, status=$3, updated_at=NOW() WHERE id=$1`,
		jobID, nullIfBlank(userID), newStatus)
	if err != nil {
		return fmt.Errorf("assign qa: %w", err)
	}
	return nil
}

// ListAnnotatorJobs pages the jobs assigned to one annotator. The status
// counts cover all of the annotator's jobs regardless of the page's filter.
func (s *PostgresStore) ListAnnotatorJobs(ctx context.Context, userID string, filter JobFilter) (JobPage, error) {
	return s.listAssignedJobs(ctx, "assigned_annotator", userID, filter)
}

// ListQAJobs is ListAnnotatorJobs for the reviewer queue.
func (s *PostgresStore) ListQAJobs(ctx context.Context, userID string, filter JobFilter) (JobPage, error) {
	return s.listAssignedJobs(ctx, "assigned_qa", userID, filter)
}

func (s *PostgresStore) listAssignedJobs(ctx context.Context, assignColumn, userID string, filter JobFilter) (JobPage, error) {
	where := `WHERE j.` + assignColumn + ` = $1`
	args := []any{userID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND j.status = $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where += fmt.Sprintf(" AND j.file_name ILIKE $%d", len(args))
	}

	page := JobPage{StatusCounts: map[string]int{}}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs j `+where, args...).Scan(&page.Total); err != nil {
		return JobPage{}, fmt.Errorf("count jobs: %w", err)
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	pageNum := filter.Page
	if pageNum < 1 {
		pageNum = 1
	}
	args = append(args, pageSize, (pageNum-1)*pageSize)
	query := jobSelect + where +
		fmt.Sprintf(" ORDER BY j.updated_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return JobPage{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return JobPage{}, fmt.Errorf("scan job: %w", err)
		}
		page.Jobs = append(page.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return JobPage{}, err
	}

	countRows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs j WHERE j.`+assignColumn+` = $1 GROUP BY status`, userID)
	if err != nil {
		return JobPage{}, fmt.Errorf("count job statuses: %w", err)
	}
	defer countRows.Close()
	for countRows.Next() {
		var status string
		var count int
		if err := countRows.Scan(&status, &count); err != nil {
			return JobPage{}, fmt.Errorf("scan status count: %w", err)
		}
		page.StatusCounts[status] = count
	}
	return page, countRows.Err()
}

func (s *PostgresStore) ListDatasetJobs(ctx context.Context, datasetID string, filter JobFilter) (JobPage, error) {
	where := `WHERE j.dataset_id = $1`
	args := []any{datasetID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND j.status = $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where += fmt.Sprintf(" AND j.file_name ILIKE $%d", len(args))
	}

	page := JobPage{StatusCounts: map[string]int{}}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs j `+where, args...).Scan(&page.Total); err != nil {
		return JobPage{}, fmt.Errorf("count jobs: %w", err)
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	pageNum := filter.Page
	if pageNum < 1 {
		pageNum = 1
	}
	args = append(args, pageSize, (pageNum-1)*pageSize)
	query := jobSelect + where +
		fmt.Sprintf(" ORDER BY j.file_name LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return JobPage{}, fmt.Errorf("list dataset jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return JobPage{}, fmt.Errorf("scan job: %w", err)
		}
		page.Jobs = append(page.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return JobPage{}, err
	}

	countRows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs j WHERE j.dataset_id = $1 GROUP BY status`, datasetID)
	if err != nil {
		return JobPage{}, fmt.Errorf("count job statuses: %w", err)
	}
	defer countRows.Close()
	for countRows.Next() {
		var status string
		var count int
		if err := countRows.Scan(&status, &count); err != nil {
			return JobPage{}, fmt.Errorf("scan status count: %w", err)
		}
		page.StatusCounts[status] = count
	}
	return page, countRows.Err()
}

func (s *PostgresStore) JobStatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ---- annotation classes ----

const classColumns = `id, name, display_label, color, description, COALESCE(created_by, ''), is_deleted, created_at`

func (s *PostgresStore) ListClasses(ctx context.Context, includeDeleted bool) ([]AnnotationClass, error) {
	query := `SELECT ` + classColumns + ` FROM annotation_classes`
	if !includeDeleted {
		query += ` WHERE NOT is_deleted`
	}
	query += ` ORDER BY display_label`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	defer rows.Close()

	var classes []AnnotationClass
	for rows.Next() {
		var c AnnotationClass
		if err := rows.Scan(&c.ID, &c.Name, &c.DisplayLabel, &c.Color, &c.Description,
			&c.CreatedBy, &c.IsDeleted, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan class: %w", err)
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

func (s *PostgresStore) GetClass(ctx context.Context, classID string) (AnnotationClass, error) {
	var c AnnotationClass
	err := s.db.QueryRowContext(ctx,
		`SELECT `+classColumns+` FROM annotation_classes WHERE id=$1`, classID).
		Scan(&c.ID, &c.Name, &c.DisplayLabel, &c.Color, &c.Description, &c.CreatedBy, &c.IsDeleted, &c.CreatedAt)
	return c, err
}

func (s *PostgresStore) InsertClass(ctx context.Context, class AnnotationClass) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotation_classes (id, name, display_label, color, description, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, class.ID, class.Name, class.DisplayLabel, class.Color, class.Description, nullIfBlank(class.CreatedBy))
	if err != nil {
		return fmt.Errorf("insert class: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateClass(ctx context.Context, classID, displayLabel, color, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE annotation_classes SET display_label=$2, color=$3, description=$4 WHERE id=$1
	`, classID, displayLabel, color, description)
	if err != nil {
		return fmt.Errorf("update class: %w", err)
	}
	return nil
}

// SoftDeleteClass hides a class from new annotation work. Existing
// annotations keep their class_name copy so history stays readable.
func (s *PostgresStore) SoftDeleteClass(ctx context.Context, classID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE annotation_classes SET is_deleted=TRUE WHERE id=$1`, classID)
	if err != nil {
		return fmt.Errorf("soft delete class: %w", err)
	}
	return nil
}

// ---- annotation versions ----

// InsertAnnotationVersion writes a version row and its annotations in one
// transaction; a half-written version is never visible.
func (s *PostgresStore) InsertAnnotationVersion(ctx context.Context, version AnnotationVersion, annotations []Annotation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin version tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO annotation_versions (id, job_id, version_number, created_by, source)
		VALUES ($1, $2, $3, $4, $5)
	`, version.ID, version.JobID, version.VersionNumber, nullIfBlank(version.CreatedBy), version.Source); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	for _, ann := range annotations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO annotations (id, version_id, class_id, class_name, tag, section_index, start_offset, end_offset, original_text)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, ann.ID, version.ID, ann.ClassID, ann.ClassName, ann.Tag,
			ann.SectionIndex, ann.StartOffset, ann.EndOffset, ann.OriginalText); err != nil {
			return fmt.Errorf("insert annotation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit version tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) NextVersionNumber(ctx context.Context, jobID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM annotation_versions WHERE job_id=$1`, jobID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next version number: %w", err)
	}
	return next, nil
}

const versionColumns = `
	av.id, av.job_id, av.version_number, COALESCE(av.created_by, ''), COALESCE(u.name, ''), av.source, av.created_at
`

func (s *PostgresStore) LatestVersion(ctx context.Context, jobID string) (AnnotationVersion, error) {
	var v AnnotationVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM annotation_versions av
		LEFT JOIN users u ON u.id = av.created_by
		WHERE av.job_id=$1
		ORDER BY av.version_number DESC
		LIMIT 1
	`, jobID).Scan(&v.ID, &v.JobID, &v.VersionNumber, &v.CreatedBy, &v.CreatedByName, &v.Source, &v.CreatedAt)
	return v, err
}

func (s *PostgresStore) ListVersions(ctx context.Context, jobID string) ([]AnnotationVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM annotation_versions av
		LEFT JOIN users u ON u.id = av.created_by
		WHERE av.job_id=$1
		ORDER BY av.version_number DESC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []AnnotationVersion
	for rows.Next() {
		var v AnnotationVersion
		if err := rows.Scan(&v.ID, &v.JobID, &v.VersionNumber, &v.CreatedBy, &v.CreatedByName, &v.Source, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListAnnotations returns a version's annotations, joined with the class
// registry for display colors and labels. Annotations whose class was since
// soft-deleted fall back to the class_name copy stored on the row.
func (s *PostgresStore) ListAnnotations(ctx context.Context, versionID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.version_id, a.class_id, a.class_name,
			COALESCE(c.color, ''), COALESCE(c.display_label, a.class_name),
			a.tag, a.section_index, a.start_offset, a.end_offset, a.original_text, a.created_at
		FROM annotations a
		LEFT JOIN annotation_classes c ON c.id = a.class_id
		WHERE a.version_id=$1
		ORDER BY a.created_at, a.id
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var annotations []Annotation
	for rows.Next() {
		var a Annotation
		if err := rows.Scan(&a.ID, &a.VersionID, &a.ClassID, &a.ClassName,
			&a.ClassColor, &a.ClassDisplayLabel, &a.Tag,
			&a.SectionIndex, &a.StartOffset, &a.EndOffset, &a.OriginalText, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, a)
	}
	return annotations, rows.Err()
}

// ---- qa reviews ----

func (s *PostgresStore) InsertQAReview(ctx context.Context, review QAReview) error {
	notes := review.AnnotationNotes
	if notes == "" {
		notes = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qa_reviews (id, job_id, version_number, annotation_version_id, reviewed_by, decision, comments, modifications_summary, annotation_notes)
		VALUES ($1, $2, (SELECT COALESCE(MAX(version_number), 0) + 1 FROM qa_reviews WHERE job_id=$2), $3, $4, $5, $6, $7, $8)
	`, review.ID, review.JobID, review.AnnotationVersionID, nullIfBlank(review.ReviewedBy),
		review.Decision, review.Comments, review.ModificationsSummary, notes)
	if err != nil {
		return fmt.Errorf("insert qa review: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListQAReviews(ctx context.Context, jobID string) ([]QAReview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.job_id, r.version_number, r.annotation_version_id,
			COALESCE(r.reviewed_by, ''), COALESCE(u.name, ''),
			r.decision, r.comments, r.modifications_summary, r.annotation_notes, r.reviewed_at
		FROM qa_reviews r
		LEFT JOIN users u ON u.id = r.reviewed_by
		WHERE r.job_id=$1
		ORDER BY r.version_number DESC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list qa reviews: %w", err)
	}
	defer rows.Close()

	var reviews []QAReview
	for rows.Next() {
		var r QAReview
		if err := rows.Scan(&r.ID, &r.JobID, &r.VersionNumber, &r.AnnotationVersionID,
			&r.ReviewedBy, &r.ReviewedByName, &r.Decision, &r.Comments,
			&r.ModificationsSummary, &r.AnnotationNotes, &r.ReviewedAt); err != nil {
			return nil, fmt.Errorf("scan qa review: %w", err)
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// ---- excluded file hashes ----

func (s *PostgresStore) IsHashExcluded(ctx context.Context, contentHash string) (bool, error) {
	var excluded bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM excluded_file_hashes WHERE content_hash=$1)`, contentHash).Scan(&excluded)
	if err != nil {
		return false, fmt.Errorf("check excluded hash: %w", err)
	}
	return excluded, nil
}

func (s *PostgresStore) InsertExcludedHash(ctx context.Context, entry ExcludedFileHash) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO excluded_file_hashes (id, content_hash, file_name, note, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_hash) DO NOTHING
	`, entry.ID, entry.ContentHash, entry.FileName, entry.Note, nullIfBlank(entry.CreatedBy))
	if err != nil {
		return fmt.Errorf("insert excluded hash: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExcludedHashes(ctx context.Context) ([]ExcludedFileHash, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_hash, file_name, note, COALESCE(created_by, ''), created_at
		FROM excluded_file_hashes ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list excluded hashes: %w", err)
	}
	defer rows.Close()

	var entries []ExcludedFileHash
	for rows.Next() {
		var e ExcludedFileHash
		if err := rows.Scan(&e.ID, &e.ContentHash, &e.FileName, &e.Note, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan excluded hash: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- export records ----

func (s *PostgresStore) InsertExportRecord(ctx context.Context, record ExportRecord) error {
	jobIDs, err := json.Marshal(record.JobIDs)
	if err != nil {
		return fmt.Errorf("marshal job ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO export_records (id, dataset_id, job_ids, file_size, object_key, exported_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID, record.DatasetID, jobIDs, record.FileSize, record.ObjectKey, nullIfBlank(record.ExportedBy))
	if err != nil {
		return fmt.Errorf("insert export record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExportRecords(ctx context.Context) ([]ExportRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dataset_id, job_ids, file_size, object_key, COALESCE(exported_by, ''), exported_at
		FROM export_records ORDER BY exported_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list export records: %w", err)
	}
	defer rows.Close()

	var records []ExportRecord
	for rows.Next() {
		var r ExportRecord
		var jobIDs []byte
		if err := rows.Scan(&r.ID, &r.DatasetID, &jobIDs, &r.FileSize, &r.ObjectKey, &r.ExportedBy, &r.ExportedAt); err != nil {
			return nil, fmt.Errorf("scan export record: %w", err)
		}
		if err := json.Unmarshal(jobIDs, &r.JobIDs); err != nil {
			return nil, fmt.Errorf("unmarshal job ids: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ---- platform settings ----

func (s *PostgresStore) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM platform_settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	settings := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func nullIfBlank(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
