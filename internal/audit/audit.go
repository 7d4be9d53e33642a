// Package audit keeps a git-backed trail of annotation snapshots. Every
// submission and QA decision for a job becomes a commit in a small per-job
// repository, so the full review history can be replayed after the fact.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"veil/api/internal/annotation"
)

const snapshotFile = "annotations.json"

// Snapshot is the unit of history: the complete annotation state of a job
// at one point in its lifecycle.
type Snapshot struct {
	JobID         string                       `json:"jobId"`
	VersionNumber int                          `json:"versionNumber"`
	Source        string                       `json:"source"`
	Decision      string                       `json:"decision,omitempty"`
	Annotations   []annotation.Annotation      `json:"annotations"`
	Statuses      map[string]annotation.Status `json:"statuses,omitempty"`
	Notes         map[string]string            `json:"notes,omitempty"`
}

// CommitInfo describes one entry of a job's trail.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Trail stores per-job audit repositories under a base directory.
type Trail struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a trail rooted at baseDir. Repositories are created lazily
// on first record.
func New(baseDir string) *Trail {
	return &Trail{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record appends a snapshot to the job's trail, initializing the
// repository if this is the job's first entry.
func (t *Trail) Record(snapshot Snapshot, author, message string) (CommitInfo, error) {
	lock := t.jobLock(snapshot.JobID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := t.openOrInit(snapshot.JobID)
	if err != nil {
		return CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.veil.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Head returns the most recent snapshot for a job.
func (t *Trail) Head(jobID string) (Snapshot, CommitInfo, error) {
	lock := t.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(t.repoPath(jobID))
	if err != nil {
		return Snapshot{}, CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return Snapshot{}, CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Snapshot{}, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	snapshot, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	return snapshot, toCommitInfo(commitObj), nil
}

// At returns the snapshot recorded at a specific commit.
func (t *Trail) At(jobID, hash string) (Snapshot, error) {
	lock := t.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(t.repoPath(jobID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshot(commitObj)
}

// History lists a job's trail, newest first. A limit of 0 returns
// everything.
func (t *Trail) History(jobID string, limit int) ([]CommitInfo, error) {
	lock := t.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(t.repoPath(jobID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (t *Trail) openOrInit(jobID string) (*git.Repository, error) {
	path := t.repoPath(jobID)

	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (t *Trail) repoPath(jobID string) string {
	return filepath.Join(t.baseDir, jobID)
}

func (t *Trail) jobLock(jobID string) *sync.Mutex {
	t.lockMu.Lock()
	defer t.lockMu.Unlock()
	lock, ok := t.locks[jobID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	t.locks[jobID] = lock
	return lock
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
