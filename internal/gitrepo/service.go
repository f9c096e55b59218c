// Package gitrepo keeps a git repository per map holding every flushed
// snapshot of its serialized document.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	snapshotFile = "map.json"
	mainBranch   = "main"
)

var (
	ErrNoHistory = errors.New("map has no history")
	ErrInvalidID = errors.New("invalid map id")
)

// Version describes one committed snapshot.
type Version struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitSnapshot records data as the map's latest version. The repository is
// created on first use. A snapshot identical to the current head is not
// committed and reports false.
func (s *Service) CommitSnapshot(mapID string, data []byte, author, message string) (Version, bool, error) {
	if err := checkID(mapID); err != nil {
		return Version{}, false, err
	}
	lock := s.mapLock(mapID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := indent(data)
	if err != nil {
		return Version{}, false, err
	}

	repo, err := s.openOrInit(mapID)
	if err != nil {
		return Version{}, false, err
	}
	if head, err := headCommit(repo); err == nil {
		current, err := readSnapshot(head)
		if err == nil && bytes.Equal(current, payload) {
			return toVersion(head), false, nil
		}
	} else if !errors.Is(err, ErrNoHistory) {
		return Version{}, false, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Version{}, false, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, snapshotFile), payload, 0o644); err != nil {
		return Version{}, false, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Version{}, false, fmt.Errorf("git add snapshot: %w", err)
	}
	if author == "" {
		author = "storymap"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@storymap.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Version{}, false, fmt.Errorf("commit snapshot: %w", err)
	}
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commit), true, nil
}

// History lists versions newest first. limit <= 0 returns everything.
func (s *Service) History(mapID string, limit int) ([]Version, error) {
	if err := checkID(mapID); err != nil {
		return nil, err
	}
	lock := s.mapLock(mapID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(mapID)
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0)
	err = iter.ForEach(func(commit *object.Commit) error {
		items = append(items, toVersion(commit))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotByHash returns the serialized map committed at hash. Abbreviated
// hashes are resolved.
func (s *Service) SnapshotByHash(mapID, hash string) ([]byte, Version, error) {
	if err := checkID(mapID); err != nil {
		return nil, Version{}, err
	}
	lock := s.mapLock(mapID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(mapID)
	if err != nil {
		return nil, Version{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, Version{}, err
	}
	commit, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, Version{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	data, err := readSnapshot(commit)
	if err != nil {
		return nil, Version{}, err
	}
	return data, toVersion(commit), nil
}

func (s *Service) repoPath(mapID string) string {
	return filepath.Join(s.baseDir, mapID)
}

func (s *Service) mapLock(mapID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[mapID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[mapID] = lock
	return lock
}

func (s *Service) open(mapID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(mapID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("map %s: %w", mapID, ErrNoHistory)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(mapID string) (*git.Repository, error) {
	path := s.repoPath(mapID)
	if _, err := os.Stat(path); err == nil {
		return s.open(mapID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	// Unborn HEAD points at main so the first commit creates that branch.
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commit, nil
}

func readSnapshot(commit *object.Commit) ([]byte, error) {
	file, err := commit.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}
	return data, nil
}

func indent(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("format snapshot: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func toVersion(commit *object.Commit) Version {
	return Version{
		Hash:      commit.Hash.String()[:7],
		Message:   strings.TrimSpace(commit.Message),
		Author:    commit.Author.Name,
		CreatedAt: commit.Author.When,
	}
}

func checkID(mapID string) error {
	if mapID == "" || mapID == "." || mapID == ".." || strings.ContainsAny(mapID, `/\`) {
		return fmt.Errorf("%q: %w", mapID, ErrInvalidID)
	}
	return nil
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
