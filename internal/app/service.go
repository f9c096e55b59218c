package app

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"storymap/collab/internal/archive"
	"storymap/collab/internal/gitrepo"
	"storymap/collab/internal/mapjson"
	"storymap/collab/internal/relay"
	"storymap/collab/internal/search"
	"storymap/collab/internal/store"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const (
	passwordHashLength = 64
	maxMapIDLength     = 128
	maxLockLimiters    = 4096
)

type MapSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Online    int       `json:"online"`
}

type VersionPayload struct {
	Version gitrepo.Version `json:"version"`
	Map     json.RawMessage `json:"map"`
}

type Export struct {
	Name string
	Data []byte
}

// Service backs the HTTP API: lock state, history, search and exports of
// maps replicated through the relay hub.
type Service struct {
	store   store.Store
	hub     *relay.Hub
	git     *gitrepo.Service
	search  *search.Service
	archive *archive.Archive

	bcryptCost int
	// Unlock and remove attempts are throttled per map.
	attemptRate  rate.Limit
	attemptBurst int
	limiterMu    sync.Mutex
	limiters     map[string]*rate.Limiter
}

func New(st store.Store, hub *relay.Hub, git *gitrepo.Service, searchService *search.Service) *Service {
	return &Service{
		store:        st,
		hub:          hub,
		git:          git,
		search:       searchService,
		bcryptCost:   bcrypt.DefaultCost,
		attemptRate:  rate.Every(time.Second),
		attemptBurst: 5,
		limiters:     map[string]*rate.Limiter{},
	}
}

// SetArchive enables the archive listing endpoints.
func (s *Service) SetArchive(a *archive.Archive) {
	s.archive = a
}

func (s *Service) Hub() *relay.Hub {
	return s.hub
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) LockStatus(ctx context.Context, mapID string) (bool, error) {
	if err := validateMapID(mapID); err != nil {
		return false, err
	}
	if _, err := s.store.GetLock(ctx, mapID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Lock stores a bcrypt digest of passwordHash. It fails with LOCKED when the
// map already has a password.
func (s *Service) Lock(ctx context.Context, mapID, passwordHash string) error {
	if err := validateMapID(mapID); err != nil {
		return err
	}
	if err := validatePasswordHash(passwordHash); err != nil {
		return err
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(strings.ToLower(passwordHash)), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash lock password: %w", err)
	}
	created, err := s.store.CreateLock(ctx, mapID, string(digest))
	if err != nil {
		return err
	}
	if !created {
		return domainError(http.StatusConflict, "LOCKED", "Map is already locked", nil)
	}
	log.Printf("lock: locked map %s", mapID)
	return nil
}

// Unlock reports whether passwordHash matches the map's lock. An unlocked
// map has nothing to match.
func (s *Service) Unlock(ctx context.Context, mapID, passwordHash string) (bool, error) {
	lock, found, err := s.checkAttempt(ctx, mapID, passwordHash)
	if err != nil || !found {
		return false, err
	}
	return matches(lock, passwordHash), nil
}

// RemoveLock clears the lock when passwordHash matches. Removing the lock of
// an unlocked map succeeds.
func (s *Service) RemoveLock(ctx context.Context, mapID, passwordHash string) (bool, error) {
	lock, found, err := s.checkAttempt(ctx, mapID, passwordHash)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	if !matches(lock, passwordHash) {
		return false, nil
	}
	if err := s.store.DeleteLock(ctx, mapID); err != nil {
		return false, err
	}
	log.Printf("lock: removed lock on map %s", mapID)
	return true, nil
}

func (s *Service) checkAttempt(ctx context.Context, mapID, passwordHash string) (store.Lock, bool, error) {
	if err := validateMapID(mapID); err != nil {
		return store.Lock{}, false, err
	}
	if err := validatePasswordHash(passwordHash); err != nil {
		return store.Lock{}, false, err
	}
	if !s.allowAttempt(mapID) {
		return store.Lock{}, false, domainError(http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "Too many attempts, try again shortly", nil)
	}
	lock, err := s.store.GetLock(ctx, mapID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Lock{}, false, nil
	}
	if err != nil {
		return store.Lock{}, false, err
	}
	return lock, true, nil
}

func matches(lock store.Lock, passwordHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(lock.PasswordHash), []byte(strings.ToLower(passwordHash))) == nil
}

func (s *Service) allowAttempt(mapID string) bool {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[mapID]
	if !ok {
		if len(s.limiters) >= maxLockLimiters {
			// Limiters back at full burst carry no state worth keeping.
			for id, l := range s.limiters {
				if l.Tokens() >= float64(s.attemptBurst) {
					delete(s.limiters, id)
				}
			}
		}
		limiter = rate.NewLimiter(s.attemptRate, s.attemptBurst)
		s.limiters[mapID] = limiter
	}
	return limiter.Allow()
}

func (s *Service) ListMaps(ctx context.Context) ([]MapSummary, error) {
	maps, err := s.store.ListMaps(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MapSummary, 0, len(maps))
	for _, m := range maps {
		summary := MapSummary{ID: m.ID, Name: m.Name, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
		if room, ok := s.hub.Room(m.ID); ok {
			summary.Online = room.Peers()
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *Service) Search(query string, limit, offset int) search.Response {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if strings.TrimSpace(query) == "" || s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}
	}
	return s.search.Search(search.Query{Text: query, Limit: limit, Offset: offset})
}

func (s *Service) History(ctx context.Context, mapID string, limit int) ([]gitrepo.Version, error) {
	if err := validateMapID(mapID); err != nil {
		return nil, err
	}
	versions, err := s.git.History(mapID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return []gitrepo.Version{}, nil
	}
	return versions, err
}

func (s *Service) Version(ctx context.Context, mapID, hash string) (VersionPayload, error) {
	if err := validateMapID(mapID); err != nil {
		return VersionPayload{}, err
	}
	if strings.TrimSpace(hash) == "" {
		return VersionPayload{}, validationError("hash", "Version hash is required")
	}
	data, version, err := s.git.SnapshotByHash(mapID, hash)
	if err != nil {
		return VersionPayload{}, err
	}
	return VersionPayload{Version: version, Map: json.RawMessage(data)}, nil
}

// Export serializes the current state of mapID, live or stored.
func (s *Service) Export(ctx context.Context, mapID string) (Export, error) {
	if err := validateMapID(mapID); err != nil {
		return Export{}, err
	}
	doc, err := s.hub.Document(ctx, mapID)
	if err != nil {
		return Export{}, err
	}
	data, err := mapjson.Marshal(doc)
	if err != nil {
		return Export{}, fmt.Errorf("export map %s: %w", mapID, err)
	}
	return Export{Name: doc.Name, Data: data}, nil
}

func (s *Service) Archives(ctx context.Context, mapID string) ([]archive.Object, error) {
	if err := validateMapID(mapID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "Archive is not configured", nil)
	}
	return s.archive.List(ctx, mapID)
}

func validateMapID(mapID string) error {
	if strings.TrimSpace(mapID) == "" || len(mapID) > maxMapIDLength || strings.ContainsAny(mapID, "/\\") {
		return validationError("mapId", "Invalid map id")
	}
	return nil
}

func validatePasswordHash(hash string) error {
	if len(hash) != passwordHashLength {
		return validationError("passwordHash", "passwordHash must be a hex SHA-256 digest")
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return validationError("passwordHash", "passwordHash must be a hex SHA-256 digest")
	}
	return nil
}
