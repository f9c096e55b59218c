package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"storymap/collab/internal/session"
)

const MinPasswordLength = 4

var (
	ErrEmptyPassword = errors.New("password is required")
	ErrShortPassword = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrWrongPassword = errors.New("incorrect password")
	ErrNoPassword    = errors.New("no password known for this map")
)

// HashPassword returns the hex SHA-256 digest sent to the server in place of
// the password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// ValidatePassword checks a new password before it is hashed.
func ValidatePassword(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return ErrShortPassword
	}
	return nil
}

// unlockedMaps reads the session record of maps this session verified.
func unlockedMaps(ctx context.Context, store session.Storage) (map[string]bool, error) {
	raw, ok, err := store.Get(ctx, session.KeyUnlockedMaps)
	if err != nil {
		return nil, fmt.Errorf("read unlocked maps: %w", err)
	}
	maps := map[string]bool{}
	if !ok || raw == "" {
		return maps, nil
	}
	if err := json.Unmarshal([]byte(raw), &maps); err != nil {
		// Corrupt records read as empty.
		return map[string]bool{}, nil
	}
	return maps, nil
}

func sessionUnlocked(ctx context.Context, store session.Storage, mapID string) bool {
	maps, err := unlockedMaps(ctx, store)
	if err != nil {
		return false
	}
	return maps[mapID]
}

func markUnlocked(ctx context.Context, store session.Storage, mapID string, unlocked bool) error {
	maps, err := unlockedMaps(ctx, store)
	if err != nil {
		return err
	}
	if unlocked {
		maps[mapID] = true
	} else {
		delete(maps, mapID)
	}
	data, err := json.Marshal(maps)
	if err != nil {
		return fmt.Errorf("encode unlocked maps: %w", err)
	}
	if err := store.Set(ctx, session.KeyUnlockedMaps, string(data)); err != nil {
		return fmt.Errorf("write unlocked maps: %w", err)
	}
	return nil
}
