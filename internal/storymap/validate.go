package storymap

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidURL    = errors.New("url must be an http or https address")
	ErrInvalidPoints = errors.New("points must be a number")
	ErrInvalidStatus = errors.New("unknown status")
)

// ValidateURL returns the trimmed url when it is an absolute http(s) address.
// An empty input is valid and means no url.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", ErrInvalidURL
	}
	if parsed.Host == "" {
		return "", ErrInvalidURL
	}
	return raw, nil
}

// SanitizeURL drops invalid urls instead of failing.
func SanitizeURL(raw string) string {
	clean, err := ValidateURL(raw)
	if err != nil {
		return ""
	}
	return clean
}

// ParsePoints parses user input for the points field. Blank input clears it.
func ParsePoints(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, ErrInvalidPoints
	}
	return &value, nil
}

func ParseStatus(raw string) (Status, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", nil
	}
	status := Status(raw)
	if _, ok := validStatuses[status]; !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidStatus, raw)
	}
	return status, nil
}

// NormalizeTags lowercases, trims and dedupes tags into a sorted set.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
