// Package utils provides shared helper functions.
package utils

import (
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	return path, nil
}

// GetDataPath returns the nanobot data directory (~/.nanobot).
// NANOBOT_HOME overrides the location.
func GetDataPath() string {
	if home := os.Getenv("NANOBOT_HOME"); home != "" {
		return ExpandHome(home)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nanobot")
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// NowMillis returns the wall clock in milliseconds.
func NowMillis() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}

// TruncateString truncates a string to maxLen runes, adding suffix if truncated.
func TruncateString(s string, maxLen int, suffix string) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	cutoff := maxLen - utf8.RuneCountInString(suffix)
	if cutoff < 0 {
		cutoff = 0
	}
	return string(runes[:cutoff]) + suffix
}

// SafeFilename converts a string to a safe filename by replacing unsafe characters.
func SafeFilename(name string) string {
	unsafe := `<>:"/\|?*`
	for _, c := range unsafe {
		name = strings.ReplaceAll(name, string(c), "_")
	}
	return strings.TrimSpace(name)
}

// ParseSessionKey splits a session key "channel:chat_id" into its parts.
func ParseSessionKey(key string) (channel, chatID string, err error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &InvalidSessionKeyError{Key: key}
	}
	return parts[0], parts[1], nil
}

// SessionKey joins a channel and chat id.
func SessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// InvalidSessionKeyError is returned when a session key cannot be parsed.
type InvalidSessionKeyError struct {
	Key string
}

func (e *InvalidSessionKeyError) Error() string {
	return "invalid session key: " + e.Key
}
