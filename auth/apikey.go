package auth

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// APIKeyUserID is the principal reported for API key authentication.
const APIKeyUserID = "api-key"

// APIKeyOption configures an APIKeyAuthenticator.
type APIKeyOption func(*APIKeyAuthenticator)

// WithAPIKeys adds fixed keys that are accepted in addition to any loaded from a file.
func WithAPIKeys(keys ...string) APIKeyOption {
	return func(a *APIKeyAuthenticator) {
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				a.static = append(a.static, k)
			}
		}
	}
}

// WithAPIKeyFile loads keys from path, one per line. Blank lines and lines
// starting with '#' are ignored.
func WithAPIKeyFile(path string) APIKeyOption {
	return func(a *APIKeyAuthenticator) { a.path = path }
}

// WithAPIKeyLogger sets the logger used for reload events.
func WithAPIKeyLogger(l *slog.Logger) APIKeyOption {
	return func(a *APIKeyAuthenticator) {
		if l != nil {
			a.log = l
		}
	}
}

// APIKeyAuthenticator accepts credentials equal to a configured shared key.
type APIKeyAuthenticator struct {
	log    *slog.Logger
	static []string
	path   string

	mu   sync.RWMutex
	keys [][]byte
}

// NewAPIKeyAuthenticator returns an authenticator for the configured keys. At
// least one key must be available after the initial file load.
func NewAPIKeyAuthenticator(opts ...APIKeyOption) (*APIKeyAuthenticator, error) {
	a := &APIKeyAuthenticator{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	if a.Len() == 0 {
		return nil, errors.New("no API keys configured")
	}
	return a, nil
}

// CheckAuthentication implements Authenticator with a constant-time comparison.
func (a *APIKeyAuthenticator) CheckAuthentication(ctx context.Context, credential string) (UserInfo, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: API key required", ErrUnauthorized)
	}
	cred := []byte(credential)

	a.mu.RLock()
	defer a.mu.RUnlock()

	match := 0
	for _, k := range a.keys {
		match |= subtle.ConstantTimeCompare(cred, k)
	}
	if match != 1 {
		return nil, fmt.Errorf("%w: API key required", ErrUnauthorized)
	}
	return staticUser{id: APIKeyUserID}, nil
}

// Len returns the number of accepted keys.
func (a *APIKeyAuthenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Reload rereads the key file. On error the previous keys stay in effect.
func (a *APIKeyAuthenticator) Reload() error {
	keys := make([][]byte, 0, len(a.static))
	for _, k := range a.static {
		keys = append(keys, []byte(k))
	}

	if a.path != "" {
		b, err := os.ReadFile(a.path)
		if err != nil {
			return fmt.Errorf("read API key file: %w", err)
		}
		sc := bufio.NewScanner(bytes.NewReader(b))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			keys = append(keys, []byte(line))
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("parse API key file: %w", err)
		}
	}

	a.mu.Lock()
	a.keys = keys
	a.mu.Unlock()
	return nil
}

// Watch reloads the key file whenever it changes until ctx is done. The
// parent directory is watched so that atomic replacements (rename over the
// file, as done by editors and mounted secrets) are observed. Watch returns
// immediately when no file is configured.
func (a *APIKeyAuthenticator) Watch(ctx context.Context) error {
	if a.path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	target := filepath.Clean(a.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := a.Reload(); err != nil {
				a.log.WarnContext(ctx, "auth.apikey.reload.fail", slog.String("err", err.Error()))
				continue
			}
			a.log.InfoContext(ctx, "auth.apikey.reload", slog.Int("keys", a.Len()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.log.WarnContext(ctx, "auth.apikey.watch.fail", slog.String("err", err.Error()))
		}
	}
}
