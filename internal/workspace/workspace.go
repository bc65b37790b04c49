// Package workspace resolves the on-disk state layout rooted at
// <root>/.eclia and owns the gateway bearer secret.
package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const stateDirName = ".eclia"

// Root is the workspace root. All persistent gateway state lives under
// <Root>/.eclia; the artifact tree is shared with the exec tool host.
type Root struct {
	dir string
}

// Open resolves dir to an absolute path and ensures the state directory
// exists. dir defaults to the current working directory.
func Open(dir string) (*Root, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, stateDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Root{dir: abs}, nil
}

// Dir returns the absolute workspace root.
func (r *Root) Dir() string { return r.dir }

// StateDir returns <root>/.eclia.
func (r *Root) StateDir() string { return filepath.Join(r.dir, stateDirName) }

// SessionsDir returns the sessions tree.
func (r *Root) SessionsDir() string { return filepath.Join(r.StateDir(), "sessions") }

// SessionDir returns the directory for one session.
func (r *Root) SessionDir(sessionID string) string {
	return filepath.Join(r.SessionsDir(), sessionID)
}

// ArtifactsDir returns the artifact tree root.
func (r *Root) ArtifactsDir() string { return filepath.Join(r.StateDir(), "artifacts") }

// SessionArtifactsDir returns the artifact subtree for one session.
func (r *Root) SessionArtifactsDir(sessionID string) string {
	return filepath.Join(r.ArtifactsDir(), sessionID)
}

// DebugDir returns the per-session debug directory.
func (r *Root) DebugDir(sessionID string) string {
	return filepath.Join(r.StateDir(), "debug", sessionID)
}

// TokenPath returns the gateway token file path.
func (r *Root) TokenPath() string { return filepath.Join(r.StateDir(), "gateway.token") }

// LoadOrCreateToken reads the single-line bearer secret, generating and
// persisting one (0600) when the file is absent.
func (r *Root) LoadOrCreateToken() (string, error) {
	path := r.TokenPath()
	data, err := os.ReadFile(path)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read gateway token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate gateway token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write gateway token: %w", err)
	}
	return token, nil
}
