// Package artifacts manages the shared artifact tree under
// <root>/.eclia/artifacts and the eclia:// reference grammar that tools and
// adapters use to point at files in it.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/eclia-dev/eclia/internal/workspace"
)

const (
	uriScheme = "eclia://artifact/"
	relPrefix = ".eclia/artifacts/"
)

var (
	// ErrBadRef is returned for references that do not parse.
	ErrBadRef = errors.New("artifacts: bad artifact ref")

	// ErrForbiddenRef is returned for references escaping the artifact tree.
	ErrForbiddenRef = errors.New("artifacts: ref escapes artifact tree")

	// ErrNotFound is returned when the referenced file does not exist.
	ErrNotFound = errors.New("artifacts: file not found")
)

// Meta describes one artifact file.
type Meta struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	URI    string `json:"uri"`
	Ref    string `json:"ref"`
	Bytes  int64  `json:"bytes"`
	Mime   string `json:"mime,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// ParseRef normalizes any accepted reference form to the repo-relative path
// under .eclia/artifacts. Accepted forms: <eclia://artifact/...>,
// eclia://artifact/..., and a bare .eclia/artifacts/... path.
func ParseRef(ref string) (string, error) {
	s := strings.TrimSpace(ref)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = s[1 : len(s)-1]
	}
	s = strings.TrimPrefix(s, uriScheme)
	if s == "" {
		return "", ErrBadRef
	}
	if !strings.HasPrefix(s, relPrefix) {
		return "", fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	clean := path.Clean(s)
	if clean != s || strings.Contains(clean, "..") || !strings.HasPrefix(clean, relPrefix) {
		return "", fmt.Errorf("%w: %q", ErrForbiddenRef, ref)
	}
	return clean, nil
}

// FormatRef renders the canonical angle-bracket reference for a
// repo-relative artifact path. ParseRef(FormatRef(p)) == p for any path
// under the artifact tree.
func FormatRef(relPath string) string {
	return "<" + FormatURI(relPath) + ">"
}

// FormatURI renders the bare URI form.
func FormatURI(relPath string) string {
	return uriScheme + relPath
}

// Store resolves references against a workspace and imports local files.
type Store struct {
	root *workspace.Root
}

// NewStore creates a store over root.
func NewStore(root *workspace.Root) *Store {
	return &Store{root: root}
}

// Resolve maps a repo-relative artifact path to its absolute location,
// rejecting anything that escapes the tree after cleaning.
func (s *Store) Resolve(relPath string) (string, error) {
	if !strings.HasPrefix(relPath, relPrefix) {
		return "", fmt.Errorf("%w: %q", ErrBadRef, relPath)
	}
	clean := path.Clean(relPath)
	if strings.Contains(clean, "..") || !strings.HasPrefix(clean, relPrefix) {
		return "", fmt.Errorf("%w: %q", ErrForbiddenRef, relPath)
	}
	return filepath.Join(s.root.Dir(), filepath.FromSlash(clean)), nil
}

// Describe stats a repo-relative artifact path and builds its metadata.
func (s *Store) Describe(relPath string) (*Meta, error) {
	abs, err := s.Resolve(relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("stat artifact: %w", err)
	}

	sum, err := fileSHA256(abs)
	if err != nil {
		return nil, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(abs))
	return &Meta{
		Kind:   kindForMime(mimeType),
		Path:   relPath,
		URI:    FormatURI(relPath),
		Ref:    FormatRef(relPath),
		Bytes:  info.Size(),
		Mime:   mimeType,
		SHA256: sum,
	}, nil
}

// kindForMime buckets a MIME type into the artifact kind set
// image, json, text, or file.
func kindForMime(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "application/json"):
		return "json"
	case strings.HasPrefix(mimeType, "text/"):
		return "text"
	default:
		return "file"
	}
}

// Import copies a local file into the session's artifact directory under a
// sanitized, collision-safe name and returns its metadata.
func (s *Store) Import(sessionID, callID, localPath string) (*Meta, error) {
	src, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, localPath)
		}
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	dir := s.root.SessionArtifactsDir(sessionID)
	if callID != "" {
		dir = filepath.Join(dir, callID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	name := SanitizeName(filepath.Base(localPath))
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		// Collision: keep both by suffixing a random tag.
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)
		name = base + "-" + uuid.NewString()[:8] + ext
		dest = filepath.Join(dir, name)
	}

	out, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return nil, fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("close artifact: %w", err)
	}

	rel, err := filepath.Rel(s.root.Dir(), dest)
	if err != nil {
		return nil, fmt.Errorf("relativize artifact path: %w", err)
	}
	return s.Describe(filepath.ToSlash(rel))
}

// Put writes raw bytes into the session's artifact directory under a
// sanitized, collision-safe name and returns the metadata.
func (s *Store) Put(sessionID, callID, name string, data []byte) (*Meta, error) {
	dir := s.root.SessionArtifactsDir(sessionID)
	if callID != "" {
		dir = filepath.Join(dir, callID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	clean := SanitizeName(name)
	dest := filepath.Join(dir, clean)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(clean)
		base := strings.TrimSuffix(clean, ext)
		dest = filepath.Join(dir, base+"-"+uuid.NewString()[:8]+ext)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	rel, err := filepath.Rel(s.root.Dir(), dest)
	if err != nil {
		return nil, fmt.Errorf("relativize artifact path: %w", err)
	}
	return s.Describe(filepath.ToSlash(rel))
}

// SanitizeName strips path separators and control characters from a
// filename so host-supplied names cannot steer writes.
func SanitizeName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		out = "artifact"
	}
	return out
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
