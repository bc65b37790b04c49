package artifacts

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Handler serves artifact bytes read-only over HTTP. GET streams the file,
// HEAD returns only the sizing headers.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a handler over store.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger.With("component", "artifacts")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	relPath := r.URL.Query().Get("path")
	if relPath == "" {
		http.Error(w, "missing path parameter", http.StatusBadRequest)
		return
	}

	abs, err := h.store.Resolve(relPath)
	if err != nil {
		if errors.Is(err, ErrForbiddenRef) {
			http.Error(w, "forbidden path", http.StatusForbidden)
		} else {
			http.Error(w, "bad path", http.StatusBadRequest)
		}
		return
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(abs))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.Header().Set("Content-Disposition", disposition(contentType, filepath.Base(abs)))

	if r.Method == http.MethodHead {
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		h.logger.Error("open artifact failed", "path", relPath, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, filepath.Base(abs), info.ModTime(), f)
}

// disposition picks inline rendering for media the browser can show and
// attachment for everything else.
func disposition(contentType, filename string) string {
	inline := strings.HasPrefix(contentType, "image/") ||
		strings.HasPrefix(contentType, "text/") ||
		strings.HasPrefix(contentType, "video/") ||
		strings.HasPrefix(contentType, "audio/") ||
		contentType == "application/pdf"
	if inline {
		return "inline"
	}
	return fmt.Sprintf("attachment; filename=%q", filename)
}
