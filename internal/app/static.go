package app

import (
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/labkeeper/labkeeper/web"
)

// Minimal container images ship without /etc/mime.types.
var staticMimeTypes = map[string]string{
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".woff2": "font/woff2",
}

func init() {
	for ext, typ := range staticMimeTypes {
		if mime.TypeByExtension(ext) != "" {
			continue
		}
		if err := mime.AddExtensionType(ext, typ); err != nil {
			slog.Warn("register mime type", slog.String("ext", ext), slog.Any("error", err))
		}
	}
}

// mountStatic serves the embedded assets under /static/. Static requests are
// excluded from the audit trail by the default AUDIT_EXCLUDE_PATHS.
func mountStatic(r chi.Router, logger *slog.Logger) {
	assets, err := web.StaticFS()
	if err != nil {
		logger.Error("create static sub filesystem", slog.Any("error", err))
		return
	}
	fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(assets)))
	r.Handle("/static/*", staticCacheHandler(fileServer))
}

// staticCacheHandler adds Cache-Control to asset responses. Stylesheets and
// scripts are revalidated more often than fonts and icons.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch path.Ext(r.URL.Path) {
		case ".css", ".js":
			w.Header().Set("Cache-Control", "public, max-age=3600")
		default:
			w.Header().Set("Cache-Control", "public, max-age=86400")
		}
		next.ServeHTTP(w, r)
	})
}
