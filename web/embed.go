// Package web holds the embedded UI templates and static assets.
package web

import (
	"embed"
	"io/fs"
)

// Templates holds the layouts, partials and pages rendered by internal/view.
//
//go:embed templates/**/*.html
var Templates embed.FS

//go:embed static/**/*
var static embed.FS

// TemplatePatterns lists the glob patterns parsed into the view engine, in
// parse order. Layouts come first so pages can override their blocks.
var TemplatePatterns = []string{
	"templates/layouts/*.html",
	"templates/partials/*.html",
	"templates/pages/*.html",
}

// StaticFS returns the static assets rooted at the directory served under
// /static/.
func StaticFS() (fs.FS, error) {
	return fs.Sub(static, "static")
}
