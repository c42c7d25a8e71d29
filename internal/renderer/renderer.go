package renderer

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/jwalitptl/mail-dispatch/pkg/errors"

	"github.com/jwalitptl/mail-dispatch/internal/model"
)

// Renderer turns a template name and payload variables into markup. Render
// errors are deterministic: a template that fails once fails on every
// redelivery, so the consumer treats them as non-retryable.
type Renderer interface {
	Render(name string, vars map[string]interface{}) (string, error)
}

// HTMLRenderer serves templates parsed from a directory at construction
// time. Template names carry the canonical suffix.
type HTMLRenderer struct {
	templates map[string]*template.Template
}

// NewHTMLRenderer parses every *.html file under dir.
func NewHTMLRenderer(dir string) (*HTMLRenderer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template dir: %w", err)
	}

	templates := make(map[string]*template.Template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), model.TemplateSuffix) {
			continue
		}
		tmpl, err := template.ParseFiles(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", entry.Name(), err)
		}
		templates[entry.Name()] = tmpl
	}

	return &HTMLRenderer{templates: templates}, nil
}

func (r *HTMLRenderer) Render(name string, vars map[string]interface{}) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", apperrors.NewTemplateNotFound(name)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", apperrors.NewTemplateRender(name, err)
	}
	return sb.String(), nil
}
