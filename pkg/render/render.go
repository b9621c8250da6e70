package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Page names understood by Engine.
const (
	PageIndex    = "index"
	PageRegister = "register"
	PageSuccess  = "success"
	PageError    = "error"
)

// Page is the data every template receives. Fields a page does not use stay empty.
type Page struct {
	Network     string
	Summary     string
	Description string
	// Email is rendered as a mailto link after Description.
	Email string
	// Detail is shown preformatted, typically collaborator output.
	Detail    string
	Token     string
	Nicknames []string
	Nickname  string
	ChatURL   string
}

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Execute writes the named page to w.
func (e *Engine) Execute(w io.Writer, name string, page Page) error {
	if e == nil || e.templates == nil {
		return fmt.Errorf("nil engine")
	}
	return e.templates.ExecuteTemplate(w, name, page)
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, page Page) (string, error) {
	buf := bytes.NewBuffer(nil)
	if err := e.Execute(buf, name, page); err != nil {
		return "", err
	}
	return buf.String(), nil
}
