// Package render turns template names plus data into email subjects and bodies.
// Templates are embedded and parsed once; each name has an HTML and a text file.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltpl "html/template"
	"sort"
	"strings"
	texttpl "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// ErrUnknownTemplate is returned for names with no embedded template pair
var ErrUnknownTemplate = errors.New("unknown template")

const (
	Welcome       = "welcome"
	PasswordReset = "password_reset"
	Newsletter    = "newsletter"
)

// EmailData is passed to the transactional templates
type EmailData struct {
	Data map[string]string
}

// NewsletterData is passed to the newsletter template
type NewsletterData struct {
	NewsletterID string
	Subject      string
	Body         string
}

// Rendered is a ready-to-send email
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type pair struct {
	html *htmltpl.Template
	text *texttpl.Template
}

// Renderer is safe for concurrent use
type Renderer struct {
	templates map[string]pair
}

var htmlFuncs = htmltpl.FuncMap{
	// paragraphs escapes s and wraps each blank-line separated block in <p>.
	"paragraphs": func(s string) htmltpl.HTML {
		var b strings.Builder
		for _, block := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n\n") {
			block = strings.TrimSpace(block)
			if block == "" {
				continue
			}
			b.WriteString("<p>")
			b.WriteString(strings.ReplaceAll(htmltpl.HTMLEscapeString(block), "\n", "<br>"))
			b.WriteString("</p>")
		}
		return htmltpl.HTML(b.String()) //nolint:gosec // every block is escaped above
	},
}

// New parses every embedded template pair
func New() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]pair)}

	for _, name := range []string{Welcome, PasswordReset, Newsletter} {
		html, err := htmltpl.New("").Funcs(htmlFuncs).Option("missingkey=zero").
			ParseFS(templateFS, "templates/"+name+".html.tmpl")
		if err != nil {
			return nil, fmt.Errorf("parse %s html: %w", name, err)
		}
		text, err := texttpl.New("").Option("missingkey=zero").
			ParseFS(templateFS, "templates/"+name+".txt.tmpl")
		if err != nil {
			return nil, fmt.Errorf("parse %s text: %w", name, err)
		}
		r.templates[name] = pair{html: html, text: text}
	}
	return r, nil
}

// Names lists the templates the renderer knows
func (r *Renderer) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render executes the named template pair with data
func (r *Renderer) Render(name string, data any) (Rendered, error) {
	p, ok := r.templates[name]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	var subjectBuf bytes.Buffer
	if err := p.text.ExecuteTemplate(&subjectBuf, "subject", data); err != nil {
		return Rendered{}, fmt.Errorf("render subject: %w", err)
	}

	var htmlBuf bytes.Buffer
	if err := p.html.ExecuteTemplate(&htmlBuf, "body", data); err != nil {
		return Rendered{}, fmt.Errorf("render html: %w", err)
	}

	var textBuf bytes.Buffer
	if err := p.text.ExecuteTemplate(&textBuf, "body", data); err != nil {
		return Rendered{}, fmt.Errorf("render text: %w", err)
	}

	return Rendered{
		Subject: sanitizeSubject(subjectBuf.String()),
		HTML:    htmlBuf.String(),
		Text:    strings.TrimSpace(textBuf.String()) + "\n",
	}, nil
}

// sanitizeSubject strips CR/LF to prevent email header injection.
func sanitizeSubject(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
