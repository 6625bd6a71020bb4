package mail

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/aymerick/raymond"
)

//go:embed templates/*.hbs
var embedded embed.FS

var ErrTemplateNotFound = errors.New("mail: template not found")

// Rendered is a template expanded with its props.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type template struct {
	subject *raymond.Template
	html    *raymond.Template
	text    *raymond.Template
}

// TemplateManager holds the parsed Handlebars templates. A template
// named "x" is made of x.subject.hbs, x.html.hbs and x.text.hbs.
type TemplateManager struct {
	templates map[string]*template
}

// NewTemplateManager parses the built-in templates.
func NewTemplateManager() (*TemplateManager, error) {
	return LoadTemplates(embedded, "templates")
}

// LoadTemplates parses every complete template found in dir of fsys.
func LoadTemplates(fsys fs.FS, dir string) (*TemplateManager, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("mail: read templates: %w", err)
	}

	tm := &TemplateManager{templates: make(map[string]*template)}
	for _, e := range entries {
		name, part, ok := splitTemplateFile(e.Name())
		if !ok {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("mail: read %s: %w", e.Name(), err)
		}
		tpl, err := raymond.Parse(strings.TrimRight(string(content), "\n"))
		if err != nil {
			return nil, fmt.Errorf("mail: parse %s: %w", e.Name(), err)
		}

		t := tm.templates[name]
		if t == nil {
			t = &template{}
			tm.templates[name] = t
		}
		switch part {
		case "subject":
			t.subject = tpl
		case "html":
			t.html = tpl
		case "text":
			t.text = tpl
		}
	}

	for name, t := range tm.templates {
		if t.subject == nil || t.html == nil || t.text == nil {
			return nil, fmt.Errorf("mail: template %q is missing a subject, html or text part", name)
		}
	}
	return tm, nil
}

func splitTemplateFile(file string) (name, part string, ok bool) {
	base, found := strings.CutSuffix(file, ".hbs")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(base, ".")
	if i <= 0 {
		return "", "", false
	}
	part = base[i+1:]
	switch part {
	case "subject", "html", "text":
		return base[:i], part, true
	}
	return "", "", false
}

// Names lists the available templates, sorted.
func (tm *TemplateManager) Names() []string {
	names := make([]string, 0, len(tm.templates))
	for n := range tm.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render expands the named template with props.
func (tm *TemplateManager) Render(name string, props map[string]any) (Rendered, error) {
	t, ok := tm.templates[name]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}

	var r Rendered
	var err error
	if r.Subject, err = t.subject.Exec(props); err != nil {
		return Rendered{}, fmt.Errorf("mail: render %s subject: %w", name, err)
	}
	if r.HTML, err = t.html.Exec(props); err != nil {
		return Rendered{}, fmt.Errorf("mail: render %s html: %w", name, err)
	}
	if r.Text, err = t.text.Exec(props); err != nil {
		return Rendered{}, fmt.Errorf("mail: render %s text: %w", name, err)
	}
	return r, nil
}
