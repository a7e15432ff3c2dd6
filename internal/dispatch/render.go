package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/bulk-emailer/internal/emailer"
)

// Built-in templates used when a list's email directory has no override.
const defaultHTMLTemplate = `<!DOCTYPE html>
<html>
<body>
<h1>{{ headline }}</h1>
{% if update_text != "" %}<p><em>{{ update_text }}</em></p>{% endif %}
{{ body_text }}
<p>
<a href="{{ manage_url }}">Manage subscriptions</a> |
<a href="{{ unsubscribe_url }}">Unsubscribe from {{ list_name }}</a>
</p>
<img src="{{ tracking_pixel_url }}" width="1" height="1" alt="" />
</body>
</html>
`

const defaultTextTemplate = `{{ headline }}

{% if update_text != "" %}{{ update_text }}

{% endif %}{{ body_text | strip_html }}

Manage subscriptions: {{ manage_url }}
Unsubscribe from {{ list_name }}: {{ unsubscribe_url }}
`

// Renderer produces per-subscriber text and HTML email bodies from
// liquid templates. Parsed templates are cached per directory.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template path -> *liquid.Template
}

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// RenderContext carries the substitution variables for one subscriber's
// copy of an email.
type RenderContext struct {
	Item             *emailer.MailItem
	List             *emailer.MailingList
	Subscriber       *emailer.Subscriber
	BaseURL          string
	TrackingPixelURL string
	ManageURL        string
	UnsubscribeURL   string
}

func (rc *RenderContext) bindings() map[string]interface{} {
	return map[string]interface{}{
		"subject":            rc.Item.EmailSubject(),
		"headline":           rc.Item.Headline,
		"body_text":          rc.Item.BodyText,
		"update_text":        rc.Item.UpdateText,
		"publication_date":   rc.Item.PublicationDate.Format("January 2, 2006"),
		"list_name":          rc.List.Name,
		"list_slug":          rc.List.Slug,
		"first_name":         rc.Subscriber.FirstName,
		"last_name":          rc.Subscriber.LastName,
		"protocol_domain":    rc.BaseURL,
		"tracking_pixel_url": rc.TrackingPixelURL,
		"manage_url":         rc.ManageURL,
		"unsubscribe_url":    rc.UnsubscribeURL,
	}
}

// Render produces the text and HTML bodies for one subscriber, using the
// list's template directory when it holds email_text.liquid /
// email_html.liquid overrides and the built-in templates otherwise.
func (r *Renderer) Render(rc *RenderContext) (text, html string, err error) {
	bindings := rc.bindings()

	text, err = r.renderOne(filepath.Join(rc.List.EmailDirectory, "email_text.liquid"), defaultTextTemplate, bindings)
	if err != nil {
		return "", "", fmt.Errorf("text template: %w", err)
	}
	html, err = r.renderOne(filepath.Join(rc.List.EmailDirectory, "email_html.liquid"), defaultHTMLTemplate, bindings)
	if err != nil {
		return "", "", fmt.Errorf("html template: %w", err)
	}
	return text, html, nil
}

func (r *Renderer) renderOne(path, fallback string, bindings map[string]interface{}) (string, error) {
	tpl, err := r.template(path, fallback)
	if err != nil {
		return "", err
	}
	out, err := tpl.Render(bindings)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (r *Renderer) template(path, fallback string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(path); ok {
		return cached.(*liquid.Template), nil
	}

	source := fallback
	if data, err := os.ReadFile(path); err == nil {
		source = string(data)
	}

	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	r.cache.Store(path, tpl)
	return tpl, nil
}
