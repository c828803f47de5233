package mailing

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer renders Liquid subjects and bodies. Parsed templates are cached by
// the caller-supplied key, normally the step id plus a content part.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// {{ person.first_name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	r.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})
	r.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
	// {{ automation.total_revenue_cents | cents }} -> 12.50
	r.engine.RegisterFilter("cents", func(v interface{}) string {
		var n float64
		switch x := v.(type) {
		case int:
			n = float64(x)
		case int64:
			n = float64(x)
		case float64:
			n = x
		default:
			return fmt.Sprintf("%v", v)
		}
		return fmt.Sprintf("%.2f", n/100)
	})
	r.engine.RegisterFilter("first_name", func(s string) string {
		s = strings.TrimSpace(s)
		if i := strings.IndexAny(s, " @"); i > 0 {
			s = s[:i]
		}
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	})
}

// Parse checks a template for syntax errors without rendering it.
func (r *Renderer) Parse(src string) error {
	_, err := r.engine.ParseString(src)
	return err
}

// Render renders src with vars. An empty cacheKey disables caching.
func (r *Renderer) Render(cacheKey, src string, vars map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := r.cache.Load(cacheKey); ok {
			return renderTemplate(cached.(*liquid.Template), vars)
		}
	}

	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	if cacheKey != "" {
		r.cache.Store(cacheKey, tpl)
	}
	return renderTemplate(tpl, vars)
}

// Forget drops a cached template, for use after step content changes.
func (r *Renderer) Forget(cacheKey string) {
	r.cache.Delete(cacheKey)
}

func renderTemplate(tpl *liquid.Template, vars map[string]interface{}) (string, error) {
	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
