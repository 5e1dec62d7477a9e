package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template renders the title and body of one notification type.
type Template struct {
	Type  Type   `json:"type"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// TemplateEngine holds a template per notification type and renders
// {{key}} placeholders from event data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Type]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[Type]*Template)}
	for _, t := range []Template{
		{
			Type:  TypeNewMessage,
			Title: "New message from {{sender_name}}",
			Body:  "{{preview}}",
		},
		{
			Type:  TypeNewAppointment,
			Title: "New appointment",
			Body:  "{{patient_name}} booked an appointment on {{date}} at {{time}}.",
		},
		{
			Type:  TypeInventoryThreshold,
			Title: "Low stock: {{item_name}}",
			Body:  "{{item_name}} is down to {{quantity}} (threshold {{threshold}}).",
		},
	} {
		e.Register(t)
	}
	return e
}

// Register adds or replaces the template for t.Type.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Type] = &t
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(typ Type, data map[string]string) (title, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[typ]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no template for notification type %q", typ)
	}

	title, body = t.Title, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return title, body, nil
}

// Fill sets ev.Title and ev.Message from the template unless the caller
// already supplied them.
func (e *TemplateEngine) Fill(ev *Event) error {
	if ev.Title != "" && ev.Message != "" {
		return nil
	}
	title, body, err := e.Render(ev.Type, ev.Data)
	if err != nil {
		return err
	}
	if ev.Title == "" {
		ev.Title = title
	}
	if ev.Message == "" {
		ev.Message = body
	}
	return nil
}
