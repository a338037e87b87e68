package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// ErrNoRule is returned when no template rule matches a prompt.
var ErrNoRule = errors.New("no template rule matches the prompt")

// TemplateData is what a rule reply is executed with.
type TemplateData struct {
	Role   string
	Prompt string
	Fields map[string]string // "key: value" header lines of the prompt
	Groups []string          // Submatches of the rule pattern; Groups[0] is the whole match
}

// funcs are available to rule replies; json quotes a value as a JSON literal.
var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		data, err := json.Marshal(v)
		return string(data), err
	},
}

type compiledRule struct {
	match *regexp.Regexp
	reply *template.Template
}

// TemplateBackend answers prompts from a fixed rule list without calling
// anything external. Replies are deterministic for a given prompt.
type TemplateBackend struct {
	name  string
	rules []compiledRule
}

// NewTemplateBackend compiles the rules of cfg.
func NewTemplateBackend(cfg Config) (*TemplateBackend, error) {
	b := &TemplateBackend{name: cfg.Name}
	for i, r := range cfg.Rules {
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return nil, fmt.Errorf("backend %s: rule %d: %w", cfg.Name, i, err)
		}
		tmpl, err := template.New(fmt.Sprintf("%s-%d", cfg.Name, i)).
			Option("missingkey=zero").
			Funcs(funcs).
			Parse(r.Reply)
		if err != nil {
			return nil, fmt.Errorf("backend %s: rule %d: %w", cfg.Name, i, err)
		}
		b.rules = append(b.rules, compiledRule{match: re, reply: tmpl})
	}
	return b, nil
}

// Send renders the reply of the first rule whose pattern matches the prompt.
func (b *TemplateBackend) Send(ctx context.Context, msg Message) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{Error: err.Error()}, err
	}

	for _, r := range b.rules {
		groups := r.match.FindStringSubmatch(msg.Content)
		if groups == nil {
			continue
		}
		data := TemplateData{
			Role:   msg.Role,
			Prompt: msg.Content,
			Fields: headerFields(msg.Content),
			Groups: groups,
		}
		var out strings.Builder
		if err := r.reply.Execute(&out, data); err != nil {
			return Response{Error: err.Error()}, fmt.Errorf("rendering reply: %w", err)
		}
		return Response{Content: out.String()}, nil
	}

	err := fmt.Errorf("backend %s: %w", b.name, ErrNoRule)
	return Response{Error: err.Error()}, err
}

// Close is a no-op.
func (b *TemplateBackend) Close() error {
	return nil
}

// headerFields parses the leading "key: value" lines of a prompt, up to the
// first blank line.
func headerFields(prompt string) map[string]string {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(prompt))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return fields
}
