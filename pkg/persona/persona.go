// Package persona loads the bot's identity: its name, the trigger
// patterns that make a message addressed, the admin roster, the system
// prompt, and the canned response templates. The loaded snapshot is
// swapped atomically so a reload never tears a reply in half.
package persona

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/balakunbot/balakun/pkg/logger"
)

// ErrBadTemplate marks a malformed placeholder or an unbalanced brace
// in the system prompt or a response template.
var ErrBadTemplate = errors.New("bad template")

// Canonical response template keys. The first three must exist in every
// templates file; Throttled is optional.
const (
	TemplateUnavailable = "unavailable"
	TemplateUnclear     = "unclear"
	TemplateBanned      = "banned"
	TemplateThrottled   = "throttled"
)

var requiredTemplates = []string{TemplateUnavailable, TemplateUnclear, TemplateBanned}

// Identity is the structured persona configuration file.
type Identity struct {
	Name     string   `yaml:"name"`
	Username string   `yaml:"username"`
	Triggers []string `yaml:"triggers"`
	Admins   []int64  `yaml:"admins"`
}

// snapshot is one consistent view of all persona files.
type snapshot struct {
	identity  Identity
	triggers  []*regexp.Regexp
	admins    map[int64]struct{}
	prompt    string
	templates map[string]string
}

// Persona serves the current snapshot. It is safe for concurrent use;
// Reload swaps the snapshot atomically.
type Persona struct {
	configPath    string
	promptPath    string
	templatesPath string

	current atomic.Pointer[snapshot]
	nowFn   func() time.Time
}

// Load reads and validates all three persona files.
func Load(configPath, promptPath, templatesPath string) (*Persona, error) {
	p := &Persona{
		configPath:    configPath,
		promptPath:    promptPath,
		templatesPath: templatesPath,
		nowFn:         time.Now,
	}
	snap, err := p.loadSnapshot()
	if err != nil {
		return nil, err
	}
	p.current.Store(snap)
	return p, nil
}

// Reload re-reads the persona files. On validation failure the previous
// snapshot stays in place and the error is returned.
func (p *Persona) Reload(ctx context.Context) error {
	snap, err := p.loadSnapshot()
	if err != nil {
		return err
	}
	p.current.Store(snap)
	logger.G(ctx).WithField("persona", snap.identity.Name).Info("persona snapshot reloaded")
	return nil
}

func (p *Persona) loadSnapshot() (*snapshot, error) {
	var errs *multierror.Error

	identity, err := loadIdentity(p.configPath)
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	triggers := make([]*regexp.Regexp, 0, len(identity.Triggers))
	for _, pattern := range identity.Triggers {
		re, err := regexp.Compile(pattern)
		if err != nil {
			errs = multierror.Append(errs, pkgerrors.Wrapf(err, "invalid trigger pattern %q", pattern))
			continue
		}
		triggers = append(triggers, re)
	}

	prompt, err := os.ReadFile(p.promptPath)
	if err != nil {
		errs = multierror.Append(errs, pkgerrors.Wrap(err, "failed to read system prompt"))
	}
	if err := validatePlaceholders(string(prompt)); err != nil {
		errs = multierror.Append(errs, pkgerrors.Wrap(err, "system prompt"))
	}

	templates, err := loadTemplates(p.templatesPath)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for key, tmpl := range templates {
		if err := validatePlaceholders(tmpl); err != nil {
			errs = multierror.Append(errs, pkgerrors.Wrapf(err, "template %q", key))
		}
	}
	for _, key := range requiredTemplates {
		if templates[key] == "" {
			errs = multierror.Append(errs, pkgerrors.Errorf("missing required template %q", key))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	admins := make(map[int64]struct{}, len(identity.Admins))
	for _, id := range identity.Admins {
		admins[id] = struct{}{}
	}

	return &snapshot{
		identity:  identity,
		triggers:  triggers,
		admins:    admins,
		prompt:    string(prompt),
		templates: templates,
	}, nil
}

func loadIdentity(path string) (Identity, error) {
	var identity Identity
	raw, err := os.ReadFile(path)
	if err != nil {
		return identity, pkgerrors.Wrap(err, "failed to read persona config")
	}
	if err := yaml.Unmarshal(raw, &identity); err != nil {
		return identity, pkgerrors.Wrap(err, "failed to parse persona config")
	}
	if identity.Name == "" {
		return identity, pkgerrors.New("persona name is required")
	}
	if len(identity.Triggers) == 0 {
		return identity, pkgerrors.New("persona needs at least one trigger pattern")
	}
	return identity, nil
}

func loadTemplates(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read response templates")
	}
	templates := make(map[string]string)
	if err := yaml.Unmarshal(raw, &templates); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to parse response templates")
	}
	return templates, nil
}

// Name returns the persona's display name.
func (p *Persona) Name() string {
	return p.current.Load().identity.Name
}

// Username returns the bot handle from the persona file, if any.
func (p *Persona) Username() string {
	return p.current.Load().identity.Username
}

// IsAdmin reports whether the user is on the persona's admin roster.
func (p *Persona) IsAdmin(userID int64) bool {
	_, ok := p.current.Load().admins[userID]
	return ok
}

// Matches reports whether the text hits any trigger pattern.
func (p *Persona) Matches(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range p.current.Load().triggers {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Template returns the response template for key.
func (p *Persona) Template(key string) (string, bool) {
	tmpl, ok := p.current.Load().templates[key]
	return tmpl, ok && tmpl != ""
}

// SystemPrompt substitutes the built-in time variables plus any ad-hoc
// vars into the prompt. Unmatched placeholders are logged and left
// verbatim.
func (p *Persona) SystemPrompt(ctx context.Context, vars map[string]string) string {
	snap := p.current.Load()

	now := p.nowFn()
	merged := map[string]string{
		"timestamp":    now.Format("2006-01-02 15:04:05 MST"),
		"current_year": strconv.Itoa(now.Year()),
		"current_date": now.Format("2006-01-02"),
	}
	for k, v := range vars {
		merged[k] = v
	}
	return substitute(ctx, snap.prompt, merged)
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

func substitute(ctx context.Context, s string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := vars[name]; ok {
			return value
		}
		logger.G(ctx).WithField("placeholder", name).Warn("unmatched placeholder left verbatim")
		return match
	})
}

// validatePlaceholders checks that every brace opens a well-formed
// placeholder and that no stray closing braces remain.
func validatePlaceholders(s string) error {
	var errs *multierror.Error
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			loc := placeholderRe.FindStringIndex(s[i:])
			if loc == nil || loc[0] != 0 {
				errs = multierror.Append(errs, pkgerrors.Wrapf(ErrBadTemplate, "malformed placeholder at offset %d", i))
				continue
			}
			i += loc[1] - 1
		case '}':
			errs = multierror.Append(errs, pkgerrors.Wrapf(ErrBadTemplate, "unbalanced brace at offset %d", i))
		}
	}
	return errs.ErrorOrNil()
}
