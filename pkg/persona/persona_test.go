package persona

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
name: Балакун
username: balakun_bot
triggers:
  - '(?i)балакун'
  - '(?i)\bbalakun\b'
admins:
  - 100
`

const testTemplates = `
unavailable: "Ой, зараз не можу відповісти."
unclear: "Скажи ясніше, будь ласка."
banned: "Тобі сюди не можна."
throttled: "Не так швидко."
`

func writeFiles(t *testing.T, config, prompt, templates string) *Persona {
	t.Helper()
	dir := t.TempDir()

	configPath := filepath.Join(dir, "persona.yaml")
	promptPath := filepath.Join(dir, "system_prompt.txt")
	templatesPath := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o644))
	require.NoError(t, os.WriteFile(promptPath, []byte(prompt), 0o644))
	require.NoError(t, os.WriteFile(templatesPath, []byte(templates), 0o644))

	p, err := Load(configPath, promptPath, templatesPath)
	require.NoError(t, err)
	return p
}

func TestLoad(t *testing.T) {
	p := writeFiles(t, testConfig, "Ти — {bot_name}. Сьогодні {current_date}.", testTemplates)

	assert.Equal(t, "Балакун", p.Name())
	assert.Equal(t, "balakun_bot", p.Username())
	assert.True(t, p.IsAdmin(100))
	assert.False(t, p.IsAdmin(101))

	tmpl, ok := p.Template(TemplateBanned)
	require.True(t, ok)
	assert.Equal(t, "Тобі сюди не можна.", tmpl)

	_, ok = p.Template("nonexistent")
	assert.False(t, ok)
}

func TestMatches(t *testing.T) {
	p := writeFiles(t, testConfig, "prompt", testTemplates)

	assert.True(t, p.Matches("агов, Балакун, ти тут?"))
	assert.True(t, p.Matches("hey balakun what's up"))
	assert.False(t, p.Matches("просто повідомлення"))
	assert.False(t, p.Matches(""))
	// substring of another word must not trigger the latin pattern
	assert.False(t, p.Matches("collabbalakunism"))
}

func TestSystemPrompt_Substitution(t *testing.T) {
	p := writeFiles(t, testConfig, "Рік: {current_year}. Дата: {current_date}. Час: {timestamp}. Чат: {chat_title}.", testTemplates)
	p.nowFn = func() time.Time {
		return time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	}

	out := p.SystemPrompt(context.Background(), map[string]string{"chat_title": "Наш чат"})
	assert.Equal(t, "Рік: 2025. Дата: 2025-03-14. Час: 2025-03-14 15:09:26 UTC. Чат: Наш чат.", out)
}

func TestSystemPrompt_UnmatchedLeftVerbatim(t *testing.T) {
	p := writeFiles(t, testConfig, "Привіт, {who_knows}!", testTemplates)

	out := p.SystemPrompt(context.Background(), nil)
	assert.Equal(t, "Привіт, {who_knows}!", out)
}

func TestLoad_MissingRequiredTemplate(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "persona.yaml")
	promptPath := filepath.Join(dir, "system_prompt.txt")
	templatesPath := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))
	require.NoError(t, os.WriteFile(promptPath, []byte("prompt"), 0o644))
	require.NoError(t, os.WriteFile(templatesPath, []byte("unavailable: x\nunclear: y\n"), 0o644))

	_, err := Load(configPath, promptPath, templatesPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banned")
}

func TestLoad_BadPlaceholder(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "persona.yaml")
	promptPath := filepath.Join(dir, "system_prompt.txt")
	templatesPath := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))
	require.NoError(t, os.WriteFile(promptPath, []byte("broken {9lives} here"), 0o644))
	require.NoError(t, os.WriteFile(templatesPath, []byte(testTemplates), 0o644))

	_, err := Load(configPath, promptPath, templatesPath)
	require.ErrorIs(t, err, ErrBadTemplate)
}

func TestValidatePlaceholders(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain text", "hello there", false},
		{"valid placeholder", "hello {name}", false},
		{"several placeholders", "{a} and {b_2}", false},
		{"underscore start", "{_private}", false},
		{"digit start", "{1bad}", true},
		{"hyphenated", "{bad-name}", true},
		{"unclosed", "hello {name", true},
		{"stray closer", "hello name}", true},
		{"empty braces", "hello {}", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePlaceholders(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadTemplate)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReload_BrokenEditKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "persona.yaml")
	promptPath := filepath.Join(dir, "system_prompt.txt")
	templatesPath := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))
	require.NoError(t, os.WriteFile(promptPath, []byte("original"), 0o644))
	require.NoError(t, os.WriteFile(templatesPath, []byte(testTemplates), 0o644))

	p, err := Load(configPath, promptPath, templatesPath)
	require.NoError(t, err)

	// Break the prompt, then reload: the old snapshot must survive.
	require.NoError(t, os.WriteFile(promptPath, []byte("broken {"), 0o644))
	require.Error(t, p.Reload(context.Background()))
	assert.Equal(t, "original", p.SystemPrompt(context.Background(), nil))

	// Fix it and reload again.
	require.NoError(t, os.WriteFile(promptPath, []byte("updated"), 0o644))
	require.NoError(t, p.Reload(context.Background()))
	assert.Equal(t, "updated", p.SystemPrompt(context.Background(), nil))
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "persona.yaml")
	promptPath := filepath.Join(dir, "system_prompt.txt")
	templatesPath := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))
	require.NoError(t, os.WriteFile(promptPath, []byte("before"), 0o644))
	require.NoError(t, os.WriteFile(templatesPath, []byte(testTemplates), 0o644))

	p, err := Load(configPath, promptPath, templatesPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(promptPath, []byte("after"), 0o644))

	require.Eventually(t, func() bool {
		return p.SystemPrompt(context.Background(), nil) == "after"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}
