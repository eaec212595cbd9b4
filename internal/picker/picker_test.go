package picker

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/embridge/hostfunc"
)

func press(m tea.Model, keys ...tea.KeyMsg) tea.Model {
	for _, k := range keys {
		m, _ = m.Update(k)
	}
	return m
}

func TestSaveModelAcceptsSuggestion(t *testing.T) {
	m := press(newSaveModel("/out", "report.json", []string{".json"}), tea.KeyMsg{Type: tea.KeyEnter})

	sm := m.(saveModel)
	assert.False(t, sm.cancelled)
	assert.Equal(t, filepath.Join("/out", "report.json"), sm.path)
}

func TestSaveModelEditedName(t *testing.T) {
	m := tea.Model(newSaveModel("/out", "", []string{".json", ".txt"}))
	m = press(m,
		tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("summary")},
		tea.KeyMsg{Type: tea.KeyEnter},
	)
	assert.Equal(t, filepath.Join("/out", "summary.json"), m.(saveModel).path)
}

func TestSaveModelEmptyName(t *testing.T) {
	m := press(newSaveModel("/out", "", nil), tea.KeyMsg{Type: tea.KeyEnter})

	sm := m.(saveModel)
	assert.Empty(t, sm.path)
	assert.NotEmpty(t, sm.warn)
	assert.Contains(t, sm.View(), sm.warn)
}

func TestSaveModelCancel(t *testing.T) {
	for _, k := range []tea.KeyType{tea.KeyEsc, tea.KeyCtrlC} {
		m := press(newSaveModel("/out", "a.txt", nil), tea.KeyMsg{Type: k})
		assert.True(t, m.(saveModel).cancelled)
	}
}

func TestLoadModelCancel(t *testing.T) {
	m := press(newLoadModel(t.TempDir(), nil), tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.True(t, m.(loadModel).cancelled)
	assert.Empty(t, m.(loadModel).chosen)
}

func TestLoadModelView(t *testing.T) {
	dir := t.TempDir()
	view := newLoadModel(dir, []string{".txt"}).View()
	assert.Contains(t, view, "Open file")
	assert.Contains(t, view, dir)
}

func TestResolveSavePath(t *testing.T) {
	tests := []struct {
		name string
		exts []string
		want string
	}{
		{"a.txt", nil, "/d/a.txt"},
		{"a", nil, "/d/a"},
		{"a.TXT", []string{".txt"}, "/d/a.TXT"},
		{"a", []string{".png", ".jpg"}, "/d/a.png"},
		{"/abs/b.png", []string{".png"}, "/abs/b.png"},
		{"sub/c", []string{".md"}, "/d/sub/c.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), resolveSavePath("/d", tt.name, tt.exts))
		})
	}
}

func TestTerminalSaveFile(t *testing.T) {
	dir := t.TempDir()
	term := New(strings.NewReader("\r"), io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path, err := term.SaveFile(ctx, dir, "notes.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "notes.txt"), path)
}

func TestTerminalSaveFileCancelled(t *testing.T) {
	term := New(strings.NewReader("\x03"), io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := term.SaveFile(ctx, t.TempDir(), "notes.txt", nil)
	assert.ErrorIs(t, err, hostfunc.ErrCancelled)
}

func TestTerminalContextDone(t *testing.T) {
	// no input ever arrives; the dialog ends with the context
	r, w := io.Pipe()
	defer w.Close()
	term := New(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := term.PickFile(ctx, t.TempDir(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
