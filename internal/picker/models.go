package picker

import (
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type loadModel struct {
	fp        filepicker.Model
	exts      []string
	chosen    string
	warn      string
	cancelled bool
}

func newLoadModel(dir string, exts []string) loadModel {
	fp := filepicker.New()
	fp.CurrentDirectory = dir
	fp.AllowedTypes = exts
	fp.FileAllowed = true
	fp.DirAllowed = false
	return loadModel{fp: fp, exts: exts}
}

func (m loadModel) Init() tea.Cmd {
	return m.fp.Init()
}

func (m loadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "ctrl+c", "q":
			m.cancelled = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.fp, cmd = m.fp.Update(msg)

	if ok, path := m.fp.DidSelectFile(msg); ok {
		m.chosen = path
		return m, tea.Quit
	}
	if ok, path := m.fp.DidSelectDisabledFile(msg); ok {
		m.warn = filepath.Base(path) + " is not one of " + strings.Join(m.exts, ", ")
	}
	return m, cmd
}

func (m loadModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Open file"))
	b.WriteString(" ")
	b.WriteString(m.fp.CurrentDirectory)
	b.WriteString("\n\n")
	b.WriteString(m.fp.View())
	b.WriteString("\n")
	if m.warn != "" {
		b.WriteString(warnStyle.Render(m.warn))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("↑/↓ move • → open dir • ← back • enter select • q cancel"))
	return b.String()
}

type saveModel struct {
	input     textinput.Model
	dir       string
	exts      []string
	path      string
	warn      string
	cancelled bool
}

func newSaveModel(dir, suggested string, exts []string) saveModel {
	ti := textinput.New()
	ti.Prompt = "Save as: "
	ti.Placeholder = "file name"
	ti.Width = 50
	ti.SetValue(suggested)
	ti.Focus()
	return saveModel{input: ti, dir: dir, exts: exts}
}

func (m saveModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m saveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.cancelled = true
			return m, tea.Quit
		case tea.KeyEnter:
			name := strings.TrimSpace(m.input.Value())
			if name == "" {
				m.warn = "a file name is required"
				return m, nil
			}
			m.path = resolveSavePath(m.dir, name, m.exts)
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m saveModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Save file"))
	b.WriteString(" ")
	b.WriteString(m.dir)
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	if m.warn != "" {
		b.WriteString(warnStyle.Render(m.warn))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("enter save • esc cancel"))
	return b.String()
}

// resolveSavePath places relative names in dir and adds the first allowed
// extension when name has none of them.
func resolveSavePath(dir, name string, exts []string) string {
	if !filepath.IsAbs(name) {
		name = filepath.Join(dir, name)
	}
	if len(exts) == 0 {
		return name
	}
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return name
		}
	}
	return name + exts[0]
}
