// Package picker provides terminal file dialogs for the file bridge: a
// file picker for loads and a save-as prompt for saves.
package picker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/caffeineduck/embridge/hostfunc"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// Available reports whether stdin and stdout are both terminals.
func Available() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Terminal shows dialogs on a terminal. It implements [hostfunc.Picker]
// and [hostfunc.SaveDialog]. Dialogs are shown one at a time.
type Terminal struct {
	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

var (
	_ hostfunc.Picker     = (*Terminal)(nil)
	_ hostfunc.SaveDialog = (*Terminal)(nil)
)

// New returns dialogs reading keys from in and drawing to out. Nil means
// the process's stdin and stdout.
func New(in io.Reader, out io.Writer) *Terminal {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &Terminal{in: in, out: out}
}

// PickFile lets the user browse from dir and choose a file. Only files with
// one of exts are selectable; an empty exts allows every file.
func (t *Terminal) PickFile(ctx context.Context, dir string, exts []string) (string, error) {
	res, err := t.run(ctx, newLoadModel(dir, exts))
	if err != nil {
		return "", err
	}
	m := res.(loadModel)
	if m.cancelled {
		return "", hostfunc.ErrCancelled
	}
	return m.chosen, nil
}

// SaveFile asks where to save, starting from suggested inside dir.
func (t *Terminal) SaveFile(ctx context.Context, dir, suggested string, exts []string) (string, error) {
	res, err := t.run(ctx, newSaveModel(dir, suggested, exts))
	if err != nil {
		return "", err
	}
	m := res.(saveModel)
	if m.cancelled {
		return "", hostfunc.ErrCancelled
	}
	return m.path, nil
}

func (t *Terminal) run(ctx context.Context, model tea.Model) (tea.Model, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithInput(t.in),
		tea.WithOutput(t.out),
	)
	res, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dialog: %w", err)
	}
	return res, nil
}
