package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/embridge/executor"
	"github.com/caffeineduck/embridge/hostfunc"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive console for the host bridge",
	Long: `Start an interactive console that drives the host bridge directly,
the way a guest would: requests, body transfers, handles, globals, file
dialogs and clock offsets.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)

Type 'help' for the command list, 'exit' or 'quit' to end the session,
or press Ctrl+D.`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.embridge_history)")
	addHostFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

const consoleHelp = `Commands:
  get URL                      GET and read the whole body
  fetch METHOD URL [BODY]      Any method, optional body
  stream URL                   GET and read the body in chunks
  header NAME: VALUE           Add a request header
  header                       List request headers
  header clear                 Drop all request headers
  timeout DURATION             Request timeout (0 disables)
  global NAME                  Look up a global
  load [.EXT...]               Pick a file and load it
  save NAME TEXT...            Save text through the save dialog or downloads
  offset [RFC3339]             Timezone offset in minutes
  handles                      Number of live handles
  exit | quit                  Leave`

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

func statusText(s hostfunc.Status) string {
	switch s {
	case hostfunc.StatusSuccess, hostfunc.StatusStreamEnded:
		return okStyle.Render(s.String())
	default:
		return failStyle.Render(s.String())
	}
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".embridge_history")
	}

	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	defer s.log.Sync()

	host := hostfunc.NewHost(executor.HostConfig(s.log, s.run...))
	defer host.Close()

	c := newConsole(host, cmd.OutOrStdout())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "embridge> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(cmd.ErrOrStderr(), "embridge console (type 'help' for commands, Ctrl+D to exit)")

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		quit, err := c.exec(cmd.Context(), line)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", failStyle.Render("error:"), err)
		}
		if quit {
			return nil
		}
	}
}

// console runs bridge operations on behalf of the user. An Arena stands in
// for guest memory.
type console struct {
	host    *hostfunc.Host
	arena   *hostfunc.Arena
	out     io.Writer
	headers []hostfunc.Header
	timeout time.Duration
}

func newConsole(host *hostfunc.Host, out io.Writer) *console {
	return &console{
		host:    host,
		arena:   hostfunc.NewArena(),
		out:     out,
		timeout: 30 * time.Second,
	}
}

// exec runs one command line. quit is set for exit and quit.
func (c *console) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	defer c.arena.Reset()

	switch name, args := fields[0], fields[1:]; name {
	case "exit", "quit":
		return true, nil
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
		return false, nil
	case "get", "stream":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: %s URL", name)
		}
		return false, c.request(ctx, hostfunc.Request{Method: "GET", URL: args[0]}, name == "stream")
	case "fetch":
		if len(args) < 2 {
			return false, errors.New("usage: fetch METHOD URL [BODY]")
		}
		req := hostfunc.Request{Method: strings.ToUpper(args[0]), URL: args[1]}
		if len(args) > 2 {
			req.Body = []byte(strings.Join(args[2:], " "))
		}
		return false, c.request(ctx, req, false)
	case "header":
		return false, c.header(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "header")))
	case "timeout":
		if len(args) != 1 {
			return false, errors.New("usage: timeout DURATION")
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return false, err
		}
		c.timeout = d
		return false, nil
	case "global":
		if len(args) != 1 {
			return false, errors.New("usage: global NAME")
		}
		return false, c.global(args[0])
	case "load":
		return false, c.load(ctx, args)
	case "save":
		if len(args) < 2 {
			return false, errors.New("usage: save NAME TEXT...")
		}
		return false, c.save(ctx, args[0], strings.Join(args[1:], " "))
	case "offset":
		return false, c.offset(args)
	case "handles":
		fmt.Fprintf(c.out, "%d live\n", c.host.Values.Len())
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", name)
	}
}

func (c *console) header(arg string) error {
	switch arg {
	case "":
		for _, h := range c.headers {
			fmt.Fprintf(c.out, "%s: %s\n", h.Name, h.Value)
		}
		return nil
	case "clear":
		c.headers = nil
		return nil
	}
	name, value, ok := strings.Cut(arg, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return errors.New("usage: header NAME: VALUE")
	}
	c.headers = append(c.headers, hostfunc.Header{
		Name:  strings.TrimSpace(name),
		Value: strings.TrimSpace(value),
	})
	return nil
}

func (c *console) request(ctx context.Context, req hostfunc.Request, chunked bool) error {
	req.Headers = c.headers
	req.Timeout = c.timeout

	var resp hostfunc.Response
	c.host.HTTP.Send(req, func(r hostfunc.Response, _ uint32) { resp = r }, 0)
	if err := c.host.Loop.Run(ctx); err != nil {
		return err
	}

	if resp.Status != hostfunc.StatusSuccess {
		fmt.Fprintln(c.out, statusText(resp.Status))
		return nil
	}
	defer c.host.Values.Destroy(resp.Handle)

	fmt.Fprintf(c.out, "%s %d\n", statusText(resp.Status), resp.Code)
	for _, h := range resp.Headers {
		fmt.Fprintln(c.out, dimStyle.Render(h.Name+": "+h.Value))
	}
	fmt.Fprintln(c.out)

	chunks := 0
	sink := c.sink(func(status hostfunc.Status, data []byte) {
		if len(data) > 0 {
			chunks++
			c.out.Write(data)
			return
		}
		if status.Terminal() && status != hostfunc.StatusStreamEnded {
			fmt.Fprintf(c.out, "\n%s\n", statusText(status))
		}
	})
	if chunked {
		c.host.HTTP.ReadChunks(resp.Handle, sink)
	} else {
		c.host.HTTP.ReadAll(resp.Handle, sink)
	}
	if err := c.host.Loop.Run(ctx); err != nil {
		return err
	}
	if chunked {
		fmt.Fprintf(c.out, "\n%s\n", dimStyle.Render(fmt.Sprintf("[%d chunks]", chunks)))
	} else {
		fmt.Fprintln(c.out)
	}
	return nil
}

// sink hands every filled region to fn as a copy.
func (c *console) sink(fn func(hostfunc.Status, []byte)) hostfunc.Sink {
	return hostfunc.Sink{
		Memory:   c.arena,
		PreAlloc: c.arena.Alloc,
		PostFill: func(status hostfunc.Status, ptr, n, _ uint32) {
			var data []byte
			if n > 0 {
				data, _ = c.arena.Read(ptr, n)
			}
			fn(status, data)
		},
	}
}

func (c *console) global(name string) error {
	h := c.host.Values.LookupGlobal(name)
	if h == hostfunc.InvalidHandle {
		names := c.host.Values.Globals()
		sort.Strings(names)
		return fmt.Errorf("no global %q (have: %s)", name, strings.Join(names, ", "))
	}
	defer c.host.Values.Destroy(h)

	v, _ := c.host.Values.Get(h)
	fmt.Fprintf(c.out, "%s\n", v)
	return nil
}

func (c *console) load(ctx context.Context, accept []string) error {
	var data []byte
	var res hostfunc.LoadResult
	sink := c.sink(func(hostfunc.Status, []byte) {})
	c.host.Files.Load(accept, sink, func(r hostfunc.LoadResult, _ uint32) {
		res = r
		if r.Len > 0 {
			data, _ = c.arena.Read(r.Ptr, r.Len)
		}
	}, 0)
	if err := c.host.Loop.Run(ctx); err != nil {
		return err
	}
	if res.Name != hostfunc.InvalidHandle {
		defer c.host.Values.Destroy(res.Name)
	}
	if res.Status != hostfunc.StatusSuccess {
		fmt.Fprintln(c.out, statusText(res.Status))
		return nil
	}

	name, _ := c.host.Values.Get(res.Name)
	modified := time.UnixMilli(res.LastModified).In(c.host.Clock.Location())
	fmt.Fprintf(c.out, "%s %s (%d bytes, modified %s)\n",
		statusText(res.Status), name, len(data), modified.Format(time.RFC3339))
	return nil
}

func (c *console) save(ctx context.Context, name, text string) error {
	var status hostfunc.Status
	c.host.Files.Save([]byte(text), name, "", nil, func(s hostfunc.Status, _ uint32) { status = s }, 0)
	if err := c.host.Loop.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, statusText(status))
	return nil
}

func (c *console) offset(args []string) error {
	t := time.Now()
	if len(args) > 0 {
		var err error
		if t, err = time.Parse(time.RFC3339, args[0]); err != nil {
			return err
		}
	}
	fromUTC := c.host.Clock.OffsetFromUTC(float64(t.UnixMilli()))

	local := t.In(c.host.Clock.Location())
	fromLocal := c.host.Clock.OffsetFromLocal(int32(local.Year()), int32(local.Month())-1,
		int32(local.Day()), int32(local.Hour()), int32(local.Minute()), int32(local.Second()))

	fmt.Fprintf(c.out, "%s utc=%d local=%d\n", c.host.Clock.Location(), fromUTC, fromLocal)
	return nil
}
