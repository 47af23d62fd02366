package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jroimartin/gocui"
	"github.com/pkg/errors"
)

// maxLines is how much log history the dashboard keeps
const maxLines = 1000

// Dashboard shows log lines above a table of running sessions.
//
// It's an io.Writer, so a logger can write to it before and while the
// terminal ui runs.
type Dashboard struct {
	mu       sync.Mutex
	lines    []string
	sessions map[string]string
	gui      *gocui.Gui
}

// NewDashboard creates a dashboard with nothing to show yet
func NewDashboard() *Dashboard {
	return &Dashboard{}
}

// Write adds every line of p to the log pane
func (d *Dashboard) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	d.mu.Lock()
	d.lines = append(d.lines, strings.Split(text, "\n")...)
	if len(d.lines) > maxLines {
		d.lines = d.lines[len(d.lines)-maxLines:]
	}
	g := d.gui
	d.mu.Unlock()
	if g != nil {
		g.Update(d.redraw)
	}
	return len(p), nil
}

// Lines returns a copy of the log lines held so far
func (d *Dashboard) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

func (d *Dashboard) setSessions(sessions map[string]string) {
	d.mu.Lock()
	d.sessions = sessions
	d.mu.Unlock()
}

// renderSessions lists sessions sorted by remote address
func renderSessions(sessions map[string]string) string {
	remotes := make([]string, 0, len(sessions))
	for remote := range sessions {
		remotes = append(remotes, remote)
	}
	sort.Strings(remotes)
	var b strings.Builder
	fmt.Fprintf(&b, "%d running\n", len(sessions))
	for _, remote := range remotes {
		fmt.Fprintf(&b, "%s -> %s\n", remote, sessions[remote])
	}
	return b.String()
}

func (d *Dashboard) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	if v, err := g.SetView("log", 0, 0, maxX-1, 2*maxY/3); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "log"
		v.Autoscroll = true
		v.Wrap = true
	}
	if v, err := g.SetView("sessions", 0, 2*maxY/3+1, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "sessions"
	}
	return d.redraw(g)
}

func (d *Dashboard) redraw(g *gocui.Gui) error {
	logView, err := g.View("log")
	if err != nil {
		// not laid out yet
		return nil
	}
	sessionView, err := g.View("sessions")
	if err != nil {
		return nil
	}
	d.mu.Lock()
	lines := strings.Join(d.lines, "\n")
	sessions := renderSessions(d.sessions)
	d.mu.Unlock()
	logView.Clear()
	fmt.Fprintln(logView, lines)
	sessionView.Clear()
	fmt.Fprint(sessionView, sessions)
	return nil
}

// Run shows the dashboard until ctrl-c is pressed or ctx is done.
//
// sessions is polled every second for the session table.
func (d *Dashboard) Run(ctx context.Context, sessions func() map[string]string) error {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return errors.Wrap(err, "start terminal ui")
	}
	defer g.Close()
	d.mu.Lock()
	d.gui = g
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.gui = nil
		d.mu.Unlock()
	}()

	g.SetManagerFunc(d.layout)
	if err := g.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, quit); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		g.Update(func(*gocui.Gui) error {
			return gocui.ErrQuit
		})
	})
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				d.setSessions(sessions())
				g.Update(d.redraw)
			}
		}
	}()

	if err := g.MainLoop(); err != nil && err != gocui.ErrQuit {
		return err
	}
	return nil
}

func quit(g *gocui.Gui, v *gocui.View) error {
	return gocui.ErrQuit
}
