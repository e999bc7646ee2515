package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/chatwire/pkg/components"
	"github.com/go-go-golems/chatwire/pkg/events"
	"github.com/go-go-golems/chatwire/pkg/stream"
	"github.com/pkg/errors"
)

var (
	senderStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	artifactStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
	inlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
)

// terminalSurface prints routed updates line by line. Streaming messages
// are printed incrementally; complete messages are rendered as markdown
// when the output is a terminal.
type terminalSurface struct {
	out    io.Writer
	styled bool
	lost   chan<- error

	mu      sync.Mutex
	printed map[string]int
	open    string
}

func newTerminalSurface(out io.Writer, styled bool, lost chan<- error) *terminalSurface {
	return &terminalSurface{out: out, styled: styled, lost: lost, printed: map[string]int{}}
}

func (s *terminalSurface) style(st lipgloss.Style, text string) string {
	if !s.styled {
		return text
	}
	return st.Render(text)
}

// closeLine terminates a partially printed streaming line. Callers hold mu.
func (s *terminalSurface) closeLine() {
	if s.open != "" {
		fmt.Fprintln(s.out)
		s.open = ""
	}
}

func (s *terminalSurface) OnMessage(_ context.Context, msg stream.MessageState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, seen := s.printed[msg.ID]
	if !seen && !msg.Streaming {
		s.closeLine()
		fmt.Fprintf(s.out, "%s\n%s\n", s.style(senderStyle, msg.DisplayName+":"), s.markdown(msg.Content))
		return
	}

	if !seen {
		s.closeLine()
		fmt.Fprintf(s.out, "%s ", s.style(senderStyle, msg.DisplayName+":"))
		s.open = msg.ID
	} else if s.open != msg.ID {
		// another message interleaved; continue on a fresh line
		s.closeLine()
		fmt.Fprintf(s.out, "%s ", s.style(senderStyle, msg.DisplayName+" (cont.):"))
		s.open = msg.ID
	}
	if n < len(msg.Content) {
		fmt.Fprint(s.out, msg.Content[n:])
	}
	s.printed[msg.ID] = len(msg.Content)

	if !msg.Streaming {
		s.closeLine()
		delete(s.printed, msg.ID)
	}
}

func (s *terminalSurface) markdown(text string) string {
	if !s.styled {
		return text
	}
	out, err := glamour.Render(text, "dark")
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (s *terminalSurface) OnStatus(_ context.Context, ev *events.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLine()

	line := "[" + ev.Status + "]"
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		if k == "source" || k == "status" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, ev.Payload[k])
	}
	fmt.Fprintln(s.out, s.style(statusStyle, line))

	if ev.Status == "disconnected" && s.lost != nil {
		if reason, ok := ev.Payload["error"].(string); ok {
			select {
			case s.lost <- errors.New(reason):
			default:
			}
		}
	}
}

func (s *terminalSurface) OnError(_ context.Context, ev *events.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLine()
	msg := "error: " + ev.Message
	if ev.Code != "" {
		msg += " (" + ev.Code + ")"
	}
	fmt.Fprintln(s.out, s.style(errorStyle, msg))
}

// Render implements components.RenderSink.
func (s *terminalSurface) Render(req components.RenderRequest) {
	body := formatOutput(req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLine()

	title := req.Name
	if req.Refresh {
		title += " (updated)"
	}
	if req.Fallback {
		title += " (no renderer)"
	}
	switch req.Surface {
	case components.SurfaceArtifact:
		fmt.Fprintln(s.out, s.style(artifactStyle, title+"\n"+body))
	default:
		fmt.Fprintln(s.out, s.style(inlineStyle, "["+title+"] "+body))
	}
}

func formatOutput(req components.RenderRequest) string {
	if req.Err != nil {
		return "render failed: " + req.Err.Error()
	}
	v := req.Output
	if req.Fallback || v == nil {
		v = req.Payload
	}
	if str, ok := v.(string); ok {
		return str
	}
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(blob)
}
