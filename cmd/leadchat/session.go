package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/BTreeMap/LeadPipe/internal/locale"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/widget"
)

var (
	visitorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	formTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			MarginTop(1)
)

// replyTimeout bounds the wait for the assistant after each message.
const replyTimeout = 45 * time.Second

// session drives a widget from line-oriented input.
type session struct {
	w       *widget.Widget
	in      *bufio.Scanner
	out     io.Writer
	content locale.Content

	mu       sync.Mutex
	printed  int
	status   widget.Status
	greeted  bool
	errShown string
	changed  chan struct{}
}

func newSession(in io.Reader, out io.Writer, loc locale.Locale) *session {
	return &session{
		in:      bufio.NewScanner(in),
		out:     out,
		content: locale.For(loc),
		changed: make(chan struct{}, 1),
	}
}

// onChange prints whatever is new since the last call.
func (s *session) onChange(st widget.State) {
	s.mu.Lock()
	if st.Greeting != "" && !s.greeted && len(st.Messages) == 0 && st.Status == widget.StatusConnected {
		s.greeted = true
		fmt.Fprintln(s.out, botStyle.Render(models.BotSenderName+":"), st.Greeting)
	}
	for _, m := range st.Messages[min(s.printed, len(st.Messages)):] {
		s.printMessage(m)
	}
	s.printed = len(st.Messages)
	if st.Status != s.status {
		s.status = st.Status
		fmt.Fprintln(s.out, statusStyle.Render("["+st.StatusText()+"]"))
	}
	if st.Error != "" && st.Error != s.errShown {
		fmt.Fprintln(s.out, errorStyle.Render(st.Error))
	}
	s.errShown = st.Error
	s.mu.Unlock()

	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *session) printMessage(m models.Message) {
	style := visitorStyle
	if m.IsFromBot() {
		style = botStyle
	}
	fmt.Fprintln(s.out, style.Render(m.SenderName+":"), m.Text)
}

// waitFor blocks until cond holds for the widget state, ctx ends or timeout passes.
func (s *session) waitFor(ctx context.Context, timeout time.Duration, cond func(widget.State) bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if cond(s.w.State()) {
			return true
		}
		select {
		case <-s.changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *session) readLine(prompt string) (string, bool) {
	if prompt != "" {
		fmt.Fprint(s.out, prompt)
	}
	if !s.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(s.in.Text()), true
}

func (s *session) run(ctx context.Context) error {
	if err := s.w.Open(ctx); err != nil {
		return err
	}
	for ctx.Err() == nil {
		st := s.w.State()
		if st.Status == widget.StatusDisconnected {
			return errors.New("disconnected from server")
		}
		switch st.Mode {
		case widget.ModeAwaitingContactInfo:
			if !s.collectContact(ctx, st.Form) {
				return nil
			}
			continue
		case widget.ModeSubmitted:
			fmt.Fprintln(s.out, statusStyle.Render(st.Notice))
			return nil
		}

		line, ok := s.readLine("> ")
		if !ok {
			return nil
		}
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/name "):
			if err := s.w.SetDisplayName(strings.TrimPrefix(line, "/name ")); err != nil {
				fmt.Fprintln(s.out, errorStyle.Render(err.Error()))
			}
			continue
		}

		before := len(s.w.State().Messages)
		if err := s.w.Send(ctx, line); err != nil {
			if !errors.Is(err, widget.ErrNameRequired) && !errors.Is(err, widget.ErrInputDisabled) {
				fmt.Fprintln(s.out, errorStyle.Render(err.Error()))
			}
			continue
		}
		// visitor echo plus the assistant reply
		if !s.waitFor(ctx, replyTimeout, func(st widget.State) bool {
			return len(st.Messages) >= before+2 || st.Status != widget.StatusConnected
		}) {
			fmt.Fprintln(s.out, errorStyle.Render(s.content.ApologyError))
		}
	}
	return nil
}

// collectContact prompts for every form field and submits. It returns false when input ends.
func (s *session) collectContact(ctx context.Context, prefill widget.ContactForm) bool {
	c := s.content
	fmt.Fprintln(s.out, formTitleStyle.Render(c.ContactFormTitle))
	form := prefill
	fields := []struct {
		label string
		value *string
	}{
		{c.FormName, &form.Name},
		{c.FormBusinessName, &form.BusinessName},
		{c.FormEmail, &form.Email},
		{c.FormPhone, &form.PhoneNo},
		{c.FormServiceType, &form.ServiceType},
		{c.FormDescription, &form.Description},
	}
	for _, f := range fields {
		prompt := f.label + ": "
		if *f.value != "" {
			prompt = fmt.Sprintf("%s [%s]: ", f.label, *f.value)
		}
		line, ok := s.readLine(prompt)
		if !ok {
			return false
		}
		if line != "" {
			*f.value = line
		}
	}

	before := len(s.w.State().Messages)
	if _, err := s.w.SubmitContact(ctx, form); err != nil {
		return true
	}
	s.waitFor(ctx, 5*time.Second, func(st widget.State) bool {
		return len(st.Messages) > before || st.Status != widget.StatusConnected
	})
	return true
}
