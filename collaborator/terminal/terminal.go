// Package terminal asks for feedback with an interactive form on the controlling terminal.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/agentuity/feedback-bridge/feedback"
	"github.com/agentuity/feedback-bridge/logger"
	"github.com/cockroachdb/errors"
	"github.com/mattn/go-isatty"
)

var (
	// ErrNotTerminal is returned when stdin is not interactive
	ErrNotTerminal = errors.New("stdin is not a terminal")
	// ErrAborted is returned by a Prompter when the user quits the form
	ErrAborted = errors.New("user aborted")
	// ErrQueueFull is returned when too many requests are waiting for the form
	ErrQueueFull = errors.New("too many feedback requests waiting")
)

const queueSize = 64

// Answer is what the user typed into the form
type Answer struct {
	Text       string
	ImagePaths []string
}

// Prompter presents a single request and blocks until it is answered, aborted or ctx ends
type Prompter interface {
	Ask(ctx context.Context, prompt feedback.Prompt) (Answer, error)
}

type Terminal struct {
	settler  feedback.Settler
	logger   logger.Logger
	prompter Prompter
	out      io.Writer
	isTTY    func() bool
	readFile func(string) ([]byte, error)

	queue     chan feedback.Prompt
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}

	mu           sync.Mutex
	waiting      map[string]bool
	activeID     string
	activeCancel context.CancelFunc
}

var (
	_ feedback.Collaborator = (*Terminal)(nil)
	_ feedback.Dismisser    = (*Terminal)(nil)
	_ feedback.Notifier     = (*Terminal)(nil)
)

type Option func(*Terminal)

func WithPrompter(p Prompter) Option {
	return func(t *Terminal) {
		t.prompter = p
	}
}

func WithOutput(w io.Writer) Option {
	return func(t *Terminal) {
		t.out = w
	}
}

// WithTTYCheck replaces the stdin terminal detection
func WithTTYCheck(fn func() bool) Option {
	return func(t *Terminal) {
		t.isTTY = fn
	}
}

func New(settler feedback.Settler, log logger.Logger, options ...Option) *Terminal {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Terminal{
		settler:  settler,
		logger:   log.WithPrefix("[terminal]"),
		prompter: NewFormPrompter(),
		out:      os.Stdout,
		isTTY:    stdinIsTerminal,
		readFile: os.ReadFile,
		queue:    make(chan feedback.Prompt, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		waiting:  make(map[string]bool),
	}
	for _, option := range options {
		option(t)
	}
	return t
}

func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (t *Terminal) EnsureVisible(ctx context.Context) error {
	if !t.isTTY() {
		return ErrNotTerminal
	}
	return nil
}

// RequestResponse queues the prompt. Forms are shown one at a time in arrival order.
func (t *Terminal) RequestResponse(ctx context.Context, prompt feedback.Prompt) error {
	if !t.isTTY() {
		return ErrNotTerminal
	}
	t.startOnce.Do(func() {
		go t.run()
	})
	t.mu.Lock()
	t.waiting[prompt.OperationID] = true
	t.mu.Unlock()
	select {
	case t.queue <- prompt:
		return nil
	default:
		t.mu.Lock()
		delete(t.waiting, prompt.OperationID)
		t.mu.Unlock()
		return ErrQueueFull
	}
}

// Dismiss drops a queued prompt or closes the form showing it
func (t *Terminal) Dismiss(ctx context.Context, operationID string, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.waiting, operationID)
	if t.activeID == operationID && t.activeCancel != nil {
		t.logger.Debug("closing form for %s: %s", operationID, reason)
		t.activeCancel()
	}
}

func (t *Terminal) ShowMessage(ctx context.Context, level feedback.MessageLevel, message string) error {
	_, err := fmt.Fprintln(t.out, renderMessage(level, message))
	return err
}

// Close stops the form loop, queued prompts are abandoned
func (t *Terminal) Close() error {
	t.cancel()
	started := true
	t.startOnce.Do(func() {
		started = false
	})
	if started {
		<-t.done
	}
	return nil
}

func (t *Terminal) begin(operationID string) (context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.waiting[operationID] {
		return nil, false
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.activeID = operationID
	t.activeCancel = cancel
	return ctx, true
}

func (t *Terminal) end(operationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeCancel != nil {
		t.activeCancel()
	}
	t.activeID = ""
	t.activeCancel = nil
	delete(t.waiting, operationID)
}

func (t *Terminal) run() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case prompt := <-t.queue:
			t.ask(prompt)
		}
	}
}

func (t *Terminal) ask(prompt feedback.Prompt) {
	ctx, ok := t.begin(prompt.OperationID)
	if !ok {
		return
	}
	answer, err := t.prompter.Ask(ctx, prompt)
	dismissed := ctx.Err() != nil
	t.end(prompt.OperationID)

	switch {
	case errors.Is(err, ErrAborted):
		t.settler.Cancel(prompt.OperationID, "user cancelled")
	case dismissed:
		return
	case err != nil:
		t.logger.Error("feedback form failed: %s", err)
		t.settler.Cancel(prompt.OperationID, err.Error())
	default:
		t.settler.Settle(prompt.OperationID, t.response(answer))
	}
}

func (t *Terminal) response(answer Answer) feedback.Response {
	resp := feedback.Response{TextFeedback: strings.TrimSpace(answer.Text)}
	for _, path := range answer.ImagePaths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		buf, err := t.readFile(path)
		if err != nil {
			t.logger.Warn("skipping image %s: %s", path, err)
			fmt.Fprintln(t.out, renderMessage(feedback.LevelWarning, fmt.Sprintf("skipped %s: %s", path, err)))
			continue
		}
		resp.Images = append(resp.Images, buf)
	}
	return resp
}
