package terminal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentuity/feedback-bridge/feedback"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/cockroachdb/errors"
)

var (
	formTheme = huh.ThemeBase16()

	messageOKColor      = lipgloss.AdaptiveColor{Light: "#009900", Dark: "#00FF00"}
	messageOKStyle      = lipgloss.NewStyle().Foreground(messageOKColor)
	messageTextColor    = lipgloss.AdaptiveColor{Light: "#000000", Dark: "#FFFFFF"}
	messageTextStyle    = lipgloss.NewStyle().Foreground(messageTextColor)
	messageWarningColor = lipgloss.AdaptiveColor{Light: "#DE970B", Dark: "#F6BE00"}
	messageWarningStyle = lipgloss.NewStyle().Foreground(messageWarningColor)
	messageErrorColor   = lipgloss.AdaptiveColor{Light: "#990000", Dark: "#FF0000"}
	messageErrorStyle   = lipgloss.NewStyle().Foreground(messageErrorColor)
)

func renderMessage(level feedback.MessageLevel, message string) string {
	switch level {
	case feedback.LevelWarning:
		return messageWarningStyle.Render(" ⚠ ") + messageTextStyle.Render(message)
	case feedback.LevelError:
		return messageErrorStyle.Render(" ✕ ") + messageTextStyle.Render(message)
	default:
		return messageOKStyle.Render(" ✓ ") + messageTextStyle.Render(message)
	}
}

type formPrompter struct{}

// NewFormPrompter returns the interactive huh form
func NewFormPrompter() Prompter {
	return formPrompter{}
}

func (formPrompter) Ask(ctx context.Context, prompt feedback.Prompt) (Answer, error) {
	var text, paths string
	description := prompt.WorkSummary
	if description == "" {
		description = "The agent is waiting for your feedback."
	}
	if !prompt.Deadline.IsZero() {
		description += fmt.Sprintf("\n\nAnswer before %s.", prompt.Deadline.Local().Format(time.Kitchen))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Feedback requested").
				Description(description),
			huh.NewText().
				Title("Feedback").
				Placeholder("What should change?").
				Value(&text),
			huh.NewInput().
				Title("Images").
				Prompt("> ").
				Description("Optional image paths, separated by commas").
				Value(&paths),
		),
	).WithTheme(formTheme)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return Answer{}, ErrAborted
		}
		return Answer{}, err
	}
	var images []string
	if paths != "" {
		images = strings.Split(paths, ",")
	}
	return Answer{Text: text, ImagePaths: images}, nil
}
