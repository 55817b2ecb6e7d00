package bot

import (
	"strings"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/media"
)

// ActionKind is the kind of a decoded callback
type ActionKind string

const (
	ActionContentType ActionKind = "type"
	ActionFormat      ActionKind = "fmt"
	ActionBack        ActionKind = "back"
	ActionCancel      ActionKind = "cancel"
	ActionJobCancel   ActionKind = "job"
	ActionMenu        ActionKind = "menu"
)

const (
	MenuMain  = "main"
	MenuHelp  = "help"
	MenuStats = "stats"
)

// Action is decoded callback data. Only the fields of its Kind are set.
type Action struct {
	Kind    ActionKind
	Content media.ContentType
	Choice  string
	Token   string
	JobID   string
	Menu    string
}

const sep = ":"

func typeData(kind media.ContentType, token string) string {
	return join(string(ActionContentType), string(kind), token)
}

func formatData(spec media.FormatSpec, token string) string {
	return join(string(ActionFormat), string(spec.Kind), spec.Choice(), token)
}

func backData(token string) string {
	return join(string(ActionBack), token)
}

func cancelData() string {
	return string(ActionCancel)
}

func jobCancelData(jobID string) string {
	return join(string(ActionJobCancel), "cancel", jobID)
}

func menuData(item string) string {
	return join(string(ActionMenu), item)
}

func join(parts ...string) string {
	return strings.Join(parts, sep)
}

// ParseCallback decodes button data. Anything that does not match one of
// the layouts exactly is a MalformedCallback.
func ParseCallback(data string) (Action, error) {
	malformed := apperrors.MalformedCallback(data)
	parts := strings.Split(data, sep)
	for _, p := range parts {
		if p == "" {
			return Action{}, malformed
		}
	}

	switch ActionKind(parts[0]) {
	case ActionContentType:
		if len(parts) != 3 {
			return Action{}, malformed
		}
		kind, err := media.ParseContentType(parts[1])
		if err != nil {
			return Action{}, malformed
		}
		return Action{Kind: ActionContentType, Content: kind, Token: parts[2]}, nil

	case ActionFormat:
		if len(parts) != 4 {
			return Action{}, malformed
		}
		kind, err := media.ParseContentType(parts[1])
		if err != nil {
			return Action{}, malformed
		}
		if _, err := media.ParseFormatSpec(kind, parts[2]); err != nil {
			return Action{}, malformed
		}
		return Action{Kind: ActionFormat, Content: kind, Choice: parts[2], Token: parts[3]}, nil

	case ActionBack:
		if len(parts) != 2 {
			return Action{}, malformed
		}
		return Action{Kind: ActionBack, Token: parts[1]}, nil

	case ActionCancel:
		if len(parts) != 1 {
			return Action{}, malformed
		}
		return Action{Kind: ActionCancel}, nil

	case ActionJobCancel:
		if len(parts) != 3 || parts[1] != "cancel" {
			return Action{}, malformed
		}
		return Action{Kind: ActionJobCancel, JobID: parts[2]}, nil

	case ActionMenu:
		if len(parts) != 2 {
			return Action{}, malformed
		}
		switch parts[1] {
		case MenuMain, MenuHelp, MenuStats:
			return Action{Kind: ActionMenu, Menu: parts[1]}, nil
		}
		return Action{}, malformed
	}
	return Action{}, malformed
}

// Spec builds the FormatSpec of a format action
func (a Action) Spec() (media.FormatSpec, error) {
	return media.ParseFormatSpec(a.Content, a.Choice)
}
