package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/triangleos/trios/pkg/protocol"
)

// Scope bounds a command's lifetime and visibility.
type Scope string

const (
	// ScopeGlobal commands live for the whole application session.
	ScopeGlobal Scope = "global"
	// ScopeApp commands live while their owning application is loaded.
	ScopeApp Scope = "app"
	// ScopePage commands are cleared when the user navigates away from the
	// page that registered them.
	ScopePage Scope = "page"
)

// Command is the atomic unit of controllable behavior.
type Command struct {
	ID          string
	Triggers    []string
	Description string
	Icon        string
	Action      Action
	Scope       Scope
	// Page identifies the owning page for ScopePage commands.
	Page string
}

// FromSpec converts a protocol command item into the internal model.
// Unknown action kinds survive as UnknownAction; they fail at dispatch, not
// at registration.
func FromSpec(spec protocol.CommandSpec) (Command, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return Command{}, errors.New("command: spec id is empty")
	}
	if len(spec.Triggers) == 0 {
		return Command{}, fmt.Errorf("command: %s has no triggers", spec.ID)
	}
	action, err := DecodeAction(spec.Action)
	if err != nil {
		return Command{}, fmt.Errorf("command: %s: %w", spec.ID, err)
	}
	scope := Scope(spec.Scope)
	switch scope {
	case ScopeGlobal, ScopeApp, ScopePage:
	default:
		scope = ScopeApp
	}
	return Command{
		ID:          spec.ID,
		Triggers:    append([]string(nil), spec.Triggers...),
		Description: spec.Description,
		Icon:        spec.Icon,
		Action:      action,
		Scope:       scope,
	}, nil
}

// ToSpec converts a command back into its wire shape.
func ToSpec(cmd Command) (protocol.CommandSpec, error) {
	raw, err := EncodeAction(cmd.Action)
	if err != nil {
		return protocol.CommandSpec{}, err
	}
	return protocol.CommandSpec{
		ID:          cmd.ID,
		Triggers:    append([]string(nil), cmd.Triggers...),
		Description: cmd.Description,
		Icon:        cmd.Icon,
		Scope:       string(cmd.Scope),
		Action:      raw,
	}, nil
}
