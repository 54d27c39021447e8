// SPDX-License-Identifier: MIT

// Package shades models the shade registry, the firmware line protocol and
// the command gateway.
package shades

import (
	"errors"
	"fmt"
)

// Action is a shade movement command.
type Action string

const (
	ActionUp   Action = "up"
	ActionDown Action = "down"
	ActionStop Action = "stop"
)

// ParseAction accepts both the API spelling ("up") and the wire token ("u").
func ParseAction(v string) (Action, error) {
	switch v {
	case "up", "u":
		return ActionUp, nil
	case "down", "d":
		return ActionDown, nil
	case "stop", "s":
		return ActionStop, nil
	}
	return "", fmt.Errorf("unknown action %q", v)
}

// Token returns the single-byte wire token for the action.
func (a Action) Token() byte {
	switch a {
	case ActionUp:
		return 'u'
	case ActionDown:
		return 'd'
	default:
		return 's'
	}
}

// ShadeType classifies the fabric/function of a shade.
type ShadeType string

const (
	TypePrivacy  ShadeType = "privacy"
	TypeSolar    ShadeType = "solar"
	TypeBlackout ShadeType = "blackout"
	TypeDimming  ShadeType = "dimming"
)

// Shade is one registered window shade. Shades carry no position state; RF
// commands are open-loop.
type Shade struct {
	ID    int       `json:"shade_id"`
	Name  string    `json:"name"`
	Room  string    `json:"room"`
	Type  ShadeType `json:"type"`
	Group string    `json:"group,omitempty"`
}

// ErrShadeNotFound reports a command for an unregistered shade id.
var ErrShadeNotFound = errors.New("shade not found")
