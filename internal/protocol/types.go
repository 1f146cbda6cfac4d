package protocol

import "strings"

// Message type values carried in the "type" field.
const (
	TypeRegister = "register"
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Plain-text error frames sent before a connection is closed during
// authentication. They are not JSON.
const (
	ErrTextIPBlocked     = "Error: IP blocked due to multiple failed attempts"
	ErrTextAuthTimeout   = "Error: Authentication timeout"
	ErrTextNoSecret      = "Error: No secret code provided"
	ErrTextInvalidSecret = "Error: Invalid secret code"
)

// CommandContext declares where a command may be invoked from.
type CommandContext string

const (
	ContextBoth   CommandContext = "both"
	ContextDirect CommandContext = "dm"
	ContextServer CommandContext = "server"
)

// Valid reports whether c is a known context value.
func (c CommandContext) Valid() bool {
	switch c {
	case ContextBoth, ContextDirect, ContextServer:
		return true
	default:
		return false
	}
}

// String returns the context name.
func (c CommandContext) String() string {
	switch c {
	case ContextBoth:
		return "BOTH"
	case ContextDirect:
		return "DIRECT"
	case ContextServer:
		return "SERVER_SCOPED"
	default:
		return "UNKNOWN"
	}
}

// Allows reports whether a command declared with context c may be invoked
// from a direct (private) conversation or from a server channel.
func (c CommandContext) Allows(direct bool) bool {
	switch c {
	case ContextDirect:
		return direct
	case ContextServer:
		return !direct
	default:
		return true
	}
}

// OptionType is the declared type of a command argument.
type OptionType string

const (
	OptionString      OptionType = "STRING"
	OptionInteger     OptionType = "INTEGER"
	OptionBoolean     OptionType = "BOOLEAN"
	OptionUser        OptionType = "USER"
	OptionChannel     OptionType = "CHANNEL"
	OptionRole        OptionType = "ROLE"
	OptionMentionable OptionType = "MENTIONABLE"
	OptionNumber      OptionType = "NUMBER"
	OptionAttachment  OptionType = "ATTACHMENT"
)

// ParseOptionType normalizes an option type name. It returns false for
// names outside the known set.
func ParseOptionType(s string) (OptionType, bool) {
	t := OptionType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case OptionString, OptionInteger, OptionBoolean, OptionUser, OptionChannel,
		OptionRole, OptionMentionable, OptionNumber, OptionAttachment:
		return t, true
	default:
		return "", false
	}
}

// CommandOption declares one argument of a command.
type CommandOption struct {
	Name        string     `json:"name"`
	Type        OptionType `json:"type"`
	Description string     `json:"description"`
	Required    bool       `json:"required"`
}

// CommandDefinition is the schema an agent declares for a command.
type CommandDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Context     CommandContext  `json:"context"`
	Options     []CommandOption `json:"options"`
}

// Equal reports whether two definitions are structurally identical,
// including option order.
func (d CommandDefinition) Equal(other CommandDefinition) bool {
	if d.Name != other.Name || d.Description != other.Description || d.Context != other.Context {
		return false
	}
	if len(d.Options) != len(other.Options) {
		return false
	}
	for i := range d.Options {
		if d.Options[i] != other.Options[i] {
			return false
		}
	}
	return true
}
