package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrProtocol marks a user message that is not valid JSON, uses an unknown
// verb, or has the wrong arguments. The message is dropped.
var ErrProtocol = errors.New("wire: protocol error")

// Verbs accepted from the user application.
const (
	VerbSetValue  = "set-value"
	VerbSetOption = "set-option"
)

// UserMessage is a decoded client->gateway message. Exactly one of SetValue
// and SetOption is non-nil.
type UserMessage struct {
	Verb      string
	SetValue  *SetValue
	SetOption *SetOption
}

// SetValue is ["set-value", nodeId, index, value].
type SetValue struct {
	NodeID string
	Index  int
	Value  string
}

// SetOption is ["set-option", name, value].
type SetOption struct {
	Name  string
	Value bool
}

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// ParseUserMessage decodes a JSON array message. Every failure wraps ErrProtocol.
func ParseUserMessage(data []byte) (UserMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return UserMessage{}, protocolErr("not a JSON array: %v", err)
	}
	if len(parts) == 0 {
		return UserMessage{}, protocolErr("empty message")
	}

	var verb string
	if err := json.Unmarshal(parts[0], &verb); err != nil {
		return UserMessage{}, protocolErr("verb is not a string")
	}
	args := parts[1:]

	switch verb {
	case VerbSetValue:
		if len(args) != 3 {
			return UserMessage{}, protocolErr("%s takes 3 arguments, got %d", verb, len(args))
		}
		var sv SetValue
		if err := json.Unmarshal(args[0], &sv.NodeID); err != nil {
			return UserMessage{}, protocolErr("%s: node id is not a string", verb)
		}
		if err := json.Unmarshal(args[1], &sv.Index); err != nil {
			return UserMessage{}, protocolErr("%s: index is not an integer", verb)
		}
		value, err := scalarString(args[2])
		if err != nil {
			return UserMessage{}, protocolErr("%s: %v", verb, err)
		}
		sv.Value = value
		return UserMessage{Verb: verb, SetValue: &sv}, nil

	case VerbSetOption:
		if len(args) != 2 {
			return UserMessage{}, protocolErr("%s takes 2 arguments, got %d", verb, len(args))
		}
		var so SetOption
		if err := json.Unmarshal(args[0], &so.Name); err != nil {
			return UserMessage{}, protocolErr("%s: option name is not a string", verb)
		}
		if err := json.Unmarshal(args[1], &so.Value); err != nil {
			return UserMessage{}, protocolErr("%s: option value is not a boolean", verb)
		}
		return UserMessage{Verb: verb, SetOption: &so}, nil

	default:
		return UserMessage{}, protocolErr("unknown verb %q", verb)
	}
}

// scalarString accepts a JSON string or number and returns its text.
func scalarString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), nil
		}
	}
	return "", errors.New("value is not a string or number")
}

// EncodeNodeUpdate returns [nodeId, field, values].
func EncodeNodeUpdate(nodeID, field string, values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal([]any{nodeID, field, values})
}

// EncodeOptionsUpdate returns ["options", options].
func EncodeOptionsUpdate(options json.RawMessage) ([]byte, error) {
	return json.Marshal([]any{"options", options})
}

// EncodeSetValue returns ["set-value", nodeId, index, value].
func EncodeSetValue(nodeID string, index int, value string) ([]byte, error) {
	return json.Marshal([]any{VerbSetValue, nodeID, index, value})
}

// EncodeSetOption returns ["set-option", name, value].
func EncodeSetOption(name string, value bool) ([]byte, error) {
	return json.Marshal([]any{VerbSetOption, name, value})
}
