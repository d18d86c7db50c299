// Package state holds the gateway's shared model of node configuration,
// readings and options behind a single lock.
package state

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chaz8081/gatewaynode/internal/model"
)

// OptionAutomaticLightControl enables driving the actuator LED from the
// sensor's light level.
const OptionAutomaticLightControl = "Automatic Light Control"

// NodeState is the user-visible state of one field node. Tags and values are
// index-aligned.
type NodeState struct {
	OutputTags   []string `json:"output-tags"`
	OutputValues []string `json:"output-values"`
	InputTags    []string `json:"input-tags"`
	InputValues  []string `json:"input-values"`
}

// NewNodeState returns the initial state for a node of the given kind.
func NewNodeState(kind model.Kind) (*NodeState, error) {
	switch kind {
	case model.KindSensor:
		return &NodeState{
			OutputTags:   []string{"Temperature (°C)", "Relative Humidity (%)", "Heat Index (°C)", "Light (0-4095)"},
			OutputValues: []string{"Loading", "Loading", "Loading", "Loading"},
			InputTags:    []string{"Sleep time (seconds)"},
			InputValues:  []string{"10"},
		}, nil
	case model.KindActuator:
		return &NodeState{
			OutputTags:   []string{},
			OutputValues: []string{},
			InputTags:    []string{"LED value"},
			InputValues:  []string{"0"},
		}, nil
	default:
		return nil, fmt.Errorf("state: unsupported node kind %q", kind)
	}
}

// Values returns the slice backing field ("output-values" or "input-values").
func (n *NodeState) Values(field string) ([]string, bool) {
	switch field {
	case model.FieldOutputValues:
		return n.OutputValues, true
	case model.FieldInputValues:
		return n.InputValues, true
	default:
		return nil, false
	}
}

// GatewayState is the complete shared model.
type GatewayState struct {
	Type    string                `json:"type"`
	Options map[string]bool       `json:"options"`
	Nodes   map[string]*NodeState `json:"nodes"`
}

// Store serializes every access to a GatewayState.
type Store struct {
	mu    sync.Mutex
	state GatewayState
}

// NewStore builds the state for peripherals with the given initial options.
func NewStore(peripherals []model.Peripheral, options map[string]bool) (*Store, error) {
	s := &Store{
		state: GatewayState{
			Type:    "gateway",
			Options: make(map[string]bool, len(options)),
			Nodes:   make(map[string]*NodeState, len(peripherals)),
		},
	}
	for k, v := range options {
		s.state.Options[k] = v
	}
	for _, p := range peripherals {
		if _, dup := s.state.Nodes[p.ID]; dup {
			return nil, fmt.Errorf("state: duplicate node id %q", p.ID)
		}
		ns, err := NewNodeState(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("state: node %q: %w", p.ID, err)
		}
		s.state.Nodes[p.ID] = ns
	}
	return s, nil
}

// WithLock runs fn while holding the store's lock. The lock is released on
// every exit path, including a panic inside fn. fn must not retain st.
func (s *Store) WithLock(fn func(st *GatewayState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.state)
}

// SnapshotJSON serializes the whole state under the lock.
func (s *Store) SnapshotJSON() ([]byte, error) {
	var out []byte
	err := s.WithLock(func(st *GatewayState) error {
		var err error
		out, err = json.Marshal(st)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("state: marshal snapshot: %w", err)
	}
	return out, nil
}

// OptionsJSON serializes the options map under the lock.
func (s *Store) OptionsJSON() (json.RawMessage, error) {
	var out []byte
	err := s.WithLock(func(st *GatewayState) error {
		var err error
		out, err = json.Marshal(st.Options)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("state: marshal options: %w", err)
	}
	return out, nil
}

// Option reports the value of option name; missing options are false.
func (s *Store) Option(name string) bool {
	var v bool
	_ = s.WithLock(func(st *GatewayState) error {
		v = st.Options[name]
		return nil
	})
	return v
}

// NodeField returns a copy of one node's value field.
func (s *Store) NodeField(id, field string) ([]string, error) {
	var out []string
	err := s.WithLock(func(st *GatewayState) error {
		ns, ok := st.Nodes[id]
		if !ok {
			return fmt.Errorf("state: unknown node %q", id)
		}
		vals, ok := ns.Values(field)
		if !ok {
			return fmt.Errorf("state: unknown field %q", field)
		}
		out = append([]string(nil), vals...)
		return nil
	})
	return out, err
}
