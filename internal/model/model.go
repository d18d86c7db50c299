// Package model defines the values exchanged between the gateway's workers:
// configured peripherals, outbound commands and inbound readings.
package model

import (
	"fmt"
	"time"
)

// Kind identifies a field node's protocol.
type Kind string

const (
	// KindSensor is a battery-powered node reporting temperature, humidity,
	// heat index and light level, and sleeping between connections. Its sleep
	// time can be set through a writable characteristic.
	KindSensor Kind = "sensor"
	// KindActuator is an always-awake node with a single writable LED value.
	KindActuator Kind = "actuator"
)

// Valid reports whether k is a supported node kind.
func (k Kind) Valid() bool {
	return k == KindSensor || k == KindActuator
}

// Peripheral is a statically configured field node.
type Peripheral struct {
	Address string
	ID      string
	Kind    Kind
	Key     []byte // 16-byte AES key shared with the node
}

// Sensor node output layout. LightIndex is the output read by the automatic
// light control rule.
const (
	TemperatureIndex = iota
	HumidityIndex
	HeatIndexIndex
	LightIndex
)

// Field names used in GatewayState JSON and user updates.
const (
	FieldOutputValues = "output-values"
	FieldInputValues  = "input-values"
)

// Command asks the link engine to write Value to input Index of node NodeID.
type Command struct {
	NodeID string
	Index  int
	Value  string
}

func (c Command) String() string {
	return fmt.Sprintf("[%s %d %s]", c.NodeID, c.Index, c.Value)
}

// ReadingKind tags a Reading.
type ReadingKind int

const (
	// ReadingOutput carries a node's full set of output values.
	ReadingOutput ReadingKind = iota
	// ReadingInputAck confirms a write by echoing back the stored input value.
	ReadingInputAck
)

func (k ReadingKind) String() string {
	switch k {
	case ReadingOutput:
		return "output"
	case ReadingInputAck:
		return "input_ack"
	default:
		return fmt.Sprintf("ReadingKind(%d)", int(k))
	}
}

// Reading is data received from a field node.
type Reading struct {
	Kind   ReadingKind
	NodeID string
	Time   time.Time
	Index  int      // input index, ReadingInputAck only
	Values []string // decoded fields; one value for an ack
}

// NewOutputReading returns a ReadingOutput for node id.
func NewOutputReading(id string, at time.Time, values []string) Reading {
	return Reading{Kind: ReadingOutput, NodeID: id, Time: at, Values: values}
}

// NewInputAck returns a ReadingInputAck for input index of node id.
func NewInputAck(id string, at time.Time, index int, value string) Reading {
	return Reading{Kind: ReadingInputAck, NodeID: id, Time: at, Index: index, Values: []string{value}}
}

// Field returns the NodeState field the reading updates.
func (r Reading) Field() string {
	if r.Kind == ReadingInputAck {
		return FieldInputValues
	}
	return FieldOutputValues
}
