// Package actions defines the update-action input received from the uplink
// agent and the action-status events reported back to it.
package actions

import (
	"sync/atomic"
	"time"
)

// Action names understood by the executor.
const (
	NameUpdateFirmware = "update_firmware"
	NameUpdateApp      = "update_app"
)

// Action is an update request delivered by the uplink agent.
type Action struct {
	ID          string `json:"action_id"`
	Name        string `json:"name"`
	TargetUnit  string `json:"target_unit,omitempty"`
	PayloadPath string `json:"payload_path"`
}

// State is the terminal or interim condition of an action.
type State string

const (
	InProgress State = "InProgress"
	Completed  State = "Completed"
	Failed     State = "Failed"
)

// StatusStream tags status events so the agent routes them to the action
// status topic.
const StatusStream = "action_status"

// ShadowStream tags device snapshot events.
const ShadowStream = "device_shadow"

// Status is one outward-facing action-status record. Immutable once built.
type Status struct {
	Stream    string   `json:"stream"`
	Sequence  int64    `json:"sequence"`
	Timestamp int64    `json:"timestamp"`
	ActionID  string   `json:"action_id"`
	State     State    `json:"state"`
	Progress  int      `json:"progress"`
	Errors    []string `json:"errors"`
}

var sequence atomic.Int64

func newStatus(actionID string, state State, progress int, errs []string) Status {
	if errs == nil {
		errs = []string{}
	}
	return Status{
		Stream:    StatusStream,
		Sequence:  sequence.Add(1),
		Timestamp: time.Now().UnixMilli(),
		ActionID:  actionID,
		State:     state,
		Progress:  progress,
		Errors:    errs,
	}
}

// NewInProgress builds an interim status at the given progress percentage.
func NewInProgress(actionID string, progress int) Status {
	return newStatus(actionID, InProgress, progress, nil)
}

// NewCompleted builds the terminal success status.
func NewCompleted(actionID string) Status {
	return newStatus(actionID, Completed, 100, nil)
}

// NewFailed builds the terminal failure status carrying the error sequence.
func NewFailed(actionID string, errs ...string) Status {
	return newStatus(actionID, Failed, 100, errs)
}

// Shadow is a device snapshot event sent after connecting to the agent.
type Shadow struct {
	Stream    string `json:"stream"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	State     any    `json:"state"`
}

// NewShadow wraps a snapshot payload as a device-shadow event.
func NewShadow(state any) Shadow {
	return Shadow{
		Stream:    ShadowStream,
		Sequence:  sequence.Add(1),
		Timestamp: time.Now().UnixMilli(),
		State:     state,
	}
}
