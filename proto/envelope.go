package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the envelope variants on the wire.
type Kind string

const (
	KindChat            Kind = "chat"
	KindCommand         Kind = "command"
	KindAPIRegistration Kind = "api_registration"
	KindStatusUpdate    Kind = "status_update"
	KindCommandResponse Kind = "command_response"
)

// Priority tags chat envelopes.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ComputerType classifies a registering device.
type ComputerType string

const (
	TypeComputer ComputerType = "computer"
	TypeTurtle   ComputerType = "turtle"
	TypePocket   ComputerType = "pocket"
)

// SourceServer is the source string on hub-originated envelopes.
const SourceServer = "server"

// SourceViewer is the source string dashboards use on their envelopes.
const SourceViewer = "viewer"

// Envelope is the single message unit exchanged between the hub and every
// client. It is a flat JSON object: the four base fields are always present,
// the rest depend on Kind (see Validate).
type Envelope struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	Kind      Kind   `json:"kind"`
	Source    string `json:"source"` // device name, "viewer" or "server"

	// chat
	Content  string   `json:"content,omitempty"`
	Priority Priority `json:"priority,omitempty"`
	Category string   `json:"category,omitempty"`

	// command
	TargetComputer string         `json:"targetComputer,omitempty"`
	FunctionName   string         `json:"functionName,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`

	// api_registration / status_update
	ComputerName string         `json:"computerName,omitempty"`
	ComputerType ComputerType   `json:"computerType,omitempty"`
	Functions    []FunctionSpec `json:"functions,omitempty"`
	Status       map[string]any `json:"status,omitempty"`

	// command_response
	OriginalCommandID string `json:"originalCommandId,omitempty"`
	Success           *bool  `json:"success,omitempty"`
	Result            any    `json:"result,omitempty"`
	Error             string `json:"error,omitempty"`
}

var validPriorities = map[Priority]bool{
	PriorityLow:      true,
	PriorityMedium:   true,
	PriorityHigh:     true,
	PriorityCritical: true,
}

var validComputerTypes = map[ComputerType]bool{
	TypeComputer: true,
	TypeTurtle:   true,
	TypePocket:   true,
}

// Decode parses a raw frame into an Envelope. Type mismatches fail closed:
// a frame whose fields do not unmarshal into their declared types is
// rejected, never repaired. The result is validated before it is returned.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the four base fields plus the Kind-specific required
// fields. Client-originated envelopes must already carry id and timestamp.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope missing id")
	}
	if e.Timestamp == 0 {
		return fmt.Errorf("envelope missing timestamp")
	}
	if e.Kind == "" {
		return fmt.Errorf("envelope missing kind")
	}
	if e.Source == "" {
		return fmt.Errorf("envelope missing source")
	}

	switch e.Kind {
	case KindChat:
		if e.Content == "" {
			return fmt.Errorf("chat envelope missing content")
		}
		if !validPriorities[e.Priority] {
			return fmt.Errorf("chat envelope has invalid priority %q", e.Priority)
		}
	case KindCommand:
		if e.TargetComputer == "" {
			return fmt.Errorf("command envelope missing targetComputer")
		}
		if e.FunctionName == "" {
			return fmt.Errorf("command envelope missing functionName")
		}
		if e.Parameters == nil {
			return fmt.Errorf("command envelope missing parameters")
		}
	case KindAPIRegistration:
		if e.ComputerName == "" {
			return fmt.Errorf("registration envelope missing computerName")
		}
		if !validComputerTypes[e.ComputerType] {
			return fmt.Errorf("registration envelope has invalid computerType %q", e.ComputerType)
		}
		if e.Functions == nil {
			return fmt.Errorf("registration envelope missing functions")
		}
		if e.Status == nil {
			return fmt.Errorf("registration envelope missing status")
		}
		for i := range e.Functions {
			if err := e.Functions[i].Validate(); err != nil {
				return fmt.Errorf("registration function %d: %w", i, err)
			}
		}
	case KindStatusUpdate:
		if e.ComputerName == "" {
			return fmt.Errorf("status envelope missing computerName")
		}
		if e.Status == nil {
			return fmt.Errorf("status envelope missing status")
		}
		if _, ok := e.Status["isActive"].(bool); !ok {
			return fmt.Errorf("status envelope missing boolean status.isActive")
		}
	case KindCommandResponse:
		if e.OriginalCommandID == "" {
			return fmt.Errorf("response envelope missing originalCommandId")
		}
		if e.Success == nil {
			return fmt.Errorf("response envelope missing success")
		}
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil
}

// Sanitize strips angle brackets from chat content so device-supplied text
// cannot smuggle markup into dashboards. The only mutation the model makes.
func (e *Envelope) Sanitize() {
	if e.Kind == KindChat {
		e.Content = strings.ReplaceAll(e.Content, "<", "")
		e.Content = strings.ReplaceAll(e.Content, ">", "")
	}
}

// Fill assigns an id and timestamp when absent. Only the hub itself may
// auto-fill these; client envelopes missing them are rejected by Validate.
func (e *Envelope) Fill() *Envelope {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return e
}

// NewChat builds a hub-originated chat envelope.
func NewChat(content string, priority Priority) *Envelope {
	env := &Envelope{
		Kind:     KindChat,
		Source:   SourceServer,
		Content:  content,
		Priority: priority,
	}
	return env.Fill()
}

// NewCommandResponse builds a hub-originated reply to a command envelope.
func NewCommandResponse(originalID string, success bool, errMsg string) *Envelope {
	env := &Envelope{
		Kind:              KindCommandResponse,
		Source:            SourceServer,
		OriginalCommandID: originalID,
		Success:           &success,
		Error:             errMsg,
	}
	return env.Fill()
}

// NewCommand builds a hub-originated command envelope (HTTP operator path).
func NewCommand(target, function string, params map[string]any) *Envelope {
	if params == nil {
		params = map[string]any{}
	}
	env := &Envelope{
		Kind:           KindCommand,
		Source:         SourceServer,
		TargetComputer: target,
		FunctionName:   function,
		Parameters:     params,
	}
	return env.Fill()
}
