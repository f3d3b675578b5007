package server

import (
	"time"

	"github.com/craftlink/craftlink/proto"
	"github.com/google/uuid"
)

// Role classifies a connection. Every connection starts as a viewer and is
// promoted to device the first time it sends an api_registration envelope.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleDevice Role = "device"
)

// Conn is the transport handle behind a registry record. The registry is its
// sole owner and the only component that closes it.
type Conn interface {
	Send(*proto.Envelope) error
	Ping() error
	Close() error
	IsOpen() bool
}

// Record is the registry's bookkeeping for one live connection. It is owned
// exclusively by the Registry; other components read copies via Get/List.
type Record struct {
	ID   string
	Conn Conn
	Role Role

	// Set on promotion to device, zero before.
	ComputerName string
	ComputerType proto.ComputerType
	Functions    []proto.FunctionSpec

	ConnectedAt time.Time
	LastPing    time.Time
}

// RecordUpdate carries the fields Update merges into a record. Nil pointer
// fields are left untouched.
type RecordUpdate struct {
	Role         *Role
	ComputerName *string
	ComputerType *proto.ComputerType
	Functions    []proto.FunctionSpec
	LastPing     *time.Time
}

func generateConnID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
