package server

import (
	"fmt"
	"log/slog"

	"github.com/craftlink/craftlink/proto"
)

// Router classifies inbound envelopes and dispatches them through the
// registry. All routing is fire-and-forget: malformed input is dropped,
// delivery failures are logged and swallowed, nothing here panics or
// escalates.
type Router struct {
	registry *Registry
}

func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Route validates, sanitizes and dispatches one envelope arriving from the
// connection identified by originID. Malformed envelopes are a terminal
// no-op on this path; the HTTP adapter rejects them before routing instead.
func (rt *Router) Route(env *proto.Envelope, originID string) {
	if err := env.Validate(); err != nil {
		slog.Warn("Dropping malformed envelope", "origin", originID, "error", err.Error())
		return
	}
	env.Sanitize()

	switch env.Kind {
	case proto.KindChat:
		n := rt.registry.Broadcast(RoleViewer, env)
		slog.Debug("Chat broadcast", "source", env.Source, "priority", env.Priority, "viewers", n)

	case proto.KindCommand:
		rt.routeCommand(env, originID)

	case proto.KindAPIRegistration:
		rt.routeRegistration(env, originID)

	case proto.KindStatusUpdate:
		n := rt.registry.Broadcast(RoleViewer, env)
		if n > 0 {
			slog.Debug("Status broadcast", "computer", env.ComputerName, "viewers", n)
		}

	case proto.KindCommandResponse:
		// Viewers self-filter by originalCommandId; the hub keeps no
		// pending-command state.
		n := rt.registry.Broadcast(RoleViewer, env)
		slog.Debug("Command response broadcast", "originalCommandId", env.OriginalCommandID, "viewers", n)

	default:
		slog.Warn("Dropping envelope of unknown kind", "kind", env.Kind, "origin", originID)
	}
}

func (rt *Router) routeCommand(env *proto.Envelope, originID string) {
	target, ok := rt.registry.FindDeviceByName(env.TargetComputer)
	if !ok {
		slog.Warn("Command target not connected", "target", env.TargetComputer, "function", env.FunctionName)
		resp := proto.NewCommandResponse(env.ID, false,
			fmt.Sprintf("Computer %q is not connected", env.TargetComputer))
		rt.registry.SendTo(originID, resp)
		return
	}

	// Forward the original envelope verbatim.
	if !rt.registry.SendTo(target.ID, env) {
		slog.Warn("Command delivery failed", "target", env.TargetComputer, "function", env.FunctionName)
		resp := proto.NewCommandResponse(env.ID, false,
			fmt.Sprintf("Failed to deliver command to %q", env.TargetComputer))
		rt.registry.SendTo(originID, resp)
		return
	}
	slog.Debug("Command forwarded", "target", env.TargetComputer, "function", env.FunctionName)
}

func (rt *Router) routeRegistration(env *proto.Envelope, originID string) {
	role := RoleDevice
	rt.registry.Update(originID, RecordUpdate{
		Role:         &role,
		ComputerName: &env.ComputerName,
		ComputerType: &env.ComputerType,
		Functions:    env.Functions,
	})
	slog.Info("Computer registered",
		"computer", env.ComputerName,
		"type", env.ComputerType,
		"functions", len(env.Functions),
	)

	rt.registry.Broadcast(RoleViewer, env)

	welcome := proto.NewChat(
		fmt.Sprintf("Registered %s with %d functions", env.ComputerName, len(env.Functions)),
		proto.PriorityMedium,
	)
	rt.registry.SendTo(originID, welcome)
}

// Announce pushes a hub-originated chat envelope to every viewer. Used by
// the host process for startup and shutdown notices.
func (rt *Router) Announce(content string, priority proto.Priority) {
	rt.registry.Broadcast(RoleViewer, proto.NewChat(content, priority))
}

// ComputerFunction is the trimmed function view in a computer summary:
// parameter specs are omitted.
type ComputerFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

// ComputerInfo summarizes one registered device.
type ComputerInfo struct {
	Name      string             `json:"name"`
	Type      proto.ComputerType `json:"type"`
	Functions []ComputerFunction `json:"functions"`
	Alive     bool               `json:"alive"`
}

// ComputerSummary reports every device-role connection in registry order.
func (rt *Router) ComputerSummary() []ComputerInfo {
	devices := rt.registry.ListByRole(RoleDevice)
	out := make([]ComputerInfo, 0, len(devices))
	for _, rec := range devices {
		funcs := make([]ComputerFunction, 0, len(rec.Functions))
		for _, f := range rec.Functions {
			funcs = append(funcs, ComputerFunction{
				Name:        f.Name,
				Description: f.Description,
				Category:    f.Category,
			})
		}
		out = append(out, ComputerInfo{
			Name:      rec.ComputerName,
			Type:      rec.ComputerType,
			Functions: funcs,
			Alive:     rt.registry.IsAlive(rec.ID),
		})
	}
	return out
}
