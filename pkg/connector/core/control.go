package core

import (
	"context"
	"time"
)

// ControlKind discriminates control messages
type ControlKind uint8

const (
	// ControlShutdown asks the node to drain and stop
	ControlShutdown ControlKind = iota + 1
	// ControlConfigReload carries a new plugin config
	ControlConfigReload
	// ControlTimerTick is a periodic timer firing
	ControlTimerTick
	// ControlAck resolves a pending delivery successfully
	ControlAck
	// ControlNack resolves a pending delivery with an error
	ControlNack
	// ControlDeferred runs runtime work on the node's task
	ControlDeferred
)

func (k ControlKind) String() string {
	switch k {
	case ControlShutdown:
		return "shutdown"
	case ControlConfigReload:
		return "config_reload"
	case ControlTimerTick:
		return "timer_tick"
	case ControlAck:
		return "ack"
	case ControlNack:
		return "nack"
	case ControlDeferred:
		return "deferred"
	}
	return "unknown"
}

// ControlMsg is delivered on a node's control side channel. Plugins
// implementing ControlHandler see ConfigReload and TimerTick messages; the
// runtime consumes the rest.
type ControlMsg struct {
	Kind ControlKind

	// Deadline bounds draining (Shutdown)
	Deadline time.Time
	// Config is the new plugin config (ConfigReload)
	Config RawConfig
	// Timer identifies the firing timer (TimerTick)
	Timer TimerID

	// Token is the pending entry being resolved (Ack, Nack)
	Token uint64
	// Err is the Nack reason
	Err error

	// Run is executed on the node's task (Deferred)
	Run func(ctx context.Context)
}

// ShutdownMsg builds a shutdown request
func ShutdownMsg(deadline time.Time) ControlMsg {
	return ControlMsg{Kind: ControlShutdown, Deadline: deadline}
}

// ReloadMsg builds a config reload request
func ReloadMsg(cfg RawConfig) ControlMsg {
	return ControlMsg{Kind: ControlConfigReload, Config: cfg}
}
