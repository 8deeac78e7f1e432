package replica

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/netreef/replica/internal/protocol"
	"github.com/netreef/replica/internal/scene"
	"github.com/netreef/replica/internal/settings"
	"github.com/netreef/replica/internal/transport"
	"go.uber.org/zap"
)

// Mode is the replication operating mode of a scene.
type Mode uint8

const (
	ModeStandalone Mode = iota
	ModeServer
	ModeClient
)

func (m Mode) String() string {
	switch m {
	case ModeStandalone:
		return "standalone"
	case ModeServer:
		return "server"
	case ModeClient:
		return "client"
	default:
		return "unknown"
	}
}

// standaloneState tracks objects added since the last pass so they can be
// lazily initialized in standalone role.
type standaloneState struct {
	pending map[NetworkID]struct{}
}

func newStandaloneState() standaloneState {
	return standaloneState{pending: make(map[NetworkID]struct{})}
}

// clientState accumulates the handshake pieces on an uninitialized client
// connection. Each field is independently optional until its message
// arrives; the replica is constructed exactly once, when all three pieces
// are present and the connection clock is synchronized.
type clientState struct {
	conn           transport.Connection
	ackMagic       *uint32
	serverSettings *settings.Map
	initialClock   *protocol.SceneClock
	replica        *ClientReplica
}

func (c *clientState) readyToInitialize() bool {
	return c.ackMagic != nil && c.serverSettings != nil && c.initialClock != nil
}

// Manager is the scene's replication mode controller. Exactly one of the
// three mode payloads is active: standalone pending set, server replicator,
// or client state. Transitions always tear the previous mode down first.
//
// Single-goroutine use: all methods run on the simulation tick thread, and
// inbound messages are assumed to be marshaled there by the transport.
type Manager struct {
	scene   *scene.Scene
	reg     *Registry
	factory *BehaviorFactory

	mode       Mode
	standalone standaloneState
	server     *ServerReplicator
	client     *clientState

	// serverSettings seeds new ServerReplicators; defaults unless the host
	// installs a profile before StartServer.
	serverSettings *settings.Map

	log *zap.Logger
}

// NewManager wires a manager into the scene's tick and registry lifecycle
// notifications. The manager starts in standalone mode.
func NewManager(reg *Registry, factory *BehaviorFactory, log *zap.Logger) *Manager {
	m := &Manager{
		scene:          reg.Scene(),
		reg:            reg,
		factory:        factory,
		mode:           ModeStandalone,
		standalone:     newStandaloneState(),
		serverSettings: settings.Defaults(),
		log:            log,
	}
	reg.AddListener(m)
	m.scene.AddTickListener(m)
	return m
}

func (m *Manager) Mode() Mode { return m.mode }

func (m *Manager) Registry() *Registry { return m.reg }

// Server returns the live server replicator, or nil outside server mode.
func (m *Manager) Server() *ServerReplicator { return m.server }

// Client returns the live client replica, or nil before the handshake
// completes or outside client mode.
func (m *Manager) Client() *ClientReplica {
	if m.client == nil {
		return nil
	}
	return m.client.replica
}

// SetServerSettings installs the setting table used by subsequently started
// servers.
func (m *Manager) SetServerSettings(s *settings.Map) {
	m.serverSettings = s
}

// OnObjectAdded implements Listener.
func (m *Manager) OnObjectAdded(obj *Object) {
	switch {
	case m.mode == ModeStandalone:
		m.standalone.pending[obj.ID()] = struct{}{}
	case m.server != nil:
		m.server.onObjectAdded(obj)
	}
	// Client mode: objects are created by the replica itself, nothing to do.
}

// OnObjectRemoved implements Listener.
func (m *Manager) OnObjectRemoved(obj *Object) {
	if m.mode == ModeStandalone {
		delete(m.standalone.pending, obj.ID())
	}
}

// Stop tears down the active mode and returns to standalone. Idempotent:
// calling it with no server or client state only resets the pending set.
func (m *Manager) Stop() {
	if m.client != nil {
		m.log.Info("stopped client for scene replication")
		m.client = nil
	}
	if m.server != nil {
		m.log.Info("stopped server for scene replication")
		m.server = nil
	}
	m.standalone = newStandaloneState()
	m.mode = ModeStandalone
}

// StartStandalone switches to standalone mode, re-initializing every
// registered object in standalone role.
func (m *Manager) StartStandalone() {
	m.Stop()
	m.mode = ModeStandalone

	for _, obj := range m.reg.Objects() {
		obj.setRole(RoleStandalone)
		obj.Behavior().InitializeStandalone(obj)
	}

	m.log.Info("started standalone scene replication")
}

// StartServer switches to server mode with a fresh replicator bound to the
// scene.
func (m *Manager) StartServer() {
	m.Stop()
	m.mode = ModeServer
	m.server = NewServerReplicator(m.reg, m.serverSettings.Clone(), m.log)

	m.log.Info("started server for scene replication")
}

// StartClient switches to client mode: any previously replicated objects
// are discarded and the scene waits for the server's handshake.
func (m *Manager) StartClient(conn transport.Connection) {
	m.Stop()
	m.mode = ModeClient
	m.client = &clientState{conn: conn}
	m.reg.RemoveAll()

	m.log.Info("started client for scene replication", zap.String("server", conn.String()))
}

// OnSceneUpdate implements scene.TickListener.
func (m *Manager) OnSceneUpdate(dt time.Duration) {
	m.dispatchSceneUpdate(scene.PhaseUpdate, dt)
}

// OnScenePostUpdate implements scene.TickListener. Regardless of mode, the
// pass finishes by resolving all dirty objects.
func (m *Manager) OnScenePostUpdate(dt time.Duration) {
	m.dispatchSceneUpdate(scene.PhasePostUpdate, dt)
	m.reg.ProcessDirty()
}

func (m *Manager) dispatchSceneUpdate(phase scene.Phase, dt time.Duration) {
	switch m.mode {
	case ModeStandalone:
		if m.server != nil || m.client != nil {
			panic("replica: standalone mode with live server or client state")
		}
		m.initializePendingStandalone()
		m.scene.NotifyNetworkUpdate(phase, dt, dt)

	case ModeServer:
		if m.server == nil {
			panic("replica: server mode without server replicator")
		}
		m.server.ProcessSceneUpdate(phase, dt)

	case ModeClient:
		if m.client == nil {
			panic("replica: client mode without client state")
		}
		// No-op until the handshake completes.
		if m.client.replica != nil {
			m.client.replica.ProcessSceneUpdate(phase, dt)
		}
	}
}

// initializePendingStandalone lazily initializes objects added since the
// last pass.
func (m *Manager) initializePendingStandalone() {
	for id := range m.standalone.pending {
		obj := m.reg.Get(id)
		if obj == nil {
			m.log.Warn("recently added network object vanished", zap.Stringer("id", id))
			continue
		}
		obj.setRole(RoleStandalone)
		obj.Behavior().InitializeStandalone(obj)
	}
	clear(m.standalone.pending)
}

// ProcessMessage routes an inbound message by mode. It reports whether the
// message was recognized so outer routing can try other handlers.
func (m *Manager) ProcessMessage(conn transport.Connection, msgID protocol.MessageID, payload []byte) bool {
	if m.client != nil {
		if m.client.replica == nil {
			return m.processHandshakeMessage(conn, msgID, payload)
		}
		return m.client.replica.ProcessMessage(msgID, payload)
	}

	if m.server != nil {
		return m.server.ProcessMessage(conn, msgID, payload)
	}

	return false
}

// DropConnection reacts to a lost connection: the server forgets its
// per-connection state; a client losing its active connection falls back
// to standalone.
func (m *Manager) DropConnection(conn transport.Connection) {
	if m.server != nil {
		m.server.RemoveConnection(conn)
	} else if m.client != nil && m.client.conn == conn {
		m.StartStandalone()
	}
}

// processHandshakeMessage accumulates handshake state on an uninitialized
// client. Each known message overwrites its field; the replica is
// constructed at most once, when the connection clock is synchronized and
// all pieces are present.
func (m *Manager) processHandshakeMessage(conn transport.Connection, msgID protocol.MessageID, payload []byte) bool {
	switch msgID {
	case protocol.MsgConfigure:
		msg, err := protocol.DecodeConfigure(payload)
		if err != nil {
			m.log.Warn("bad Configure message", zap.Error(err))
			return true
		}
		m.client.ackMagic = &msg.Magic
		m.client.serverSettings = msg.Settings

	case protocol.MsgSceneClock:
		msg, err := protocol.DecodeSceneClock(payload)
		if err != nil {
			m.log.Warn("bad SceneClock message", zap.Error(err))
			return true
		}
		m.client.initialClock = &msg

	default:
		return false
	}

	if conn.IsClockSynchronized() && m.client.readyToInitialize() {
		m.client.replica = NewClientReplica(
			m.reg, conn, *m.client.initialClock, m.client.serverSettings, m.factory, m.log)

		ack := protocol.Synchronized{Magic: *m.client.ackMagic}
		conn.Send(byte(protocol.MsgSynchronized), ack.Encode(), transport.ReliableUnordered)

		m.log.Info("client replica initialized",
			zap.Uint32("frame", m.client.initialClock.Frame),
			zap.Float64("sceneTime", m.client.initialClock.TimeSeconds))
	}

	return true
}

// UpdateFrequency returns the effective replication rate in frames per
// second for the active mode.
func (m *Manager) UpdateFrequency() uint32 {
	switch {
	case m.server != nil:
		return m.server.UpdateFrequency()
	case m.Client() != nil:
		return m.Client().UpdateFrequency()
	default:
		return uint32(settings.Defaults().Get(settings.UpdateFrequency).Int())
	}
}

// Setting returns the named setting of the active mode, or the zero value
// when no replication is running.
func (m *Manager) Setting(name string) settings.Value {
	switch {
	case m.server != nil:
		return m.server.Setting(name)
	case m.Client() != nil:
		return m.Client().Setting(name)
	default:
		return settings.Value{}
	}
}

// TraceDurationSeconds returns the diagnostic trace window of the active
// mode, zero when idle.
func (m *Manager) TraceDurationSeconds() float64 {
	switch {
	case m.server != nil:
		return m.server.Setting(settings.ServerTracingDuration).Float()
	case m.Client() != nil:
		return m.Client().Setting(settings.ClientTracingDuration).Float()
	default:
		return 0
	}
}

// TraceDurationFrames converts the trace window to frames, minimum 1.
func (m *Manager) TraceDurationFrames() uint32 {
	frames := int(math.Ceil(m.TraceDurationSeconds() * float64(m.UpdateFrequency())))
	if frames < 1 {
		frames = 1
	}
	return uint32(frames)
}

// DebugInfo returns a human-readable status line for diagnostics and UI.
func (m *Manager) DebugInfo() string {
	switch {
	case m.Client() != nil:
		return m.Client().DebugInfo()
	case m.client != nil:
		return m.uninitializedClientDebugInfo()
	case m.server != nil:
		return m.server.DebugInfo()
	default:
		return ""
	}
}

// uninitializedClientDebugInfo lists the handshake pieces still pending.
func (m *Manager) uninitializedClientDebugInfo() string {
	var waiting []string
	if m.client.conn != nil && !m.client.conn.IsClockSynchronized() {
		waiting = append(waiting, "system clock")
	}
	if m.client.serverSettings == nil {
		waiting = append(waiting, "settings")
	}
	if m.client.initialClock == nil {
		waiting = append(waiting, "server scene time")
	}
	if len(waiting) == 0 {
		return "Connecting..."
	}
	return fmt.Sprintf("Connecting... Waiting for %s...", strings.Join(waiting, ", "))
}
