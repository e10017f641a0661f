////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package connection owns the live transport of a session: it authenticates,
// reconnects with backoff after transient failures, decodes inbound frames
// into bus events and handles the server's forced logout.
package connection

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/elixxir/chatsync/bus"
	"gitlab.com/elixxir/chatsync/stoppable"
)

// Error messages.
var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyRunning = errors.New("connection manager is already running")
)

// State is the connection state of the manager.
//
// Disconnected -> Connecting -> Connected -> Disconnected cycles while the
// manager reconnects. AuthRejected is terminal and only entered from
// Connecting.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	AuthRejected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case AuthRejected:
		return "auth-rejected"
	default:
		return "INVALID STATE: " + strconv.Itoa(int(s))
	}
}

// StateCallback is called on every state transition with the cause of the
// transition, if any.
type StateCallback func(s State, err error)

// ForceLogoutHandler is called when the server supersedes the session.
type ForceLogoutHandler func(reason string)

// Manager owns a single transport connection. One Manager is created per
// session and is passed to the components that emit events.
type Manager struct {
	params    Params
	transport Transport

	// deliver receives every decoded inbound event and the lifecycle events.
	deliver func(e bus.Event)

	state  State
	conn   Conn
	stop   *stoppable.Single
	cancel context.CancelFunc

	callbacks  map[uint64]StateCallback
	callbackID uint64
	logouts    []ForceLogoutHandler

	mux sync.Mutex
}

// NewManager returns a disconnected Manager. Inbound events are passed to
// deliver from the manager's goroutine.
func NewManager(p Params, t Transport, deliver func(e bus.Event)) *Manager {
	return &Manager{
		params:    p,
		transport: t,
		deliver:   deliver,
		state:     Disconnected,
		callbacks: make(map[uint64]StateCallback),
	}
}

// AddStateCallback registers a function called on every state transition and
// returns its ID.
func (m *Manager) AddStateCallback(cb StateCallback) uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	id := m.callbackID
	m.callbacks[id] = cb
	m.callbackID++
	return id
}

// RemoveStateCallback removes the callback with the given ID.
func (m *Manager) RemoveStateCallback(id uint64) {
	m.mux.Lock()
	delete(m.callbacks, id)
	m.mux.Unlock()
}

// OnForceLogout registers a handler for the server's forced logout. Handlers
// run on the manager's goroutine and must not call Disconnect.
func (m *Manager) OnForceLogout(h ForceLogoutHandler) {
	m.mux.Lock()
	m.logouts = append(m.logouts, h)
	m.mux.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.state
}

// IsConnected returns true if a connection is established.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Connect starts connecting with the token and returns immediately. The
// outcome is reported through state callbacks and lifecycle events.
func (m *Manager) Connect(token string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.stop != nil && !m.stop.IsStopped() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.stop = stoppable.NewSingle("connection")
	m.cancel = cancel
	go m.run(ctx, token, m.stop)
	return nil
}

// Disconnect tears the connection down and cancels any reconnection. It
// returns once the manager's goroutine has exited.
func (m *Manager) Disconnect() error {
	m.mux.Lock()
	stop, cancel := m.stop, m.cancel
	m.mux.Unlock()

	if stop == nil {
		return nil
	}
	if stop.IsRunning() {
		_ = stop.Close()
	}
	cancel()

	// Read the connection only after quitting so run cannot store a new one
	// unseen
	m.mux.Lock()
	conn := m.conn
	m.mux.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return stoppable.WaitForStopped(stop, m.params.HandshakeTimeout+time.Second)
}

// Emit sends an outbound event. It fails with ErrNotConnected when there is
// no live connection; nothing is queued.
func (m *Manager) Emit(name string, payload interface{}) error {
	m.mux.Lock()
	conn := m.conn
	m.mux.Unlock()

	if conn == nil {
		return errors.WithMessagef(ErrNotConnected, "cannot emit %s", name)
	}
	frame, err := bus.EncodeFrame(name, payload)
	if err != nil {
		return err
	}
	if err = conn.WriteFrame(frame); err != nil {
		return errors.Wrapf(err, "failed to emit %s", name)
	}
	jww.TRACE.Printf("[CONN] Emitted %s", name)
	return nil
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.params.RetryDelay
	b.Multiplier = m.params.RetryMultiplier
	b.MaxInterval = m.params.MaxRetryDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, m.params.MaxRetries)
}

// run connects and reconnects until stopped, rejected, superseded, or out of
// retries.
func (m *Manager) run(ctx context.Context, token string, stop *stoppable.Single) {
	defer func() {
		// The manager may end on its own, without Disconnect
		if stop.IsRunning() {
			_ = stop.Close()
		}
		stop.ToStopped()
	}()
	b := m.newBackOff()

	for {
		m.setState(Connecting, nil)

		if err := CheckToken(token, netTime.Now()); err != nil {
			m.reject(err)
			return
		}

		conn, err := m.transport.Dial(ctx, token)
		if err != nil {
			if quitting(stop) {
				m.setState(Disconnected, nil)
				return
			}
			if errors.Is(err, ErrAuthRejected) {
				m.reject(err)
				return
			}
			jww.WARN.Printf("[CONN] Failed to connect: %+v", err)
			m.setState(Disconnected, err)
			if !m.wait(b, stop, err) {
				return
			}
			continue
		}

		b.Reset()
		m.mux.Lock()
		if quitting(stop) {
			m.mux.Unlock()
			_ = conn.Close()
			m.setState(Disconnected, nil)
			return
		}
		m.conn = conn
		m.mux.Unlock()
		jww.INFO.Printf("[CONN] Connected")
		m.setState(Connected, nil)
		m.deliver(bus.Lifecycle{State: bus.Connected})

		loggedOut, readErr := m.read(conn)

		m.mux.Lock()
		m.conn = nil
		m.mux.Unlock()
		_ = conn.Close()

		if loggedOut || quitting(stop) {
			m.setState(Disconnected, nil)
			return
		}

		jww.WARN.Printf("[CONN] Connection lost: %+v", readErr)
		m.setState(Disconnected, readErr)
		m.deliver(bus.Lifecycle{State: bus.Disconnected, Err: readErr})
		if !m.wait(b, stop, readErr) {
			return
		}
	}
}

// read delivers inbound frames until the connection fails or the server
// forces a logout.
func (m *Manager) read(conn Conn) (bool, error) {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return false, err
		}

		e, err := bus.DecodeFrame(raw)
		if err != nil {
			jww.WARN.Printf("[CONN] Dropping inbound frame: %+v", err)
			continue
		}

		if fl, ok := e.(bus.ForceLogout); ok {
			m.forceLogout(fl.Reason)
			return true, nil
		}
		jww.TRACE.Printf("[CONN] Received %s", e.Kind())
		m.deliver(e)
	}
}

// forceLogout cancels any reconnection, closes the transport and runs the
// logout handlers.
func (m *Manager) forceLogout(reason string) {
	jww.WARN.Printf("[CONN] Session superseded by the server: %s", reason)

	m.mux.Lock()
	if m.stop.IsRunning() {
		_ = m.stop.Close()
	}
	m.cancel()
	conn := m.conn
	m.conn = nil
	handlers := make([]ForceLogoutHandler, len(m.logouts))
	copy(handlers, m.logouts)
	m.mux.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.setState(Disconnected, nil)
	for _, h := range handlers {
		h(reason)
	}
}

// wait sleeps for the next backoff interval. Returns false if the manager
// should stop, either because it was asked to or because the retries ran out.
func (m *Manager) wait(b backoff.BackOff, stop *stoppable.Single, cause error) bool {
	next := b.NextBackOff()
	if next == backoff.Stop {
		jww.ERROR.Printf("[CONN] Giving up after %d reconnection attempts",
			m.params.MaxRetries)
		m.deliver(bus.Lifecycle{State: bus.ReconnectFailed, Err: cause})
		return false
	}

	jww.DEBUG.Printf("[CONN] Reconnecting in %s", next)
	select {
	case <-stop.Quit():
		return false
	case <-time.After(next):
		return true
	}
}

func (m *Manager) reject(err error) {
	jww.ERROR.Printf("[CONN] Authentication rejected: %+v", err)
	m.setState(AuthRejected, err)
	m.deliver(bus.Lifecycle{State: bus.AuthRejected, Err: err})
}

func (m *Manager) setState(s State, err error) {
	m.mux.Lock()
	if m.state == s {
		m.mux.Unlock()
		return
	}
	jww.DEBUG.Printf("[CONN] %s -> %s", m.state, s)
	m.state = s
	callbacks := make([]StateCallback, 0, len(m.callbacks))
	for id := uint64(0); id < m.callbackID; id++ {
		if cb, exists := m.callbacks[id]; exists {
			callbacks = append(callbacks, cb)
		}
	}
	m.mux.Unlock()

	for _, cb := range callbacks {
		cb(s, err)
	}
}

func quitting(stop *stoppable.Single) bool {
	select {
	case <-stop.Quit():
		return true
	default:
		return false
	}
}
