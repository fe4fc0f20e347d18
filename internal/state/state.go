// Package state holds the controller state shared by the device link and
// the operator command surface.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shaunagostinho/fanbridge/internal/frame"
)

// Mode is the fan operating mode. Auto and Manual are mutually exclusive
// by construction.
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is Auto or Manual.
func (m Mode) Valid() bool { return m == ModeAuto || m == ModeManual }

// ParseMode accepts "auto"/"manual" (any case) and the wire bytes "A"/"M".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "a":
		return ModeAuto, nil
	case "manual", "m":
		return ModeManual, nil
	}
	return 0, fmt.Errorf("state: unknown mode %q", s)
}

func (m Mode) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Connection is the device link lifecycle state.
type Connection int

const (
	Idle Connection = iota
	SearchingPort
	PortNotFound
	Connected
	Disconnected
)

var connectionNames = [...]string{
	Idle:          "idle",
	SearchingPort: "searching_port",
	PortNotFound:  "port_not_found",
	Connected:     "connected",
	Disconnected:  "disconnected",
}

func (c Connection) String() string {
	if c >= 0 && int(c) < len(connectionNames) {
		return connectionNames[c]
	}
	return fmt.Sprintf("connection(%d)", int(c))
}

func (c Connection) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *Connection) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for i, name := range connectionNames {
		if name == s {
			*c = Connection(i)
			return nil
		}
	}
	return fmt.Errorf("state: unknown connection %q", s)
}

// ErrInvalidTransition is returned by Transition for moves outside the
// connection lifecycle.
var ErrInvalidTransition = errors.New("state: invalid connection transition")

// transitions lists every permitted connection move. PortNotFound and
// Disconnected only leave through an explicit restart.
var transitions = map[Connection][]Connection{
	Idle:          {SearchingPort},
	SearchingPort: {Connected, PortNotFound},
	Connected:     {Disconnected},
	PortNotFound:  {SearchingPort},
	Disconnected:  {SearchingPort},
}

// CanTransition reports whether from -> to is part of the lifecycle.
func CanTransition(from, to Connection) bool {
	for _, c := range transitions[from] {
		if c == to {
			return true
		}
	}
	return false
}

const (
	DefaultActivationTemp = 25
	DefaultStartFanSpeed  = 50

	MaxFanSpeed = 99
)

// FanSpeedPresets are the fan speed shortcuts offered to operators.
var FanSpeedPresets = []int{0, 30, 50, 70, 90, 99}

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	Mode           Mode       `json:"mode"`
	Connection     Connection `json:"connection"`
	PeopleCount    int        `json:"peopleCount"`
	Temperature    int        `json:"temperature"`
	FanSpeed       int        `json:"fanSpeed"`
	ActivationTemp int        `json:"activationTemp"`
	StartFanSpeed  int        `json:"startFanSpeed"`
}

// Connected reports whether the device link is open.
func (s Snapshot) Connected() bool { return s.Connection == Connected }

// Controller is the canonical state store. The zero value is not usable;
// create one with New.
type Controller struct {
	mu   sync.Mutex
	s    Snapshot
	subs []subscription

	// Changes waiting for delivery, in mutation order. Only one goroutine
	// drains the queue at a time.
	pending     []Change
	dispatching bool
}

// New returns a Controller with the default thresholds, Auto mode and an
// Idle link.
func New() *Controller {
	return &Controller{
		s: Snapshot{
			Mode:           ModeAuto,
			Connection:     Idle,
			ActivationTemp: DefaultActivationTemp,
			StartFanSpeed:  DefaultStartFanSpeed,
		},
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.Mode
}

func (c *Controller) Connection() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.Connection
}

func (c *Controller) PeopleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.PeopleCount
}

func (c *Controller) Temperature() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.Temperature
}

func (c *Controller) FanSpeed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.FanSpeed
}

func (c *Controller) ActivationTemp() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.ActivationTemp
}

func (c *Controller) StartFanSpeed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.StartFanSpeed
}

// SetMode switches between Auto and Manual. Unknown values are rejected.
func (c *Controller) SetMode(m Mode) bool {
	if !m.Valid() {
		return false
	}
	c.update(func(s *Snapshot) Fields {
		if s.Mode == m {
			return 0
		}
		s.Mode = m
		return FieldMode
	})
	return true
}

// SetFanSpeed sets the fan speed locally. Accepted range is 0-99.
func (c *Controller) SetFanSpeed(v int) bool {
	if v < 0 || v > MaxFanSpeed {
		return false
	}
	c.update(func(s *Snapshot) Fields {
		if s.FanSpeed == v {
			return 0
		}
		s.FanSpeed = v
		return FieldFanSpeed
	})
	return true
}

// SetActivationTemp sets the auto-mode activation threshold. The threshold
// is not bounded.
func (c *Controller) SetActivationTemp(v int) bool {
	c.update(func(s *Snapshot) Fields {
		if s.ActivationTemp == v {
			return 0
		}
		s.ActivationTemp = v
		return FieldActivationTemp
	})
	return true
}

// StepActivationTemp adds delta to the activation threshold.
func (c *Controller) StepActivationTemp(delta int) bool {
	c.update(func(s *Snapshot) Fields {
		if delta == 0 {
			return 0
		}
		s.ActivationTemp += delta
		return FieldActivationTemp
	})
	return true
}

func validStartFanSpeed(v int) bool { return v > 0 && v < 100 }

// SetStartFanSpeed sets the speed the fan starts at in auto mode. Values
// outside 1-99 are rejected and leave the state untouched.
func (c *Controller) SetStartFanSpeed(v int) bool {
	if !validStartFanSpeed(v) {
		return false
	}
	c.update(func(s *Snapshot) Fields {
		if s.StartFanSpeed == v {
			return 0
		}
		s.StartFanSpeed = v
		return FieldStartFanSpeed
	})
	return true
}

// StepStartFanSpeed adds delta to the start fan speed, with the same
// range rule as SetStartFanSpeed. The read and write happen under one lock
// so concurrent steps are not lost.
func (c *Controller) StepStartFanSpeed(delta int) bool {
	accepted := false
	c.update(func(s *Snapshot) Fields {
		v := s.StartFanSpeed + delta
		if !validStartFanSpeed(v) {
			return 0
		}
		accepted = true
		if v == s.StartFanSpeed {
			return 0
		}
		s.StartFanSpeed = v
		return FieldStartFanSpeed
	})
	return accepted
}

// ApplyTelemetry writes one decoded frame. All decoded fields change in a
// single critical section and produce a single notification. The optional
// fields are applied only when the frame carried them.
func (c *Controller) ApplyTelemetry(f frame.Fields) {
	c.update(func(s *Snapshot) Fields {
		var changed Fields
		if s.PeopleCount != f.PeopleCount {
			s.PeopleCount = f.PeopleCount
			changed |= FieldPeopleCount
		}
		if s.Temperature != f.Temperature {
			s.Temperature = f.Temperature
			changed |= FieldTemperature
		}
		if s.FanSpeed != f.FanSpeed {
			s.FanSpeed = f.FanSpeed
			changed |= FieldFanSpeed
		}
		if !f.Complete {
			return changed
		}
		if m := modeFromWire(f.Mode); m != s.Mode {
			s.Mode = m
			changed |= FieldMode
		}
		if s.ActivationTemp != f.ActivationTemp {
			s.ActivationTemp = f.ActivationTemp
			changed |= FieldActivationTemp
		}
		if validStartFanSpeed(f.StartFanSpeed) && s.StartFanSpeed != f.StartFanSpeed {
			s.StartFanSpeed = f.StartFanSpeed
			changed |= FieldStartFanSpeed
		}
		return changed
	})
}

func modeFromWire(b byte) Mode {
	if b == frame.ModeManual {
		return ModeManual
	}
	return ModeAuto
}

// Transition moves the connection state along the lifecycle. It is
// intended for the device link only; operator commands never call it.
func (c *Controller) Transition(to Connection) error {
	var err error
	c.update(func(s *Snapshot) Fields {
		if !CanTransition(s.Connection, to) {
			err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Connection, to)
			return 0
		}
		s.Connection = to
		return FieldConnection
	})
	return err
}

// update runs fn under the lock and queues a change if fn reports one.
// Listeners run after the lock is released and see changes in the order
// they were made: if another goroutine is already delivering, it delivers
// this change too and update returns without waiting.
func (c *Controller) update(fn func(s *Snapshot) Fields) {
	c.mu.Lock()
	changed := fn(&c.s)
	if changed == 0 {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, Change{Fields: changed, State: c.s})
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	c.mu.Unlock()

	c.dispatch()
}

func (c *Controller) dispatch() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.dispatching = false
			c.mu.Unlock()
			return
		}
		ev := c.pending[0]
		c.pending[0] = Change{}
		c.pending = c.pending[1:]
		subs := make([]subscription, len(c.subs))
		copy(subs, c.subs)
		c.mu.Unlock()

		for _, sub := range subs {
			sub.fn(ev)
		}
	}
}

// Fields is a bit set naming the state fields touched by a change.
type Fields uint16

const (
	FieldMode Fields = 1 << iota
	FieldConnection
	FieldPeopleCount
	FieldTemperature
	FieldFanSpeed
	FieldActivationTemp
	FieldStartFanSpeed
)

// FieldTelemetry covers the fields a partial frame can update.
const FieldTelemetry = FieldPeopleCount | FieldTemperature | FieldFanSpeed

// Has reports whether any of the given fields are set.
func (f Fields) Has(other Fields) bool { return f&other != 0 }

var fieldNames = []struct {
	f    Fields
	name string
}{
	{FieldMode, "mode"},
	{FieldConnection, "connection"},
	{FieldPeopleCount, "peopleCount"},
	{FieldTemperature, "temperature"},
	{FieldFanSpeed, "fanSpeed"},
	{FieldActivationTemp, "activationTemp"},
	{FieldStartFanSpeed, "startFanSpeed"},
}

// Names lists the set fields using their JSON names.
func (f Fields) Names() []string {
	var out []string
	for _, fn := range fieldNames {
		if f&fn.f != 0 {
			out = append(out, fn.name)
		}
	}
	return out
}

// Change is delivered to listeners after every state mutation.
type Change struct {
	Fields Fields
	State  Snapshot
}

// Listener receives changes in mutation order, with the state lock
// released. It usually runs on the goroutine that made the change; when
// changes race, one goroutine delivers them all. A slow listener delays
// that goroutine and holds back later changes.
type Listener func(Change)

// Handle identifies a subscription.
type Handle uuid.UUID

func (h Handle) String() string { return uuid.UUID(h).String() }

type subscription struct {
	id Handle
	fn Listener
}

// Subscribe registers fn. Listeners are invoked in registration order.
func (c *Controller) Subscribe(fn Listener) Handle {
	h := Handle(uuid.New())
	c.mu.Lock()
	c.subs = append(c.subs, subscription{id: h, fn: fn})
	c.mu.Unlock()
	return h
}

// Unsubscribe removes the listener registered under h. It reports whether
// the handle was found.
func (c *Controller) Unsubscribe(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub.id == h {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return true
		}
	}
	return false
}
