// Package metrics exposes controller state and link health as Prometheus
// metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/fanbridge/internal/frame"
	"github.com/shaunagostinho/fanbridge/internal/state"
)

const namespace = "fanbridge"

var connections = []state.Connection{
	state.Idle, state.SearchingPort, state.PortNotFound, state.Connected, state.Disconnected,
}

// Metrics holds the gauges and counters. It implements link.FrameObserver
// and is fed state changes through Observe.
type Metrics struct {
	reg *prometheus.Registry

	peopleCount    prometheus.Gauge
	temperature    prometheus.Gauge
	fanSpeed       prometheus.Gauge
	activationTemp prometheus.Gauge
	startFanSpeed  prometheus.Gauge
	autoMode       prometheus.Gauge
	connection     *prometheus.GaugeVec

	framesDecoded  prometheus.Counter
	framesRejected prometheus.Counter
}

// New creates the metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		peopleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "people_count", Help: "People counted by the device.",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "temperature_celsius", Help: "Temperature reported by the device (°C).",
		}),
		fanSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fan_speed_percent", Help: "Current fan speed (%).",
		}),
		activationTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "activation_temperature_celsius", Help: "Auto mode activation threshold (°C).",
		}),
		startFanSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "start_fan_speed_percent", Help: "Auto mode start fan speed (%).",
		}),
		autoMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "auto_mode", Help: "1 when in auto mode, 0 in manual mode.",
		}),
		connection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "link_state", Help: "1 for the current device link state.",
		}, []string{"state"}),
		framesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_decoded_total", Help: "Telemetry lines decoded.",
		}),
		framesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_rejected_total", Help: "Telemetry lines rejected as malformed.",
		}),
	}
	m.reg.MustRegister(
		m.peopleCount, m.temperature, m.fanSpeed,
		m.activationTemp, m.startFanSpeed, m.autoMode, m.connection,
		m.framesDecoded, m.framesRejected,
	)
	return m
}

// Observe updates the gauges from a state change. It has the signature of
// a state.Listener.
func (m *Metrics) Observe(ch state.Change) {
	m.set(ch.State)
}

func (m *Metrics) set(s state.Snapshot) {
	m.peopleCount.Set(float64(s.PeopleCount))
	m.temperature.Set(float64(s.Temperature))
	m.fanSpeed.Set(float64(s.FanSpeed))
	m.activationTemp.Set(float64(s.ActivationTemp))
	m.startFanSpeed.Set(float64(s.StartFanSpeed))
	if s.Mode == state.ModeAuto {
		m.autoMode.Set(1)
	} else {
		m.autoMode.Set(0)
	}
	for _, c := range connections {
		v := 0.0
		if c == s.Connection {
			v = 1
		}
		m.connection.WithLabelValues(c.String()).Set(v)
	}
}

// Attach seeds the gauges from the current state and keeps them updated.
func (m *Metrics) Attach(st *state.Controller) state.Handle {
	m.set(st.Snapshot())
	return st.Subscribe(m.Observe)
}

func (m *Metrics) FrameDecoded(frame.Fields) { m.framesDecoded.Inc() }
func (m *Metrics) FrameRejected(error)       { m.framesRejected.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
