package link

import (
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/fanbridge/internal/frame"
)

// DemoPortName is reported by DemoFinder.
const DemoPortName = "demo"

// DemoFinder always finds the simulated device.
var DemoFinder = StaticPort(DemoPortName)

// DemoOpener opens a simulated fan controller that emits telemetry lines
// every Interval (default 500ms). Every NoiseEvery-th line is truncated to
// exercise the error path; zero disables noise.
type DemoOpener struct {
	Interval   time.Duration
	NoiseEvery int
}

func (o DemoOpener) Open(string) (io.ReadWriteCloser, error) {
	interval := o.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	pr, pw := io.Pipe()
	d := &demoDevice{
		pr:         pr,
		pw:         pw,
		stop:       make(chan struct{}),
		noiseEvery: o.NoiseEvery,
	}
	go d.generate(interval)
	return d, nil
}

type demoDevice struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	stop chan struct{}
	once sync.Once

	noiseEvery int
	t          float64 // virtual time accumulator
	n          int
}

func (d *demoDevice) Read(p []byte) (int, error) { return d.pr.Read(p) }

// Write accepts and discards bytes; the firmware has no command input.
func (d *demoDevice) Write(p []byte) (int, error) { return len(p), nil }

func (d *demoDevice) Close() error {
	d.once.Do(func() {
		close(d.stop)
		d.pw.Close()
		d.pr.Close()
	})
	return nil
}

func (d *demoDevice) generate(interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-tick.C:
		}
		line := d.next() + "\r\n"
		if _, err := io.WriteString(d.pw, line); err != nil {
			return
		}
	}
}

// next simulates a room warming up as people arrive, with the fan ramping
// above the activation threshold.
func (d *demoDevice) next() string {
	d.t += 0.05
	d.n++

	people := int(4 + 4*math.Sin(d.t*0.4) + rand.Float64())
	temp := int(25 + 6*math.Sin(d.t*0.2) + float64(people)*0.5 + rand.Float64())

	const activation, start = 25, 50
	fan := 0
	if temp >= activation {
		fan = start + (temp-activation)*8
		if fan > 99 {
			fan = 99
		}
	}

	line := frame.Format(frame.Fields{
		Mode:           frame.ModeAuto,
		PeopleCount:    people,
		Temperature:    temp,
		FanSpeed:       fan,
		ActivationTemp: activation,
		StartFanSpeed:  start,
	})
	if d.noiseEvery > 0 && d.n%d.noiseEvery == 0 {
		return line[:5]
	}
	return line
}
