package link

import (
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// DefaultFilter matches the USB description of genuine and most clone
// Arduino boards.
const DefaultFilter = "Arduino"

// PortFinder locates the serial port the fan controller is attached to.
type PortFinder interface {
	FindDevicePort() (string, bool)
}

// PortLister enumerates serial ports with USB metadata.
type PortLister func() ([]*enumerator.PortDetails, error)

// Resolver finds the first serial port whose USB product description
// contains Filter. Enumeration errors are logged and reported as "not
// found"; the resolver never retries.
type Resolver struct {
	Filter   string
	PortPath string // when set, enumeration is skipped

	list PortLister
	log  *zap.SugaredLogger
}

// NewResolver returns a Resolver backed by the OS port enumerator.
func NewResolver(filter, portPath string, log *zap.SugaredLogger) *Resolver {
	return newResolver(filter, portPath, enumerator.GetDetailedPortsList, log)
}

func newResolver(filter, portPath string, list PortLister, log *zap.SugaredLogger) *Resolver {
	if filter == "" {
		filter = DefaultFilter
	}
	return &Resolver{
		Filter:   filter,
		PortPath: portPath,
		list:     list,
		log:      log.Named("resolver"),
	}
}

// FindDevicePort returns the matching port name, or false if none matches.
func (r *Resolver) FindDevicePort() (string, bool) {
	if r.PortPath != "" {
		r.log.Debugw("using configured port", "port", r.PortPath)
		return r.PortPath, true
	}

	ports, err := r.list()
	if err != nil {
		r.log.Debugw("port enumeration failed", "error", err)
		return "", false
	}
	r.log.Debugw("scanning serial ports", "count", len(ports), "filter", r.Filter)

	for _, p := range ports {
		if p == nil {
			continue
		}
		if strings.Contains(p.Product, r.Filter) {
			r.log.Infow("found device", "port", p.Name, "product", p.Product, "vid", p.VID, "pid", p.PID)
			return p.Name, true
		}
	}
	r.log.Debugw("no port matches filter", "filter", r.Filter)
	return "", false
}

// StaticPort is a PortFinder that always reports the same port name. The
// empty StaticPort reports no device.
type StaticPort string

func (p StaticPort) FindDevicePort() (string, bool) { return string(p), p != "" }
