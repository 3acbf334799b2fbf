// Package mdns announces the device on the local network so fleet
// tooling can find it without a broker.
package mdns

import (
	"github.com/grandcat/zeroconf"
)

// Service is the mDNS service type announced by the device.
const Service = "_lumatrix._tcp"

// Announcement describes the published service.
type Announcement struct {
	// Name is the service instance name, usually the device name.
	Name string

	// Port is the HTTP API port.
	Port int

	// Version and Device are published as TXT records.
	Version string
	Device  string
}

// Announce will register the service on all interfaces. The returned
// stop function unregisters it again.
func Announce(a Announcement) (func(), error) {
	// register service
	server, err := zeroconf.Register(a.Name, Service, "local.", a.Port, []string{
		"version=" + a.Version,
		"device=" + a.Device,
	}, nil)
	if err != nil {
		return nil, err
	}

	return server.Shutdown, nil
}
