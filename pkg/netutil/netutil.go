// Package netutil resolves the network binding for the embedded
// notification endpoint: a free local port and the host's reachable
// address. The binding is resolved once at startup and embedded into
// subscription documents as the callback target.
package netutil

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/errors"
)

const (
	// PortRangeStart is the first candidate port for the notification endpoint
	PortRangeStart = 8000
	// PortRangeEnd is the exclusive upper bound of the candidate range
	PortRangeEnd = 65000

	// maxProbeAttempts bounds the random scan before giving up
	maxProbeAttempts = 1000
)

var (
	portRandMu sync.Mutex
	portRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// probeFunc reports whether a candidate port can be bound. Injectable for tests.
type probeFunc func(port int) bool

// bindProbe binds a throwaway TCP listener to test port availability.
func bindProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// FindFreePort scans random candidate ports in [PortRangeStart, PortRangeEnd)
// until one can be bound. Returns ErrPortExhausted if no port is found within
// the attempt budget.
func FindFreePort() (int, error) {
	return findFreePort(bindProbe)
}

func findFreePort(probe probeFunc) (int, error) {
	for attempt := 0; attempt < maxProbeAttempts; attempt++ {
		portRandMu.Lock()
		port := PortRangeStart + portRand.Intn(PortRangeEnd-PortRangeStart)
		portRandMu.Unlock()

		if probe(port) {
			return port, nil
		}
	}

	return 0, errors.WrapFatal(errors.ErrPortExhausted, "netutil", "FindFreePort",
		fmt.Sprintf("scan of %d candidate ports", maxProbeAttempts))
}

// LocalIP resolves the host's reachable address by opening an outbound UDP
// socket toward a non-routable broadcast address; no packet is sent. Falls
// back to loopback when the host has no network route.
func LocalIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
