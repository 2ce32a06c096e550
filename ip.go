package iif

import (
	"fmt"
	"strings"
)

// IP identifies the hardware or firmware execution domain that signals a
// fence. Each IP owns one contiguous partition of the fence ID namespace.
type IP uint8

const (
	IPCPU IP = iota
	IPGPU
	IPDSP
	IPNPU
	IPDPU

	// NumIPs is the number of signaler IPs and ID partitions
	NumIPs
)

var ipNames = [NumIPs]string{
	IPCPU: "CPU",
	IPGPU: "GPU",
	IPDSP: "DSP",
	IPNPU: "NPU",
	IPDPU: "DPU",
}

func (ip IP) String() string {
	if ip.Valid() {
		return ipNames[ip]
	}
	return fmt.Sprintf("IP(%d)", uint8(ip))
}

// Valid reports whether ip names a known signaler IP
func (ip IP) Valid() bool {
	return ip < NumIPs
}

// ParseIP parses a case-insensitive IP name such as "gpu"
func ParseIP(s string) (IP, error) {
	for i, name := range ipNames {
		if strings.EqualFold(s, name) {
			return IP(i), nil
		}
	}
	return 0, NewError("PARSE_IP", ErrCodeInvalidParameters, fmt.Sprintf("unknown signaler IP %q", s))
}

// FenceState is the lifecycle state of a fence's external handle and ID
type FenceState int

const (
	// StateInitialized: ID allocated, no handle has been installed yet
	StateInitialized FenceState = iota
	// StateFileCreated: a pollable handle exposes the fence
	StateFileCreated
	// StateFileReleased: the handle was closed
	StateFileReleased
	// StateRetired: the ID went back to the pool; terminal
	StateRetired
)

func (s FenceState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateFileCreated:
		return "file_created"
	case StateFileReleased:
		return "file_released"
	case StateRetired:
		return "retired"
	default:
		return fmt.Sprintf("FenceState(%d)", int(s))
	}
}
