package iif

import "github.com/ehrlich-b/go-iif/internal/constants"

// Re-export constants for public API
const (
	DefaultFencesPerIP  = constants.DefaultFencesPerIP
	MaxFencesPerIP      = constants.MaxFencesPerIP
	MaxTotalSignalers   = constants.MaxTotalSignalers
	DefaultMaxSignalers = constants.DefaultMaxSignalers
	DefaultMaxHandles   = constants.DefaultMaxHandles
)
