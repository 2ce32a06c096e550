package constants

// Fence ID namespace constants
const (
	// DefaultFencesPerIP is the number of fence IDs reserved for each signaler IP
	DefaultFencesPerIP = 1024

	// MaxFencesPerIP bounds the partition size so an ID always fits in 32 bits
	MaxFencesPerIP = 1 << 20
)

// Signaler constants
const (
	// MaxTotalSignalers is the hard limit for signalers per fence.
	// The hardware table stores signaler counts as 16-bit fields.
	MaxTotalSignalers = 0xffff

	// DefaultMaxSignalers is the default per-fence signaler limit
	DefaultMaxSignalers = 255
)

// Handle table constants
const (
	// DefaultMaxHandles is the default capacity of a process-local handle table
	DefaultMaxHandles = 4096

	// FirstHandle is the first handle number handed out by a handle table.
	// 0-2 are left alone so handles never look like stdio descriptors.
	FirstHandle = 3
)
