package interfaces

// Table is the hardware fence table collaborator. It publishes per-fence
// signaler counts and waiter IPs to the firmware side.
//
// Both methods may be called from contexts that must not block for long;
// implementations must return promptly and must not call back into the
// fence that triggered the call.
type Table interface {
	// InitFenceSlot initializes the table slot for fence id with the
	// number of signalers the fence expects.
	InitFenceSlot(id uint32, totalSignalers int) error

	// MarkWaitingIP records that ip waits on fence id.
	MarkWaitingIP(id uint32, ip uint8) error
}

// SlotResetter is an optional interface for tables that can clear a slot
// once the fence that owned it has been destroyed.
type SlotResetter interface {
	Table

	// ResetFenceSlot clears every field of the slot for fence id.
	ResetFenceSlot(id uint32) error
}
