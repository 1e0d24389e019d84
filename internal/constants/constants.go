package constants

import "time"

// Default configuration constants
const (
	// DefaultRingSize is the default number of slots per ring
	DefaultRingSize = 256

	// MinRingSize and MaxRingSize bound the ring sizes accepted by the mailbox
	MinRingSize = 2
	MaxRingSize = 1 << 16

	// DescSize is the size of every ring slot in bytes (descriptor, completion, event)
	DescSize = 16

	// PageSize is the size of one packet buffer
	PageSize = 4096

	// EthHeaderLen is the minimum frame length handed to the stack
	EthHeaderLen = 14

	// RxFillTarget is the number of RX buffers kept posted to the device
	RxFillTarget = 128

	// RxFillBatch is the minimum shortfall that triggers a refill
	RxFillBatch = 8

	// DefaultPollBudget is the maximum completions processed per poll invocation
	DefaultPollBudget = 64

	// DefaultIRQCount is the number of interrupt vectors when the device does not say
	DefaultIRQCount = 1
)

// Mailbox timing
const (
	// MailboxPollCount is the number of busy-bit polls before giving up
	MailboxPollCount = 10

	// MailboxPollInterval is the delay between busy-bit polls
	MailboxPollInterval = 100 * time.Microsecond
)

// Register layout of BAR0
const (
	RegPortCount  = 0x0100
	RegPortOffset = 0x0104
	RegPortStride = 0x0108

	RegMailboxCtrl = 0x0200

	MailboxBase     = 0x10000
	MailboxRspBase  = 0x10040
	MailboxDwords   = 16
	MailboxCtrlBusy = 0x1

	// DefaultPHCOffset is the default offset of the PTP clock register block
	DefaultPHCOffset = 0x20000

	// DefaultBARSize is the size of the simulated register file
	DefaultBARSize = 0x40000
)

// PTP clock register offsets relative to the clock block
const (
	PTPRegCachedSecLo = 0x18
	PTPRegCachedSecHi = 0x1C
	PTPRegLatch       = 0x30
	PTPRegNs          = 0x34
	PTPRegSecLo       = 0x38
	PTPRegSecHi       = 0x3C
	PTPRegOffsetAdj   = 0x50
	PTPRegSetNs       = 0x54
	PTPRegSetSecLo    = 0x58
	PTPRegSetSecHi    = 0x5C
	PTPRegNomIncLo    = 0x70
	PTPRegNomIncHi    = 0x74
	PTPRegIncLo       = 0x78
	PTPRegIncHi       = 0x7C

	// PTPDefaultNomInc is used when the nominal increment register reads zero
	PTPDefaultNomInc = uint64(0x4) << 32

	// PTPAtomicAdjLimit is the largest offset applied through the atomic adjust register
	PTPAtomicAdjLimit = 536000000

	// PTPMaxAdjPPB is the advertised frequency adjustment range
	PTPMaxAdjPPB = 1000000000
)
