// Package uapi defines the binary records shared with the cndm device
package uapi

import "fmt"

// Opcode identifies a mailbox command. The upper bits select the object kind,
// the low two bits select the action.
type Opcode uint16

// Object kinds
const (
	KindEQ Opcode = 0x0200
	KindCQ Opcode = 0x0210
	KindSQ Opcode = 0x0220
	KindRQ Opcode = 0x0230
	KindQP Opcode = 0x0240
)

// Actions
const (
	ActionCreate  Opcode = 0x0
	ActionModify  Opcode = 0x1
	ActionQuery   Opcode = 0x2
	ActionDestroy Opcode = 0x3

	actionMask Opcode = 0x3
)

// Mailbox opcodes
const (
	OpNop Opcode = 0x0000

	OpCreateEQ  = KindEQ | ActionCreate
	OpModifyEQ  = KindEQ | ActionModify
	OpQueryEQ   = KindEQ | ActionQuery
	OpDestroyEQ = KindEQ | ActionDestroy

	OpCreateCQ  = KindCQ | ActionCreate
	OpModifyCQ  = KindCQ | ActionModify
	OpQueryCQ   = KindCQ | ActionQuery
	OpDestroyCQ = KindCQ | ActionDestroy

	OpCreateSQ  = KindSQ | ActionCreate
	OpModifySQ  = KindSQ | ActionModify
	OpQuerySQ   = KindSQ | ActionQuery
	OpDestroySQ = KindSQ | ActionDestroy

	OpCreateRQ  = KindRQ | ActionCreate
	OpModifyRQ  = KindRQ | ActionModify
	OpQueryRQ   = KindRQ | ActionQuery
	OpDestroyRQ = KindRQ | ActionDestroy

	OpCreateQP  = KindQP | ActionCreate
	OpModifyQP  = KindQP | ActionModify
	OpQueryQP   = KindQP | ActionQuery
	OpDestroyQP = KindQP | ActionDestroy
)

// Kind returns the object kind of the opcode
func (o Opcode) Kind() Opcode {
	return o &^ actionMask
}

// Action returns the action of the opcode
func (o Opcode) Action() Opcode {
	return o & actionMask
}

func (o Opcode) String() string {
	if o == OpNop {
		return "NOP"
	}
	var kind string
	switch o.Kind() {
	case KindEQ:
		kind = "EQ"
	case KindCQ:
		kind = "CQ"
	case KindSQ:
		kind = "SQ"
	case KindRQ:
		kind = "RQ"
	case KindQP:
		kind = "QP"
	default:
		return fmt.Sprintf("OP(0x%04x)", uint16(o))
	}
	switch o.Action() {
	case ActionCreate:
		return "CREATE_" + kind
	case ActionModify:
		return "MODIFY_" + kind
	case ActionQuery:
		return "QUERY_" + kind
	default:
		return "DESTROY_" + kind
	}
}

// Completion phase bit, carried in bit 7 of the phase byte
const CplPhaseBit = 0x80
