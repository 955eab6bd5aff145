package types

import "fmt"

type Opcode int

const (
	OpTerminal   Opcode = -1
	OpEnqInvoke  Opcode = 0
	OpEnqRequest Opcode = 1
	OpEnqAck     Opcode = 2
	OpDeqInvoke  Opcode = 3
	OpDeqRequest Opcode = 4
	OpDeqConfirm Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpTerminal:
		return "Terminal"
	case OpEnqInvoke:
		return "EnqInvoke"
	case OpEnqRequest:
		return "EnqRequest"
	case OpEnqAck:
		return "EnqAck"
	case OpDeqInvoke:
		return "DeqInvoke"
	case OpDeqRequest:
		return "DeqRequest"
	case OpDeqConfirm:
		return "DeqConfirm"
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

// Known reports whether o is one of the protocol opcodes.
func (o Opcode) Known() bool {
	return o >= OpTerminal && o <= OpDeqConfirm
}
