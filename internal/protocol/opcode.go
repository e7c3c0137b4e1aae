package protocol

// Opcode 消息类型
type Opcode uint16

// 渲染端推送的操作码
const (
	OpHello       Opcode = 1001
	OpSampleBatch Opcode = 2001
	OpImpedances  Opcode = 2002
	OpEvent       Opcode = 3001
	OpConfig      Opcode = 3002
	OpLog         Opcode = 4001
)

// String 用于日志
func (op Opcode) String() string {
	switch op {
	case OpHello:
		return "HELLO"
	case OpSampleBatch:
		return "SAMPLE_BATCH"
	case OpImpedances:
		return "IMPEDANCES"
	case OpEvent:
		return "EVENT"
	case OpConfig:
		return "CONFIG"
	case OpLog:
		return "LOG"
	default:
		return "UNKNOWN"
	}
}

// Valid 是否为已知操作码
func (op Opcode) Valid() bool {
	return op.String() != "UNKNOWN"
}

// IsSnapshot 是否为整体替换语义的快照消息
func (op Opcode) IsSnapshot() bool {
	return op == OpConfig || op == OpImpedances
}
