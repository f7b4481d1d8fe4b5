package protocol

const (
	MaxDatagramSize = 1024
	MaxFrameSize    = 64 * 1024
	Version         = 1
)

var magic = [2]byte{'P', 'D'}

type MessageType uint16

const (
	MsgFileSendReq        MessageType = 0x0020
	MsgFileSendRes        MessageType = 0x0021
	MsgPing               MessageType = 0x0001
	MsgPong               MessageType = 0x0002
	MsgServiceDiscoverReq MessageType = 0x0010
	MsgServiceDiscoverRes MessageType = 0x0011
)

func (t MessageType) String() string {
	switch t {
	case MsgFileSendReq:
		return "FILE_SEND_REQ"
	case MsgFileSendRes:
		return "FILE_SEND_RES"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgServiceDiscoverReq:
		return "SERVICE_DISCOVER_REQ"
	case MsgServiceDiscoverRes:
		return "SERVICE_DISCOVER_RES"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is carried in response messages and doubles as an error value.
type ErrorCode uint16

const (
	Success             ErrorCode = 0x0000
	ErrDecodeFailed     ErrorCode = 0x0001
	ErrDiscoveryPortUse ErrorCode = 0x0002
	ErrHostUnreachable  ErrorCode = 0x0003
	ErrNoTaskID         ErrorCode = 0x0004
	ErrRejected         ErrorCode = 0x0005
	ErrTransferFailed   ErrorCode = 0x0006
	ErrUnknownMessage   ErrorCode = 0x0007
	ErrInternal         ErrorCode = 0x00FF
)

func (e ErrorCode) String() string {
	switch e {
	case Success:
		return "SUCCESS"
	case ErrDecodeFailed:
		return "DECODE_FAILED"
	case ErrDiscoveryPortUse:
		return "DISCOVERY_PORT_IN_USE"
	case ErrHostUnreachable:
		return "HOST_UNREACHABLE"
	case ErrNoTaskID:
		return "NO_TASK_ID"
	case ErrRejected:
		return "REJECTED"
	case ErrTransferFailed:
		return "TRANSFER_FAILED"
	case ErrUnknownMessage:
		return "UNKNOWN_MESSAGE"
	case ErrInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

func (e ErrorCode) Error() string {
	return e.String()
}
