package protocol

import "errors"

type Message interface {
	Type() MessageType
}

type FileSendReq struct {
	FileName string
	FileSize uint64
}

func (FileSendReq) Type() MessageType { return MsgFileSendReq }

type FileSendRes struct {
	Port   uint16
	Status ErrorCode
}

func (FileSendRes) Type() MessageType { return MsgFileSendRes }

type Ping struct{}

func (Ping) Type() MessageType { return MsgPing }

type Pong struct{}

func (Pong) Type() MessageType { return MsgPong }

type ServiceDiscoverReq struct{}

func (ServiceDiscoverReq) Type() MessageType { return MsgServiceDiscoverReq }

// ServiceDiscoverRes also advertises where the responder's control channel listens.
type ServiceDiscoverRes struct {
	ControlPort uint16
	Name        string
	Status      ErrorCode
}

func (ServiceDiscoverRes) Type() MessageType { return MsgServiceDiscoverRes }

// CodeOf extracts the ErrorCode carried by err, or ErrInternal if there is none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrInternal
}
