// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"fmt"

	"github.com/blinklabs-io/gomtproto/cbor"
)

// Message types
const (
	MessageTypeInvoke             = 1
	MessageTypeRpcResult          = 2
	MessageTypeRpcError           = 3
	MessageTypePing               = 4
	MessageTypePong               = 5
	MessageTypeMsgsAck            = 6
	MessageTypeNewSessionCreated  = 7
	MessageTypeBadServerSalt      = 8
	MessageTypeBadMsgNotification = 9
	MessageTypeContainer          = 10
)

// Bad message notification codes
const (
	BadMsgIdTooLow        = 16
	BadMsgIdTooHigh       = 17
	BadMsgIdNotDivisible  = 18
	BadMsgIdDuplicate     = 19
	BadMsgSeqNoTooLow     = 32
	BadMsgSeqNoTooHigh    = 33
	BadMsgSeqNoNotEven    = 34
	BadMsgSeqNoNotOdd     = 35
	BadMsgServerSaltError = 48
)

// Message is implemented by every service message
type Message interface {
	SetCbor([]byte)
	Cbor() []byte
	Type() uint8
}

type MessageBase struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_           struct{} `cbor:",toarray"`
	rawCbor     []byte
	MessageType uint8
}

func (m *MessageBase) SetCbor(data []byte) {
	m.rawCbor = make([]byte, len(data))
	copy(m.rawCbor, data)
}

func (m *MessageBase) Cbor() []byte {
	return m.rawCbor
}

func (m *MessageBase) Type() uint8 {
	return m.MessageType
}

// IsContent reports whether messages of the given type need acknowledgement
// and consume an odd sequence number
func IsContent(msgType uint8) bool {
	switch msgType {
	case MessageTypeMsgsAck, MessageTypeContainer:
		return false
	}
	return true
}

// NewMsgFromCbor decodes a service message of any type
func NewMsgFromCbor(data []byte) (Message, error) {
	msgType, err := cbor.DecodeIdFromList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	var ret Message
	switch msgType {
	case MessageTypeInvoke:
		ret = &MsgInvoke{}
	case MessageTypeRpcResult:
		ret = &MsgRpcResult{}
	case MessageTypeRpcError:
		ret = &MsgRpcError{}
	case MessageTypePing:
		ret = &MsgPing{}
	case MessageTypePong:
		ret = &MsgPong{}
	case MessageTypeMsgsAck:
		ret = &MsgMsgsAck{}
	case MessageTypeNewSessionCreated:
		ret = &MsgNewSessionCreated{}
	case MessageTypeBadServerSalt:
		ret = &MsgBadServerSalt{}
	case MessageTypeBadMsgNotification:
		ret = &MsgBadMsgNotification{}
	case MessageTypeContainer:
		ret = &MsgContainer{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, msgType)
	}
	if _, err := cbor.Decode(data, ret); err != nil {
		return nil, fmt.Errorf("%w: decode error: %w", ErrProtocol, err)
	}
	ret.SetCbor(data)
	return ret, nil
}

// Encode returns the CBOR encoding of a service message
func Encode(msg Message) ([]byte, error) {
	return cbor.Encode(msg)
}

type MsgInvoke struct {
	MessageBase
	Method string
	Params []byte
}

func NewMsgInvoke(method string, params []byte) *MsgInvoke {
	return &MsgInvoke{
		MessageBase: MessageBase{
			MessageType: MessageTypeInvoke,
		},
		Method: method,
		Params: params,
	}
}

type MsgRpcResult struct {
	MessageBase
	ReqMsgId int64
	Result   []byte
}

func NewMsgRpcResult(reqMsgId int64, result []byte) *MsgRpcResult {
	return &MsgRpcResult{
		MessageBase: MessageBase{
			MessageType: MessageTypeRpcResult,
		},
		ReqMsgId: reqMsgId,
		Result:   result,
	}
}

type MsgRpcError struct {
	MessageBase
	ReqMsgId int64
	Code     int32
	Message  string
}

func NewMsgRpcError(reqMsgId int64, code int32, message string) *MsgRpcError {
	return &MsgRpcError{
		MessageBase: MessageBase{
			MessageType: MessageTypeRpcError,
		},
		ReqMsgId: reqMsgId,
		Code:     code,
		Message:  message,
	}
}

type MsgPing struct {
	MessageBase
	PingId int64
}

func NewMsgPing(pingId int64) *MsgPing {
	return &MsgPing{
		MessageBase: MessageBase{
			MessageType: MessageTypePing,
		},
		PingId: pingId,
	}
}

type MsgPong struct {
	MessageBase
	MsgId  int64
	PingId int64
}

func NewMsgPong(msgId int64, pingId int64) *MsgPong {
	return &MsgPong{
		MessageBase: MessageBase{
			MessageType: MessageTypePong,
		},
		MsgId:  msgId,
		PingId: pingId,
	}
}

type MsgMsgsAck struct {
	MessageBase
	MsgIds []int64
}

func NewMsgMsgsAck(msgIds []int64) *MsgMsgsAck {
	return &MsgMsgsAck{
		MessageBase: MessageBase{
			MessageType: MessageTypeMsgsAck,
		},
		MsgIds: msgIds,
	}
}

type MsgNewSessionCreated struct {
	MessageBase
	FirstMsgId int64
	UniqueId   int64
	ServerSalt int64
}

func NewMsgNewSessionCreated(firstMsgId int64, uniqueId int64, serverSalt int64) *MsgNewSessionCreated {
	return &MsgNewSessionCreated{
		MessageBase: MessageBase{
			MessageType: MessageTypeNewSessionCreated,
		},
		FirstMsgId: firstMsgId,
		UniqueId:   uniqueId,
		ServerSalt: serverSalt,
	}
}

type MsgBadServerSalt struct {
	MessageBase
	BadMsgId      int64
	BadMsgSeqNo   int32
	ErrorCode     int32
	NewServerSalt int64
}

func NewMsgBadServerSalt(badMsgId int64, badMsgSeqNo int32, newServerSalt int64) *MsgBadServerSalt {
	return &MsgBadServerSalt{
		MessageBase: MessageBase{
			MessageType: MessageTypeBadServerSalt,
		},
		BadMsgId:      badMsgId,
		BadMsgSeqNo:   badMsgSeqNo,
		ErrorCode:     BadMsgServerSaltError,
		NewServerSalt: newServerSalt,
	}
}

type MsgBadMsgNotification struct {
	MessageBase
	BadMsgId    int64
	BadMsgSeqNo int32
	ErrorCode   int32
}

func NewMsgBadMsgNotification(badMsgId int64, badMsgSeqNo int32, errorCode int32) *MsgBadMsgNotification {
	return &MsgBadMsgNotification{
		MessageBase: MessageBase{
			MessageType: MessageTypeBadMsgNotification,
		},
		BadMsgId:    badMsgId,
		BadMsgSeqNo: badMsgSeqNo,
		ErrorCode:   errorCode,
	}
}

// ContainerItem is one message carried in a container
type ContainerItem struct {
	_     struct{} `cbor:",toarray"`
	MsgId int64
	SeqNo int32
	Body  []byte
}

type MsgContainer struct {
	MessageBase
	Messages []ContainerItem
}

func NewMsgContainer(messages []ContainerItem) *MsgContainer {
	return &MsgContainer{
		MessageBase: MessageBase{
			MessageType: MessageTypeContainer,
		},
		Messages: messages,
	}
}
