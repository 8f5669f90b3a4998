package zamq

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed 连接已终止（正常关闭或异常退出后）
	ErrConnectionClosed = errors.New("zamq: connection is closed")
	// ErrChannelClosed channel 已关闭
	ErrChannelClosed = errors.New("zamq: channel is closed")
	// ErrChannelNumInUse 指定的 channel 编号已被占用
	ErrChannelNumInUse = errors.New("zamq: channel number already in use")
	// ErrChannelMax channel 编号超出协商的 channel-max
	ErrChannelMax = errors.New("zamq: channel number exceeds negotiated channel-max")
	// ErrChannelsExhausted channel 编号空间已用尽
	ErrChannelsExhausted = errors.New("zamq: channel numbers exhausted")
	// ErrNoEndpoint 没有可用的 broker 地址
	ErrNoEndpoint = errors.New("zamq: no broker endpoint available")
	// ErrBrokerClosed broker 已关闭
	ErrBrokerClosed = errors.New("zamq: broker is closed")

	errSessionClosed   = errors.New("zamq: broker session is closed")
	errTransportClosed = errors.New("zamq: transport is closed")
)

// HandshakeError 建连握手失败，Stage 标识失败环节（connect / negotiate）
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("zamq: handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ProtocolViolation 对端返回了协议不允许的应答，或期待的应答
// 始终未到达（此时 Got 为空，Err 保留底层原因）
type ProtocolViolation struct {
	Expected string
	Got      string
	Err      error
}

func (e *ProtocolViolation) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("zamq: protocol violation: %s not received", e.Expected)
	}
	return fmt.Sprintf("zamq: protocol violation: expected %s, got %s", e.Expected, e.Got)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// HardProtocolError 连接级协议错误，整个连接随之终止
type HardProtocolError struct {
	Code uint16
	Text string
}

func (e *HardProtocolError) Error() string {
	return fmt.Sprintf("zamq: hard protocol error: (%d) %s", e.Code, e.Text)
}

// TransportError 底层传输失败，Op 为失败的动作（send / recv）
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("zamq: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvariantViolation 连接内部状态被破坏，连接不再可信
type InvariantViolation struct {
	Detail string
}

func (e *InvariantViolation) Error() string {
	return "zamq: invariant violation: " + e.Detail
}
