package zamq

import "fmt"

// 协议应答码。320 及 4xx/5xx 中标记为 hard 的错误会终止整个连接，
// 其余仅关闭发生错误的 channel。
const (
	ReplySuccess       uint16 = 200
	ContentTooLarge    uint16 = 311
	NoRoute            uint16 = 312
	NoConsumers        uint16 = 313
	ConnectionForced   uint16 = 320
	InvalidPath        uint16 = 402
	AccessRefused      uint16 = 403
	NotFound           uint16 = 404
	ResourceLocked     uint16 = 405
	PreconditionFailed uint16 = 406
	FrameError         uint16 = 501
	SyntaxError        uint16 = 502
	CommandInvalid     uint16 = 503
	ChannelError       uint16 = 504
	UnexpectedFrame    uint16 = 505
	ResourceError      uint16 = 506
	NotAllowed         uint16 = 530
	NotImplemented     uint16 = 540
	InternalError      uint16 = 541
)

type exceptionClass struct {
	code uint16
	hard bool
}

var exceptions = map[string]exceptionClass{
	"content-too-large":   {ContentTooLarge, false},
	"no-route":            {NoRoute, false},
	"no-consumers":        {NoConsumers, false},
	"access-refused":      {AccessRefused, false},
	"not-found":           {NotFound, false},
	"resource-locked":     {ResourceLocked, false},
	"precondition-failed": {PreconditionFailed, false},
	"connection-forced":   {ConnectionForced, true},
	"invalid-path":        {InvalidPath, true},
	"frame-error":         {FrameError, true},
	"syntax-error":        {SyntaxError, true},
	"command-invalid":     {CommandInvalid, true},
	"channel-error":       {ChannelError, true},
	"unexpected-frame":    {UnexpectedFrame, true},
	"resource-error":      {ResourceError, true},
	"not-allowed":         {NotAllowed, true},
	"not-implemented":     {NotImplemented, true},
	"internal-error":      {InternalError, true},
}

var exceptionNames = func() map[uint16]string {
	names := make(map[uint16]string, len(exceptions))
	for name, e := range exceptions {
		names[e.code] = name
	}
	return names
}()

func exceptionName(code uint16) string {
	return exceptionNames[code]
}

// ProtocolException 对端通过 close 方法上报的协议异常。
// Domain 为 connection 或 channel，Reason 为异常名（如 precondition-failed）。
type ProtocolException struct {
	Domain  string
	Reason  string
	Message string

	code uint16
}

// NewProtocolException 按异常名构造协议异常。broker 的 Handler
// 可以返回它来指定关闭 channel 的应答码
func NewProtocolException(domain, reason, message string) *ProtocolException {
	e := &ProtocolException{Domain: domain, Reason: reason, Message: message}
	if c, ok := exceptions[reason]; ok {
		e.code = c.code
	}
	return e
}

func exceptionFromCode(domain string, code uint16, text string) *ProtocolException {
	return &ProtocolException{Domain: domain, Reason: exceptionName(code), Message: text, code: code}
}

func (e *ProtocolException) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "unknown"
	}
	return fmt.Sprintf("zamq: %s exception (%s): %s", e.Domain, reason, e.Message)
}

// Code 返回异常对应的应答码，无法识别时归入 internal-error
func (e *ProtocolException) Code() uint16 {
	if e.code != 0 {
		return e.code
	}
	if c, ok := exceptions[e.Reason]; ok {
		return c.code
	}
	return InternalError
}

// Hard 报告异常是否为连接级错误。未收录的异常按连接级处理
func (e *ProtocolException) Hard() bool {
	if c, ok := exceptions[e.Reason]; ok {
		return c.hard
	}
	return true
}
