package zamq

import (
	"fmt"
	"strings"
)

const (
	classConnection = "connection"
	classChannel    = "channel"

	nameOpen    = "open"
	nameOpenOK  = "open-ok"
	nameClose   = "close"
	nameCloseOK = "close-ok"

	replySuffix = "-ok"
)

// Method 协议方法。Class + Name 确定方法种类（如 channel.open），
// Code/Text 仅在 close 类方法中有意义，Args 携带业务参数。
type Method struct {
	Class     string                 `msgpack:"class"`
	Name      string                 `msgpack:"name"`
	Code      uint16                 `msgpack:"code"`
	Text      string                 `msgpack:"text"`
	OutOfBand string                 `msgpack:"oob"`
	Args      map[string]interface{} `msgpack:"args"`
}

// NewMethod 构造业务方法，系统方法请使用各自的构造函数
func NewMethod(class, name string) *Method {
	return &Method{Class: class, Name: name}
}

// WithArg 添加业务参数，返回方法本身便于级联调用
func (m *Method) WithArg(key string, value interface{}) *Method {
	if m.Args == nil {
		m.Args = make(map[string]interface{})
	}
	m.Args[key] = value
	return m
}

func (m *Method) String() string {
	return m.Class + "." + m.Name
}

func (m *Method) is(class, name string) bool {
	return m.Class == class && m.Name == name
}

// isReplyTo 判断 m 是否为 req 的同步应答（class 相同且 name 为 req.name + "-ok"）
func (m *Method) isReplyTo(req *Method) bool {
	return m.Class == req.Class && m.Name == req.Name+replySuffix
}

// hasReply 报告方法是否期待同步应答
func (m *Method) hasReply() bool {
	return !strings.HasSuffix(m.Name, replySuffix)
}

func openChannelMethod(outOfBand string) *Method {
	return &Method{Class: classChannel, Name: nameOpen, OutOfBand: outOfBand}
}

func openChannelOK() *Method {
	return &Method{Class: classChannel, Name: nameOpenOK}
}

func closeChannelMethod(code uint16, text string) *Method {
	return &Method{Class: classChannel, Name: nameClose, Code: code, Text: text}
}

func closeChannelOK() *Method {
	return &Method{Class: classChannel, Name: nameCloseOK}
}

func closeConnectionMethod(code uint16, text string) *Method {
	return &Method{Class: classConnection, Name: nameClose, Code: code, Text: text}
}

func closeConnectionOK() *Method {
	return &Method{Class: classConnection, Name: nameCloseOK}
}

// Content 随方法一起投递的消息体
type Content struct {
	Properties map[string]string `msgpack:"props"`
	Body       []byte            `msgpack:"body"`
}

// CloseReason 关闭连接或 channel 的原因
type CloseReason struct {
	Code uint16
	Text string
}

func (r *CloseReason) String() string {
	return fmt.Sprintf("(%d) %s", r.Code, r.Text)
}

// Delivery 送达 channel 的入站方法及其 content
type Delivery struct {
	Method  *Method
	Content *Content
}
