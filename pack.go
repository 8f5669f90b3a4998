package zamq

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// 数据包所处阶段
const (
	HANDSHAKE = string(rune(iota + 1)) // 建连握手
	HANDSHAKE_OK
	HANDSHAKE_ERR
	METHOD  // 携带协议方法
	CONTENT // 方法附带 content
)

var STAGE_NAME = map[string]string{
	HANDSHAKE:     "HANDSHAKE",
	HANDSHAKE_OK:  "HANDSHAKE_OK",
	HANDSHAKE_ERR: "HANDSHAKE_ERR",
	METHOD:        "METHOD",
	CONTENT:       "CONTENT",
}

const (
	MESSAGEID  = "__msg_id__"      // 消息id
	USERNAME   = "__username__"    // 握手用户名
	PASSWORD   = "__password__"    // 握手密码
	VHOST      = "__vhost__"       // 目标 vhost
	CHANNELMAX = "__channel_max__" // channel 编号上限
	ERRTEXT    = "__err_text__"    // 握手失败原因
)

type Header map[string][]string

func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

func (h Header) Add(key, value string) {
	h[key] = append(h[key], value)
}

func (h Header) Get(key string) string {
	if len(h[key]) == 0 {
		return ""
	}
	return h[key][0]
}

func (h Header) Pop(key string) string {
	if v, ok := h[key]; ok && len(v) > 0 {
		value := v[len(h[key])-1]
		h[key] = v[:len(h[key])-1]
		return value
	}
	return ""
}

func (h Header) Has(key string) bool {
	_, ok := h[key]
	return ok
}

type Pack struct {
	Identity string   `msgpack:"identity"`
	Channel  uint16   `msgpack:"channel"`
	Stage    string   `msgpack:"method"`
	Header   Header   `msgpack:"head"`
	Args     [][]byte `msgpack:"args"`
}

func (p *Pack) Set(key, value string) {
	if p.Header == nil {
		p.Header = make(Header)
	}
	p.Header.Set(key, value)
}

func (p *Pack) Get(key string) string {
	if p.Header == nil {
		return ""
	}
	return p.Header.Get(key)
}

func (p *Pack) MarshalMsgpack() (pack []byte, err error) {
	if p.Header == nil || !p.Header.Has(MESSAGEID) {
		p.Set(MESSAGEID, NewMessageID())
	}

	pack, err = msgpack.Marshal(struct {
		Identity string   `msgpack:"identity"`
		Channel  uint16   `msgpack:"channel"`
		Stage    string   `msgpack:"method"`
		Header   Header   `msgpack:"head"`
		Args     [][]byte `msgpack:"args"`
	}{
		Identity: p.Identity,
		Channel:  p.Channel,
		Stage:    p.Stage,
		Header:   p.Header,
		Args:     p.Args,
	})
	return
}

// packMethod 将方法（及可选的 content）打包为数据包
func packMethod(identity string, channel uint16, m *Method, c *Content) (*Pack, error) {
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return nil, errors.WithMessage(err, "zamq: marshal method")
	}
	p := &Pack{
		Identity: identity,
		Channel:  channel,
		Stage:    METHOD,
		Args:     [][]byte{raw},
	}
	if c != nil {
		rawc, err := msgpack.Marshal(c)
		if err != nil {
			return nil, errors.WithMessage(err, "zamq: marshal content")
		}
		p.Stage = CONTENT
		p.Args = append(p.Args, rawc)
	}
	return p, nil
}

// unpackMethod 从数据包中还原方法和 content
func unpackMethod(p *Pack) (*Method, *Content, error) {
	if len(p.Args) == 0 {
		return nil, nil, errors.New("zamq: pack: empty args")
	}
	m := new(Method)
	if err := msgpack.Unmarshal(p.Args[0], m); err != nil {
		return nil, nil, errors.WithMessage(err, "zamq: unmarshal method")
	}
	var c *Content
	if p.Stage == CONTENT {
		if len(p.Args) < 2 {
			return nil, nil, errors.New("zamq: pack: missing content frame")
		}
		c = new(Content)
		if err := msgpack.Unmarshal(p.Args[1], c); err != nil {
			return nil, nil, errors.WithMessage(err, "zamq: unmarshal content")
		}
	}
	return m, c, nil
}
