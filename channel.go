package zamq

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type callReply struct {
	method *Method
	err    error
}

type channelCall struct {
	method  *Method
	content *Content
	oneway  bool
	reply   chan *callReply
}

// Channel 连接上的一条虚拟通路。每个 Channel 由独立的事件循环驱动：
// 同步调用排队后逐个发出，同一时刻至多一个在等待应答；与在途调用
// 无关的入站方法进入 Recv 队列。
type Channel struct {
	number uint16
	connID string
	oob    string

	// 由所属连接注入的传输闭包
	send         func(m *Method) error
	sendContent  func(m *Method, c *Content) error
	closeBinding func()
	report       func(ch *Channel, reason error)

	calls   chan *channelCall
	inbound chan *Delivery
	recv    chan *Delivery
	stop    chan struct{}
	done    chan struct{}

	err      error
	stopOnce sync.Once
	exitOnce sync.Once

	logger  Logger
	timeout time.Duration
}

func newChannel(connID string, number uint16, oob string, logger Logger, timeout time.Duration) *Channel {
	return &Channel{
		number:  number,
		connID:  connID,
		oob:     oob,
		calls:   make(chan *channelCall, chanCap),
		inbound: make(chan *Delivery, 128),
		recv:    make(chan *Delivery, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		timeout: timeout,
	}
}

// Number 返回 channel 编号
func (ch *Channel) Number() uint16 {
	return ch.number
}

// OutOfBand 返回打开 channel 时携带的 out-of-band 参数
func (ch *Channel) OutOfBand() string {
	return ch.oob
}

// Done 在 channel 终止后关闭
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Err 返回 channel 的退出原因。正常关闭为 nil，
// channel 未终止时也为 nil
func (ch *Channel) Err() error {
	select {
	case <-ch.done:
		return ch.err
	default:
		return nil
	}
}

// Recv 返回入站方法队列，服务端推送的方法从这里取出。
// 队列满时新到的方法会被丢弃并告警
func (ch *Channel) Recv() <-chan *Delivery {
	return ch.recv
}

// Call 同步调用：发出方法并等待名为 m.Name + "-ok" 的应答
func (ch *Channel) Call(ctx context.Context, m *Method) (*Method, error) {
	if !m.hasReply() {
		return nil, errors.Errorf("zamq: method %s does not take a reply", m)
	}
	ctx, span := startSpan(ctx, "zamq.call", callAttrs(ch, m)...)
	rep, err := ch.submit(ctx, &channelCall{method: m, reply: make(chan *callReply, 1)})
	endSpan(span, err)
	return rep, err
}

// Cast 单向发送方法，不等待应答
func (ch *Channel) Cast(m *Method) error {
	_, err := ch.submit(context.Background(), &channelCall{method: m, oneway: true, reply: make(chan *callReply, 1)})
	return err
}

// CastContent 单向发送方法及 content
func (ch *Channel) CastContent(m *Method, c *Content) error {
	_, err := ch.submit(context.Background(), &channelCall{method: m, content: c, oneway: true, reply: make(chan *callReply, 1)})
	return err
}

// Close 关闭 channel：与服务端完成 channel.close 握手后终止
func (ch *Channel) Close() error {
	return ch.CloseWithContext(context.Background())
}

func (ch *Channel) CloseWithContext(ctx context.Context) error {
	ctx, span := startSpan(ctx, "zamq.close_channel", channelAttrs(ch)...)
	m := closeChannelMethod(ReplySuccess, "Normal shutdown")
	_, err := ch.submit(ctx, &channelCall{method: m, reply: make(chan *callReply, 1)})
	endSpan(span, err)
	return err
}

func (ch *Channel) submit(ctx context.Context, call *channelCall) (*Method, error) {
	if ch.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ch.timeout)
		defer cancel()
	}
	select {
	case ch.calls <- call:
	case <-ch.done:
		return nil, ch.exitError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-call.reply:
		return rep.method, rep.err
	case <-ch.done:
		// 事件循环可能在应答后立刻终止，优先取应答
		select {
		case rep := <-call.reply:
			return rep.method, rep.err
		default:
		}
		return nil, ch.exitError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ch *Channel) exitError() error {
	if ch.err != nil {
		return ch.err
	}
	return ErrChannelClosed
}

// halt 无条件停止事件循环，由所属连接在拆除时调用
func (ch *Channel) halt() {
	ch.stopOnce.Do(func() { close(ch.stop) })
}

// finish 终结 channel：拆除传输绑定、记录退出原因并上报给连接。
// 只有首次调用生效
func (ch *Channel) finish(reason error) {
	ch.exitOnce.Do(func() {
		ch.closeBinding()
		ch.err = reason
		close(ch.done)
		ch.report(ch, reason)
	})
}

// abort 以给定原因终结 channel 但不上报，由连接在拆除时调用，
// 避免拆除期间向自身邮箱回投
func (ch *Channel) abort(reason error) {
	ch.exitOnce.Do(func() {
		ch.closeBinding()
		ch.err = reason
		close(ch.done)
	})
}

func (ch *Channel) transmit(call *channelCall) error {
	if call.content != nil {
		return ch.sendContent(call.method, call.content)
	}
	return ch.send(call.method)
}

// run channel 的事件循环
func (ch *Channel) run() {
	var pending []*channelCall
	var inflight *channelCall

	// 终结前把所有排队调用以同一原因回绝
	flush := func(err error) {
		if inflight != nil {
			inflight.reply <- &callReply{err: err}
			inflight = nil
		}
		for _, call := range pending {
			call.reply <- &callReply{err: err}
		}
		pending = nil
	}

	for {
		if inflight == nil && len(pending) > 0 {
			next := pending[0]
			pending = pending[1:]
			if err := ch.transmit(next); err != nil {
				terr := &TransportError{Op: "send", Err: err}
				next.reply <- &callReply{err: terr}
				flush(terr)
				ch.finish(terr)
				return
			}
			if next.oneway {
				next.reply <- &callReply{}
			} else {
				inflight = next
			}
			continue
		}

		select {
		case <-ch.stop:
			flush(ErrChannelClosed)
			ch.finish(nil)
			return
		case call := <-ch.calls:
			pending = append(pending, call)
		case in := <-ch.inbound:
			m := in.Method
			switch {
			case m.is(classChannel, nameClose):
				// 服务端关闭本 channel，应答后按原因终止。
				// 应答码 200 视作正常关闭
				if err := ch.send(closeChannelOK()); err != nil {
					ch.logger.Warnf("channel %d: close-ok: %v", ch.number, err)
				}
				if m.Code == ReplySuccess {
					flush(ErrChannelClosed)
					ch.finish(nil)
					return
				}
				reason := exceptionFromCode(classChannel, m.Code, m.Text)
				flush(reason)
				ch.finish(reason)
				return
			case inflight != nil && m.isReplyTo(inflight.method):
				wasClose := inflight.method.is(classChannel, nameClose)
				inflight.reply <- &callReply{method: m}
				inflight = nil
				if wasClose {
					ch.finish(nil)
					return
				}
			default:
				// 应答类方法不会由服务端主动发起，错配的应答让在途调用失败
				if !m.hasReply() {
					if inflight != nil {
						inflight.reply <- &callReply{err: &ProtocolViolation{
							Expected: inflight.method.String() + replySuffix,
							Got:      m.String(),
						}}
						inflight = nil
					} else {
						ch.logger.Warnf("channel %d: drop unsolicited reply %s", ch.number, m)
					}
					continue
				}
				select {
				case ch.recv <- in:
				default:
					ch.logger.Warnf("channel %d: recv queue full, drop %s", ch.number, m)
				}
			}
		}
	}
}

// channelExit channel 终止后投递给连接事件循环的通知
type channelExit struct {
	ch     *Channel
	reason error
}
