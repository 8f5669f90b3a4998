package zamq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// 异常终止后与服务端完成 close 握手的宽限时间
const closeGrace = 2 * time.Second

// 连接事件循环的邮箱消息

type openChannelReq struct {
	ctx    context.Context
	number uint16
	oob    string
	reply  chan *openChannelRep
}

type openChannelRep struct {
	ch  *Channel
	err error
}

type closeReq struct {
	ctx    context.Context
	reason *CloseReason
	reply  chan error
}

type channelsReq struct {
	reply chan []uint16
}

// forcedCloseEvent 服务端发起的 connection.close
type forcedCloseEvent struct {
	reason *CloseReason
}

// transportFailureEvent 底层传输失效
type transportFailureEvent struct {
	err error
}

// Connection 到 broker 的一条连接。所有操作都经由单个事件循环
// 串行处理，channel 编号表只在该循环内读写
type Connection struct {
	identity string
	kind     DriverKind
	driver   Driver

	// 以下状态仅由事件循环读写
	vhost      string
	channelMax uint16
	registry   *channelRegistry

	mailbox chan interface{}
	done    chan struct{}
	err     error

	logger Logger
	opts   *options
}

// Kind 返回连接的传输类型
func (conn *Connection) Kind() DriverKind {
	return conn.kind
}

// Identity 返回连接标识
func (conn *Connection) Identity() string {
	return conn.identity
}

// VHost 返回连接所在的 vhost
func (conn *Connection) VHost() string {
	return conn.vhost
}

// ChannelMax 返回协商后的 channel 编号上限，0 表示不限制
func (conn *Connection) ChannelMax() uint16 {
	return conn.channelMax
}

// Done 在连接终止后关闭
func (conn *Connection) Done() <-chan struct{} {
	return conn.done
}

// Err 返回连接的终止原因。正常关闭为 nil，连接未终止时也为 nil
func (conn *Connection) Err() error {
	select {
	case <-conn.done:
		return conn.err
	default:
		return nil
	}
}

// OpenChannel 打开一个新 channel，编号自动分配
func (conn *Connection) OpenChannel() (*Channel, error) {
	return conn.OpenChannelWithContext(context.Background(), 0, "")
}

// OpenChannelWithContext 打开一个新 channel。number 为 0 时取当前
// 最大编号 +1，否则使用指定编号；outOfBand 原样传给服务端。
// 同一连接上的 open 串行执行
func (conn *Connection) OpenChannelWithContext(ctx context.Context, number uint16, outOfBand string) (*Channel, error) {
	ctx, span := startSpan(ctx, "zamq.open_channel", connAttrs(conn)...)
	ch, err := conn.openChannel(ctx, number, outOfBand)
	if err == nil {
		span.SetAttributes(attribute.Int("messaging.channel", int(ch.number)))
	}
	endSpan(span, err)
	return ch, err
}

func (conn *Connection) openChannel(ctx context.Context, number uint16, oob string) (*Channel, error) {
	req := &openChannelReq{ctx: ctx, number: number, oob: oob, reply: make(chan *openChannelRep, 1)}
	if !conn.post(req) {
		return nil, conn.exitError()
	}
	select {
	case rep := <-req.reply:
		return rep.ch, rep.err
	case <-conn.done:
		// 事件循环可能在应答后立刻终止，优先取应答
		select {
		case rep := <-req.reply:
			return rep.ch, rep.err
		default:
		}
		return nil, conn.exitError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 关闭连接：停掉所有 channel 并与服务端完成 connection.close
// 握手。reason 为 nil 时使用 (200) Normal shutdown。
// 关闭后的任何操作都返回 ErrConnectionClosed
func (conn *Connection) Close(reason *CloseReason) error {
	return conn.CloseWithContext(context.Background(), reason)
}

func (conn *Connection) CloseWithContext(ctx context.Context, reason *CloseReason) error {
	if reason == nil {
		reason = &CloseReason{Code: ReplySuccess, Text: "Normal shutdown"}
	}
	ctx, span := startSpan(ctx, "zamq.close_connection", connAttrs(conn)...)
	err := conn.close(ctx, reason)
	endSpan(span, err)
	return err
}

func (conn *Connection) close(ctx context.Context, reason *CloseReason) error {
	req := &closeReq{ctx: ctx, reason: reason, reply: make(chan error, 1)}
	if !conn.post(req) {
		return ErrConnectionClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-conn.done:
		select {
		case err := <-req.reply:
			return err
		default:
		}
		return conn.exitError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channels 返回当前登记的 channel 编号，升序
func (conn *Connection) Channels() ([]uint16, error) {
	req := &channelsReq{reply: make(chan []uint16, 1)}
	if !conn.post(req) {
		return nil, conn.exitError()
	}
	select {
	case numbers := <-req.reply:
		sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
		return numbers, nil
	case <-conn.done:
		return nil, conn.exitError()
	}
}

func (conn *Connection) post(msg interface{}) bool {
	select {
	case conn.mailbox <- msg:
		return true
	case <-conn.done:
		return false
	}
}

func (conn *Connection) exitError() error {
	if conn.err != nil {
		return conn.err
	}
	return ErrConnectionClosed
}

// serve 连接事件循环，消息严格按到达顺序处理
func (conn *Connection) serve() {
	defer conn.flushMailbox()
	for {
		switch msg := (<-conn.mailbox).(type) {
		case *openChannelReq:
			if conn.handleOpen(msg) {
				return
			}
		case *channelExit:
			if conn.handleExit(msg) {
				return
			}
		case *closeReq:
			conn.handleClose(msg)
			return
		case *forcedCloseEvent:
			conn.handleForcedClose(msg)
			return
		case *transportFailureEvent:
			conn.handleTransportFailure(msg)
			return
		case *channelsReq:
			msg.reply <- conn.registry.numbers()
		}
	}
}

// flushMailbox 事件循环退出后回绝仍在邮箱中的请求。
// 与 post 存在竞争，晚到的请求由发起方的 done 分支兜底
func (conn *Connection) flushMailbox() {
	for {
		select {
		case msg := <-conn.mailbox:
			switch req := msg.(type) {
			case *openChannelReq:
				req.reply <- &openChannelRep{err: conn.exitError()}
			case *closeReq:
				req.reply <- conn.exitError()
			}
		default:
			return
		}
	}
}

func (conn *Connection) handleOpen(req *openChannelReq) (fatal bool) {
	number := req.number
	if number == 0 {
		if number = conn.registry.nextNumber(); number == 0 {
			req.reply <- &openChannelRep{err: ErrChannelsExhausted}
			return false
		}
	} else if _, ok := conn.registry.lookup(number); ok {
		req.reply <- &openChannelRep{err: ErrChannelNumInUse}
		return false
	}
	if conn.channelMax > 0 && number > conn.channelMax {
		req.reply <- &openChannelRep{err: ErrChannelMax}
		return false
	}

	ch := newChannel(conn.identity, number, req.oob, conn.logger, conn.opts.RPCTimeout)
	ch.send = func(m *Method) error { return conn.driver.Send(number, m) }
	ch.sendContent = func(m *Method, c *Content) error { return conn.driver.SendContent(number, m, c) }
	ch.closeBinding = func() { conn.driver.CloseChannel(number) }
	ch.report = func(c *Channel, reason error) { conn.post(&channelExit{ch: c, reason: reason}) }
	go ch.run()

	if err := conn.driver.OpenChannel(ch); err != nil {
		ch.halt()
		req.reply <- &openChannelRep{err: err}
		return false
	}

	if !conn.registry.register(number, ch) {
		viol := &InvariantViolation{Detail: fmt.Sprintf("channel %d registered twice", number)}
		conn.logger.Errorf("connection %s: %v", conn.identity, viol)
		req.reply <- &openChannelRep{err: viol}
		ch.halt()
		conn.terminate(viol, true)
		return true
	}

	// channel.open 在此同步等待应答，open 彼此串行。
	// 等待期间事件循环被占用，无界的 ctx 以握手超时兜底
	octx := req.ctx
	if _, ok := octx.Deadline(); !ok {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(octx, conn.opts.HandshakeTimeout)
		defer cancel()
	}
	open := openChannelMethod(req.oob)
	if _, err := ch.submit(octx, &channelCall{method: open, reply: make(chan *callReply, 1)}); err != nil {
		// 超时即应答缺失，按协议违例上报
		if errors.Is(err, context.DeadlineExceeded) {
			err = &ProtocolViolation{Expected: open.String() + replySuffix, Err: err}
		}
		conn.registry.erase(number)
		ch.halt()
		req.reply <- &openChannelRep{err: err}
		return false
	}
	req.reply <- &openChannelRep{ch: ch}
	return false
}

// handleExit 按退出原因分类处理 channel 的终止通知：
// 正常关闭和 channel 级异常只注销该 channel，连接级异常和
// 传输失效终止整个连接，其他异常记录后注销
func (conn *Connection) handleExit(x *channelExit) (fatal bool) {
	number, registered := conn.registry.numberOf(x.ch)
	switch reason := x.reason.(type) {
	case nil:
		conn.logger.Debugf("connection %s: channel %d closed", conn.identity, x.ch.number)
	case *ProtocolException:
		if reason.Hard() {
			conn.logger.Errorf("connection %s: channel %d fatal exception: %v", conn.identity, x.ch.number, reason)
			conn.terminate(&HardProtocolError{Code: reason.Code(), Text: reason.Message}, true)
			return true
		}
		conn.logger.Warnf("connection %s: channel %d exception: %v", conn.identity, x.ch.number, reason)
	case *TransportError:
		conn.logger.Errorf("connection %s: channel %d transport failure: %v", conn.identity, x.ch.number, reason)
		conn.terminate(reason, false)
		return true
	default:
		conn.logger.Errorf("connection %s: channel %d abnormal exit: %v", conn.identity, x.ch.number, reason)
	}
	if registered {
		conn.registry.erase(number)
	}
	x.ch.halt()
	return false
}

func (conn *Connection) handleClose(req *closeReq) {
	conn.logger.Infof("connection %s: closing: %s", conn.identity, req.reason)
	conn.stopChannels(ErrConnectionClosed)
	cctx := req.ctx
	if _, ok := cctx.Deadline(); !ok {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, conn.opts.HandshakeTimeout)
		defer cancel()
	}
	err := conn.driver.CloseConnection(cctx, req.reason)
	conn.err = nil
	req.reply <- err
	close(conn.done)
}

// handleForcedClose 服务端主动关闭连接。这是预期内的终止路径：
// 应答 close-ok 后正常退出，非 200 的原因保留在 Err 中
func (conn *Connection) handleForcedClose(ev *forcedCloseEvent) {
	reason := ev.reason
	conn.logger.Infof("connection %s: closed by server: %s", conn.identity, reason)
	var cause error = ErrConnectionClosed
	if reason.Code != ReplySuccess {
		cause = &HardProtocolError{Code: reason.Code, Text: reason.Text}
	}
	conn.stopChannels(cause)
	conn.driver.HandleForcedClose(reason)
	if reason.Code != ReplySuccess {
		conn.err = cause
	}
	close(conn.done)
}

func (conn *Connection) handleTransportFailure(ev *transportFailureEvent) {
	terr := &TransportError{Op: "recv", Err: ev.err}
	conn.logger.Errorf("connection %s: %v", conn.identity, terr)
	conn.terminate(terr, false)
}

// terminate 异常终止连接。closeDriver 为 true 时尽力与服务端完成
// close 握手；传输已不可用时只释放本地资源，不再做协议交互
func (conn *Connection) terminate(cause error, closeDriver bool) {
	conn.stopChannels(cause)
	if closeDriver {
		reason := &CloseReason{Code: InternalError, Text: cause.Error()}
		if hard, ok := cause.(*HardProtocolError); ok {
			reason = &CloseReason{Code: hard.Code, Text: hard.Text}
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		if err := conn.driver.CloseConnection(ctx, reason); err != nil {
			conn.logger.Warnf("connection %s: close after failure: %v", conn.identity, err)
		}
		cancel()
	} else {
		conn.driver.abort()
	}
	conn.err = cause
	close(conn.done)
}

// stopChannels 以给定原因终结所有 channel 并清空编号表
func (conn *Connection) stopChannels(cause error) {
	conn.registry.each(func(number uint16, ch *Channel) {
		ch.abort(cause)
		ch.halt()
	})
	conn.registry.clear()
}
