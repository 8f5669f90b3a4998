package zamq

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/hunyxv/utils/spinlock"
	"github.com/panjf2000/ants/v2"
	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	defaultBroker     *InprocBroker
	defaultBrokerErr  error
	defaultBrokerOnce sync.Once
)

// DefaultBroker 返回进程级默认 broker，首次调用时创建。
// 未通过 WithBroker 指定 broker 的 direct 连接都会接入它
func DefaultBroker() (*InprocBroker, error) {
	defaultBrokerOnce.Do(func() {
		defaultBroker, defaultBrokerErr = NewInprocBroker()
	})
	return defaultBroker, defaultBrokerErr
}

// Handler 处理业务方法。返回的 method（连同可选的 content）会回发给
// 客户端，同步调用的应答名须为请求名 + "-ok"；返回 nil 表示无应答。
// 返回 error 时 broker 以 precondition-failed 关闭该 channel
type Handler func(ch *BrokerChannel, m *Method, c *Content) (*Method, *Content, error)

type BrokerOption func(opt *brokerOptions)

type brokerOptions struct {
	Identity   string            // broker 的连接标识
	ChannelMax uint16            // 服务端 channel 编号上限
	Users      map[string]string // 用户名到密码，空表示不校验
	VHosts     []string          // 可用的 vhost
	PoolSize   int               // 会话工作池大小，即最大并发连接数
	Handler    Handler           // 业务方法处理函数
	Logger     Logger
}

// WithBrokerIdentity 设置 broker 的连接标识
func WithBrokerIdentity(id string) BrokerOption {
	return func(opt *brokerOptions) {
		opt.Identity = id
	}
}

// WithBrokerChannelMax 设置服务端 channel 编号上限
func WithBrokerChannelMax(max uint16) BrokerOption {
	return func(opt *brokerOptions) {
		opt.ChannelMax = max
	}
}

// WithBrokerUsers 启用握手凭据校验
func WithBrokerUsers(users map[string]string) BrokerOption {
	return func(opt *brokerOptions) {
		opt.Users = users
	}
}

// WithBrokerVHosts 设置可用的 vhost
func WithBrokerVHosts(vhosts ...string) BrokerOption {
	return func(opt *brokerOptions) {
		opt.VHosts = vhosts
	}
}

// WithBrokerPoolSize 设置会话工作池大小
func WithBrokerPoolSize(size int) BrokerOption {
	return func(opt *brokerOptions) {
		opt.PoolSize = size
	}
}

// WithBrokerHandler 设置业务方法处理函数
func WithBrokerHandler(h Handler) BrokerOption {
	return func(opt *brokerOptions) {
		opt.Handler = h
	}
}

// WithBrokerLogger 设置 logger
func WithBrokerLogger(logger Logger) BrokerOption {
	return func(opt *brokerOptions) {
		opt.Logger = logger
	}
}

// BrokerStats broker 运行情况
type BrokerStats struct {
	Sessions int // 活跃连接数
	Running  int // 工作池中正在运行的 worker 数
	Capacity int // 工作池容量
}

// InprocBroker 进程内 broker。direct 连接直接接入，
// 也可通过 ListenZMQ 暴露 zmq 端点服务 network 连接
type InprocBroker struct {
	opts *brokerOptions
	pool *ants.Pool

	lock     sync.Locker
	sessions map[string]*brokerSession

	frontend  frameSocket
	done      chan struct{}
	closeOnce sync.Once
	logger    Logger
}

func NewInprocBroker(opts ...BrokerOption) (*InprocBroker, error) {
	defopts := &brokerOptions{
		Identity:   defaultServerIdentity,
		ChannelMax: DefaultChannelMax,
		VHosts:     []string{DefaultVHost},
		PoolSize:   128,
		Logger:     defaultLogger(),
	}
	for _, f := range opts {
		f(defopts)
	}

	pool, err := ants.NewPool(defopts.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.WithMessage(err, "zamq: new session pool")
	}
	return &InprocBroker{
		opts:     defopts,
		pool:     pool,
		lock:     spinlock.NewSpinLock(),
		sessions: make(map[string]*brokerSession),
		done:     make(chan struct{}),
		logger:   defopts.Logger,
	}, nil
}

// Identity 返回 broker 的连接标识
func (b *InprocBroker) Identity() string {
	return b.opts.Identity
}

type connectRequest struct {
	identity   string
	username   string
	password   string
	vhost      string
	channelMax uint16
	deliver    func(channel uint16, m *Method, c *Content)
}

// connect 建立会话：校验凭据和 vhost、协商 channel 编号上限，
// 然后把会话交给工作池驱动
func (b *InprocBroker) connect(req *connectRequest) (*brokerSession, uint16, error) {
	select {
	case <-b.done:
		return nil, 0, ErrBrokerClosed
	default:
	}

	if len(b.opts.Users) > 0 {
		pw, ok := b.opts.Users[req.username]
		if !ok || pw != req.password {
			return nil, 0, errors.Errorf("zamq: access refused for user %q", req.username)
		}
	}
	var vhostOK bool
	for _, v := range b.opts.VHosts {
		if v == req.vhost {
			vhostOK = true
			break
		}
	}
	if !vhostOK {
		return nil, 0, errors.Errorf("zamq: access refused to vhost %q", req.vhost)
	}

	// 0 表示不限制，两端都给出上限时取较小者
	channelMax := b.opts.ChannelMax
	if channelMax == 0 {
		channelMax = req.channelMax
	} else if req.channelMax > 0 {
		channelMax = minU16(channelMax, req.channelMax)
	}

	s := &brokerSession{
		id:         req.identity,
		vhost:      req.vhost,
		channelMax: channelMax,
		broker:     b,
		out:        req.deliver,
		mailbox:    make(chan *sessionMsg, 128),
		done:       make(chan struct{}),
		lock:       spinlock.NewSpinLock(),
		channels:   make(map[uint16]*BrokerChannel),
		logger:     b.logger,
	}

	b.lock.Lock()
	if _, ok := b.sessions[req.identity]; ok {
		b.lock.Unlock()
		return nil, 0, errors.Errorf("zamq: identity %q already connected", req.identity)
	}
	b.sessions[req.identity] = s
	b.lock.Unlock()

	if err := b.pool.Submit(s.run); err != nil {
		b.removeSession(req.identity)
		return nil, 0, errors.WithMessage(err, "zamq: broker at capacity")
	}
	b.logger.Infof("broker: connection %s open on vhost %s", req.identity, req.vhost)
	return s, channelMax, nil
}

func (b *InprocBroker) removeSession(id string) {
	b.lock.Lock()
	delete(b.sessions, id)
	b.lock.Unlock()
}

func (b *InprocBroker) session(id string) (*brokerSession, bool) {
	b.lock.Lock()
	s, ok := b.sessions[id]
	b.lock.Unlock()
	return s, ok
}

// ForceCloseConnection 服务端主动关闭某个连接
func (b *InprocBroker) ForceCloseConnection(identity string, code uint16, text string) error {
	s, ok := b.session(identity)
	if !ok {
		return errors.Errorf("zamq: no such connection: %s", identity)
	}
	select {
	case s.mailbox <- &sessionMsg{forceClose: &CloseReason{Code: code, Text: text}}:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// CloseChannelFromServer 服务端主动关闭某个 channel
func (b *InprocBroker) CloseChannelFromServer(identity string, number uint16, code uint16, text string) error {
	s, ok := b.session(identity)
	if !ok {
		return errors.Errorf("zamq: no such connection: %s", identity)
	}
	select {
	case s.mailbox <- &sessionMsg{channel: number, channelClose: &CloseReason{Code: code, Text: text}}:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// Stats 返回 broker 运行情况
func (b *InprocBroker) Stats() BrokerStats {
	b.lock.Lock()
	n := len(b.sessions)
	b.lock.Unlock()
	return BrokerStats{Sessions: n, Running: b.pool.Running(), Capacity: b.pool.Cap()}
}

// Close 关闭 broker：强制关闭所有会话并回收工作池
func (b *InprocBroker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.lock.Lock()
		sessions := make([]*brokerSession, 0, len(b.sessions))
		for _, s := range b.sessions {
			sessions = append(sessions, s)
		}
		b.lock.Unlock()
		for _, s := range sessions {
			select {
			case s.mailbox <- &sessionMsg{forceClose: &CloseReason{Code: ConnectionForced, Text: "broker shutting down"}}:
			case <-s.done:
			}
		}
		if b.frontend != nil {
			b.frontend.Close()
		}
		b.pool.Release()
	})
}

// ListenZMQ 在 endpoint 上暴露 zmq 端点，服务 network 连接
func (b *InprocBroker) ListenZMQ(endpoint string) error {
	soc, err := newSocket(b.opts.Identity, zmq.ROUTER, frontend, endpoint)
	if err != nil {
		return err
	}
	b.frontend = soc
	go b.serveZMQ(soc)
	b.logger.Infof("broker: listening on %s", endpoint)
	return nil
}

func (b *InprocBroker) serveZMQ(soc frameSocket) {
	for {
		select {
		case <-b.done:
			return
		case err := <-soc.Errors():
			b.logger.Errorf("broker: zmq error: %v", err)
		case msg := <-soc.Recv():
			f := unwrap(msg)
			if f == nil {
				b.logger.Warnf("broker: drop malformed message of %d frames", len(msg))
				continue
			}
			var p *Pack
			if err := msgpack.Unmarshal(f.raw, &p); err != nil {
				b.logger.Warnf("broker: drop undecodable pack from %s: %v", f.from, err)
				continue
			}
			if p == nil {
				b.logger.Warnf("broker: drop empty pack from %s", f.from)
				continue
			}
			if p.Identity != f.from {
				b.logger.Warnf("broker: pack identity %q does not match sender %q", p.Identity, f.from)
				continue
			}
			b.handlePack(f.from, p)
		}
	}
}

func (b *InprocBroker) handlePack(from string, p *Pack) {
	switch p.Stage {
	case HANDSHAKE:
		b.handshakeZMQ(from, p)
	case METHOD, CONTENT:
		s, ok := b.session(from)
		if !ok {
			b.logger.Warnf("broker: drop pack from unknown connection %s", from)
			return
		}
		m, c, err := unpackMethod(p)
		if err != nil {
			b.logger.Warnf("broker: drop pack from %s: %v", from, err)
			return
		}
		if err := s.Deliver(p.Channel, m, c); err != nil {
			b.logger.Warnf("broker: connection %s: %v", from, err)
		}
	default:
		b.logger.Warnf("broker: drop pack with unknown stage %q", STAGE_NAME[p.Stage])
	}
}

func (b *InprocBroker) handshakeZMQ(from string, p *Pack) {
	// 客户端会重发握手包，已有会话直接重放应答
	if s, ok := b.session(from); ok {
		b.replyHandshakeOK(from, s.channelMax)
		return
	}

	out := func(channel uint16, m *Method, c *Content) {
		pk, err := packMethod(b.opts.Identity, channel, m, c)
		if err != nil {
			b.logger.Errorf("broker: marshal method for %s: %v", from, err)
			return
		}
		raw, err := msgpack.Marshal(pk)
		if err != nil {
			b.logger.Errorf("broker: marshal pack for %s: %v", from, err)
			return
		}
		b.pushZMQ(from, raw)
	}

	_, channelMax, err := b.connect(&connectRequest{
		identity:   from,
		username:   p.Get(USERNAME),
		password:   p.Get(PASSWORD),
		vhost:      p.Get(VHOST),
		channelMax: parseU16(p.Get(CHANNELMAX)),
		deliver:    out,
	})
	if err != nil {
		rep := &Pack{Identity: b.opts.Identity, Stage: HANDSHAKE_ERR}
		rep.Set(ERRTEXT, err.Error())
		raw, _ := msgpack.Marshal(rep)
		b.pushZMQ(from, raw)
		return
	}
	b.replyHandshakeOK(from, channelMax)
}

func (b *InprocBroker) replyHandshakeOK(to string, channelMax uint16) {
	rep := &Pack{Identity: b.opts.Identity, Stage: HANDSHAKE_OK}
	rep.Set(CHANNELMAX, strconv.FormatUint(uint64(channelMax), 10))
	raw, _ := msgpack.Marshal(rep)
	b.pushZMQ(to, raw)
}

// pushZMQ 经前端 socket 回发。broker 关闭后 socket 不再消费
// 发送队列，迟到的应答直接丢弃
func (b *InprocBroker) pushZMQ(to string, raw []byte) {
	select {
	case b.frontend.Send() <- [][]byte{[]byte(to), raw}:
	case <-b.done:
	}
}

type sessionMsg struct {
	channel uint16
	method  *Method
	content *Content

	// 服务端主动操作
	forceClose   *CloseReason
	channelClose *CloseReason
}

// brokerSession 服务端视角的一条连接。方法处理由单个 worker
// 串行执行，保证会话内 FIFO
type brokerSession struct {
	id         string
	vhost      string
	channelMax uint16

	broker  *InprocBroker
	out     func(channel uint16, m *Method, c *Content)
	mailbox chan *sessionMsg
	done    chan struct{}
	endOnce sync.Once

	lock     sync.Locker
	channels map[uint16]*BrokerChannel

	logger Logger
}

// Deliver 向会话投递一个入站方法
func (s *brokerSession) Deliver(channel uint16, m *Method, c *Content) error {
	select {
	case <-s.done:
		return errSessionClosed
	case s.mailbox <- &sessionMsg{channel: channel, method: m, content: c}:
		return nil
	}
}

func (s *brokerSession) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.mailbox:
			s.handle(msg)
		}
	}
}

func (s *brokerSession) handle(msg *sessionMsg) {
	if msg.forceClose != nil {
		s.forceClose(msg.forceClose)
		return
	}
	if msg.channelClose != nil {
		s.closeChannelFromServer(msg.channel, msg.channelClose)
		return
	}
	if msg.method == nil {
		s.logger.Warnf("broker: connection %s: drop empty message", s.id)
		return
	}
	if msg.channel == 0 {
		s.handleConn(msg.method)
		return
	}
	s.handleChannel(msg.channel, msg.method, msg.content)
}

func (s *brokerSession) handleConn(m *Method) {
	switch {
	case m.is(classConnection, nameClose):
		s.out(0, closeConnectionOK(), nil)
		s.logger.Infof("broker: connection %s closed: (%d) %s", s.id, m.Code, m.Text)
		s.teardown()
	case m.is(classConnection, nameCloseOK):
		s.teardown()
	default:
		s.forceClose(&CloseReason{Code: CommandInvalid, Text: fmt.Sprintf("unexpected connection method %s", m)})
	}
}

func (s *brokerSession) handleChannel(number uint16, m *Method, c *Content) {
	switch {
	case m.is(classChannel, nameOpen):
		if s.channelMax > 0 && number > s.channelMax {
			s.forceClose(&CloseReason{Code: CommandInvalid, Text: fmt.Sprintf("channel number %d exceeds channel-max %d", number, s.channelMax)})
			return
		}
		s.lock.Lock()
		_, dup := s.channels[number]
		if !dup {
			s.channels[number] = &BrokerChannel{session: s, number: number}
		}
		s.lock.Unlock()
		if dup {
			s.forceClose(&CloseReason{Code: ChannelError, Text: fmt.Sprintf("second 'channel.open' seen on channel %d", number)})
			return
		}
		s.out(number, openChannelOK(), nil)
	case m.is(classChannel, nameClose):
		s.lock.Lock()
		_, ok := s.channels[number]
		delete(s.channels, number)
		s.lock.Unlock()
		if !ok {
			s.forceClose(&CloseReason{Code: ChannelError, Text: fmt.Sprintf("'channel.close' on unopened channel %d", number)})
			return
		}
		s.out(number, closeChannelOK(), nil)
	case m.is(classChannel, nameCloseOK):
		// 客户端应答了服务端发起的 channel.close
		s.lock.Lock()
		delete(s.channels, number)
		s.lock.Unlock()
	default:
		s.lock.Lock()
		bc, ok := s.channels[number]
		s.lock.Unlock()
		if !ok {
			s.forceClose(&CloseReason{Code: ChannelError, Text: fmt.Sprintf("expected 'channel.open' on channel %d", number)})
			return
		}
		if s.broker.opts.Handler == nil {
			s.forceClose(&CloseReason{Code: NotImplemented, Text: "not implemented: " + m.String()})
			return
		}
		rep, rc, err := s.broker.opts.Handler(bc, m, c)
		if err != nil {
			// 业务失败默认按 precondition-failed 关闭 channel，
			// Handler 返回 *ProtocolException 时用其应答码。
			// channel 条目保留到客户端应答 close-ok
			code, text := PreconditionFailed, err.Error()
			var exc *ProtocolException
			if errors.As(err, &exc) {
				code, text = exc.Code(), exc.Message
			}
			s.out(number, closeChannelMethod(code, text), nil)
			return
		}
		if rep != nil {
			s.out(number, rep, rc)
		}
	}
}

// forceClose 通知客户端后立即拆除会话，不等待 close-ok
func (s *brokerSession) forceClose(reason *CloseReason) {
	s.logger.Warnf("broker: force closing connection %s: (%d) %s", s.id, reason.Code, reason.Text)
	s.out(0, closeConnectionMethod(reason.Code, reason.Text), nil)
	s.teardown()
}

func (s *brokerSession) closeChannelFromServer(number uint16, reason *CloseReason) {
	s.lock.Lock()
	_, ok := s.channels[number]
	s.lock.Unlock()
	if !ok {
		s.logger.Warnf("broker: connection %s has no channel %d to close", s.id, number)
		return
	}
	// 条目保留到客户端应答 close-ok
	s.out(number, closeChannelMethod(reason.Code, reason.Text), nil)
}

func (s *brokerSession) teardown() {
	s.endOnce.Do(func() {
		close(s.done)
		s.broker.removeSession(s.id)
	})
}

// BrokerChannel 服务端视角的 channel，交给 Handler 使用
type BrokerChannel struct {
	session *brokerSession
	number  uint16
}

// Number 返回 channel 编号
func (bc *BrokerChannel) Number() uint16 { return bc.number }

// Connection 返回所属连接的标识
func (bc *BrokerChannel) Connection() string { return bc.session.id }

// VHost 返回所属连接的 vhost
func (bc *BrokerChannel) VHost() string { return bc.session.vhost }

// Push 服务端主动向该 channel 推送方法
func (bc *BrokerChannel) Push(m *Method, c *Content) {
	bc.session.out(bc.number, m, c)
}
