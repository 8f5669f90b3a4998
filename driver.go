package zamq

import (
	"context"
	"math/rand"
	"sync"

	"github.com/hunyxv/utils/spinlock"
	"github.com/pkg/errors"
)

// DriverKind 传输驱动类型
type DriverKind int

const (
	// DriverNetwork 通过 zmq 连接独立部署的 broker
	DriverNetwork DriverKind = iota + 1
	// DriverDirect 直连进程内 broker
	DriverDirect
)

func (k DriverKind) String() string {
	switch k {
	case DriverNetwork:
		return "network"
	case DriverDirect:
		return "direct"
	}
	return "unknown"
}

// Driver 屏蔽两种传输形态的差异。除 Handshake 外，
// 所有方法都由连接事件循环或 channel 调用。
type Driver interface {
	// Kind 返回驱动类型
	Kind() DriverKind
	// Handshake 建连握手，返回协商后的 channel 编号上限
	Handshake(ctx context.Context) (channelMax uint16, err error)
	// OpenChannel 为 channel 建立传输绑定（编号到入站队列的路由）
	OpenChannel(ch *Channel) error
	// CloseChannel 拆除编号对应的传输绑定
	CloseChannel(number uint16)
	// Send 在指定 channel 上发送方法
	Send(number uint16, m *Method) error
	// SendContent 在指定 channel 上发送方法及 content
	SendContent(number uint16, m *Method, c *Content) error
	// CloseConnection 与服务端完成 connection.close 握手并释放传输资源
	CloseConnection(ctx context.Context, reason *CloseReason) error
	// HandleForcedClose 应答服务端发起的 connection.close 并释放传输资源
	HandleForcedClose(reason *CloseReason)

	// abort 释放传输资源，不做任何协议交互
	abort()
}

// authInfo 握手凭据，握手完成后不再使用
type authInfo struct {
	username   string
	password   string
	vhost      string
	channelMax uint16
}

// demux 将入站方法按 channel 编号分发到各自的入站队列
type demux struct {
	lock   sync.Locker
	routes map[uint16]chan *Delivery
	logger Logger
}

func newDemux(logger Logger) *demux {
	return &demux{
		lock:   spinlock.NewSpinLock(),
		routes: make(map[uint16]chan *Delivery),
		logger: logger,
	}
}

func (d *demux) bind(number uint16, in chan *Delivery) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.routes[number] = in
}

func (d *demux) unbind(number uint16) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.routes, number)
}

// deliver 投递入站方法。绑定不存在或队列已满时丢弃并告警
func (d *demux) deliver(number uint16, delivery *Delivery) {
	d.lock.Lock()
	in, ok := d.routes[number]
	d.lock.Unlock()
	if !ok {
		d.logger.Warnf("demux: drop %s for unknown channel %d", delivery.Method, number)
		return
	}
	select {
	case in <- delivery:
	default:
		d.logger.Warnf("demux: channel %d inbound queue full, drop %s", number, delivery.Method)
	}
}

// resolveDriver 按连接类型构造驱动
func resolveDriver(kind DriverKind, host string, auth *authInfo, opts *options, notify func(interface{}) bool) (Driver, error) {
	switch kind {
	case DriverDirect:
		broker := opts.Broker
		if broker == nil {
			var err error
			broker, err = DefaultBroker()
			if err != nil {
				return nil, err
			}
		}
		return newDirectDriver(opts.Identity, broker, auth, notify, opts.Logger), nil
	case DriverNetwork:
		endpoint := host
		if endpoint == "" {
			if opts.Locator == nil {
				return nil, ErrNoEndpoint
			}
			endpoints, err := opts.Locator.Locate(opts.LocatorService)
			if err != nil {
				return nil, err
			}
			if len(endpoints) == 0 {
				return nil, ErrNoEndpoint
			}
			endpoint = endpoints[rand.Intn(len(endpoints))]
		}
		return newNetworkDriver(opts.Identity, opts.ServerIdentity, endpoint, auth, notify, opts.Logger)
	}
	return nil, errors.Errorf("zamq: unknown driver kind: %d", kind)
}
