package zamq

import "time"

const (
	// DefaultChannelMax 默认的 channel 编号上限
	DefaultChannelMax uint16 = 2047
	// DefaultVHost 默认 vhost
	DefaultVHost = "/"

	defaultHandshakeTimeout = 10 * time.Second
	defaultServerIdentity   = "zamq-broker"
)

type Option func(opt *options)

type options struct {
	Identity         string        // 连接标识，需全局唯一
	VHost            string        // 目标 vhost
	ChannelMax       uint16        // 客户端期望的 channel 编号上限
	HandshakeTimeout time.Duration // 建连握手超时
	RPCTimeout       time.Duration // 同步调用超时，0 表示一直等待
	Logger           Logger        // logger
	Broker           *InprocBroker // 进程内 broker（direct 连接）
	Locator          Locator       // 服务发现（network 连接）
	LocatorService   string        // 服务发现中的服务名
	ServerIdentity   string        // 对端 broker 的连接标识（network 连接）
}

func defaultOptions() *options {
	return &options{
		Identity:         "conn-" + NewMessageID(),
		VHost:            DefaultVHost,
		ChannelMax:       DefaultChannelMax,
		HandshakeTimeout: defaultHandshakeTimeout,
		Logger:           defaultLogger(),
		ServerIdentity:   defaultServerIdentity,
	}
}

// WithIdentity 设置连接标识
func WithIdentity(id string) Option {
	return func(opt *options) {
		opt.Identity = id
	}
}

// WithVHost 设置目标 vhost
func WithVHost(vhost string) Option {
	return func(opt *options) {
		opt.VHost = vhost
	}
}

// WithChannelMax 设置客户端期望的 channel 编号上限，
// 实际生效值为与服务端协商后的较小者
func WithChannelMax(max uint16) Option {
	return func(opt *options) {
		opt.ChannelMax = max
	}
}

// WithHandshakeTimeout 设置建连握手超时
func WithHandshakeTimeout(t time.Duration) Option {
	return func(opt *options) {
		opt.HandshakeTimeout = t
	}
}

// WithRPCTimeout 设置同步调用超时，0 表示一直等待
func WithRPCTimeout(t time.Duration) Option {
	return func(opt *options) {
		opt.RPCTimeout = t
	}
}

// WithLogger 设置 logger
func WithLogger(logger Logger) Option {
	return func(opt *options) {
		opt.Logger = logger
	}
}

// WithBroker 指定 direct 连接使用的进程内 broker
func WithBroker(b *InprocBroker) Option {
	return func(opt *options) {
		opt.Broker = b
	}
}

// WithLocator 通过服务发现定位 broker 地址（network 连接）
func WithLocator(l Locator, service string) Option {
	return func(opt *options) {
		opt.Locator = l
		opt.LocatorService = service
	}
}

// WithServerIdentity 设置对端 broker 的连接标识
func WithServerIdentity(id string) Option {
	return func(opt *options) {
		opt.ServerIdentity = id
	}
}
