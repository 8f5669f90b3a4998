package zamq

import (
	"context"
)

// EstablishDirect 建立到进程内 broker 的连接。
// 未通过 WithBroker 指定 broker 时接入 DefaultBroker
func EstablishDirect(username, password string, opts ...Option) (*Connection, error) {
	return establish(DriverDirect, username, password, "", opts...)
}

// EstablishNetwork 建立到远端 broker 的连接。host 为 zmq 端点
// （如 tcp://127.0.0.1:5555），为空时经 WithLocator 指定的服务发现定位
func EstablishNetwork(username, password, host string, opts ...Option) (*Connection, error) {
	return establish(DriverNetwork, username, password, host, opts...)
}

// establish 完成建连：构造驱动、执行握手，成功后启动连接事件循环。
// 握手失败不会留下任何后台任务
func establish(kind DriverKind, username, password, host string, opts ...Option) (*Connection, error) {
	defopts := defaultOptions()
	for _, f := range opts {
		f(defopts)
	}

	conn := &Connection{
		identity: defopts.Identity,
		kind:     kind,
		vhost:    defopts.VHost,
		registry: newChannelRegistry(),
		mailbox:  make(chan interface{}, 64),
		done:     make(chan struct{}),
		logger:   defopts.Logger,
		opts:     defopts,
	}

	ctx, span := startSpan(context.Background(), "zamq.establish", connAttrs(conn)...)

	auth := &authInfo{
		username:   username,
		password:   password,
		vhost:      defopts.VHost,
		channelMax: defopts.ChannelMax,
	}
	driver, err := resolveDriver(kind, host, auth, defopts, conn.post)
	if err != nil {
		herr := &HandshakeError{Stage: "connect", Err: err}
		endSpan(span, herr)
		return nil, herr
	}

	hctx, cancel := context.WithTimeout(ctx, defopts.HandshakeTimeout)
	defer cancel()
	channelMax, err := driver.Handshake(hctx)
	if err != nil {
		herr := &HandshakeError{Stage: "negotiate", Err: err}
		endSpan(span, herr)
		return nil, herr
	}

	conn.driver = driver
	conn.channelMax = channelMax
	go conn.serve()

	defopts.Logger.Infof("connection %s established (%s, channel-max %d)", conn.identity, kind, channelMax)
	endSpan(span, nil)
	return conn, nil
}
