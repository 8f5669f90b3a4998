package zamq

import (
	"context"
)

// directDriver 直连进程内 broker，方法以 Go 值传递，不经过序列化
type directDriver struct {
	identity string
	broker   *InprocBroker
	auth     *authInfo
	notify   func(interface{}) bool
	logger   Logger

	demux      *demux
	session    *brokerSession
	closeReply chan struct{}
}

var _ Driver = (*directDriver)(nil)

func newDirectDriver(identity string, broker *InprocBroker, auth *authInfo, notify func(interface{}) bool, logger Logger) *directDriver {
	return &directDriver{
		identity:   identity,
		broker:     broker,
		auth:       auth,
		notify:     notify,
		logger:     logger,
		demux:      newDemux(logger),
		closeReply: make(chan struct{}, 1),
	}
}

func (d *directDriver) Kind() DriverKind { return DriverDirect }

func (d *directDriver) Handshake(ctx context.Context) (uint16, error) {
	session, channelMax, err := d.broker.connect(&connectRequest{
		identity:   d.identity,
		username:   d.auth.username,
		password:   d.auth.password,
		vhost:      d.auth.vhost,
		channelMax: d.auth.channelMax,
		deliver:    d.deliverInbound,
	})
	if err != nil {
		return 0, err
	}
	d.session = session
	return channelMax, nil
}

// deliverInbound 接收 broker 投递的方法。channel 0 为连接级事件，
// 其余按编号分发给对应 channel
func (d *directDriver) deliverInbound(channel uint16, m *Method, c *Content) {
	if channel == 0 {
		switch {
		case m.is(classConnection, nameClose):
			d.notify(&forcedCloseEvent{reason: &CloseReason{Code: m.Code, Text: m.Text}})
		case m.is(classConnection, nameCloseOK):
			select {
			case d.closeReply <- struct{}{}:
			default:
			}
		default:
			d.logger.Warnf("direct: unexpected connection method %s", m)
		}
		return
	}
	d.demux.deliver(channel, &Delivery{Method: m, Content: c})
}

func (d *directDriver) OpenChannel(ch *Channel) error {
	d.demux.bind(ch.number, ch.inbound)
	return nil
}

func (d *directDriver) CloseChannel(number uint16) {
	d.demux.unbind(number)
}

func (d *directDriver) Send(number uint16, m *Method) error {
	return d.session.Deliver(number, m, nil)
}

func (d *directDriver) SendContent(number uint16, m *Method, c *Content) error {
	return d.session.Deliver(number, m, c)
}

func (d *directDriver) CloseConnection(ctx context.Context, reason *CloseReason) error {
	if err := d.session.Deliver(0, closeConnectionMethod(reason.Code, reason.Text), nil); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	select {
	case <-d.closeReply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *directDriver) HandleForcedClose(reason *CloseReason) {
	// 会话通常已被服务端拆除，应答尽力而为
	if err := d.session.Deliver(0, closeConnectionOK(), nil); err != nil {
		d.logger.Debugf("direct: close-ok after forced close: %v", err)
	}
}

// abort 会话由 broker 持有，客户端无资源可释放
func (d *directDriver) abort() {}
