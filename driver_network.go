package zamq

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// 建连期间 ROUTER 不可达的消息会被 zmq 丢弃，握手包按此间隔重发
const handshakeRetryInterval = 500 * time.Millisecond

// networkDriver 通过 zmq ROUTER 对接独立部署的 broker
type networkDriver struct {
	identity string
	serverID string
	endpoint string
	auth     *authInfo
	notify   func(interface{}) bool
	logger   Logger

	soc   frameSocket
	demux *demux

	hsReply    chan *Pack
	closeReply chan struct{}
	done       chan struct{}

	failed      int32
	releaseOnce sync.Once
}

var _ Driver = (*networkDriver)(nil)

func newNetworkDriver(identity, serverID, endpoint string, auth *authInfo, notify func(interface{}) bool, logger Logger) (*networkDriver, error) {
	soc, err := newSocket(identity, zmq.ROUTER, backend, endpoint)
	if err != nil {
		return nil, err
	}
	soc.Connect(endpoint)

	d := &networkDriver{
		identity:   identity,
		serverID:   serverID,
		endpoint:   endpoint,
		auth:       auth,
		notify:     notify,
		logger:     logger,
		soc:        soc,
		demux:      newDemux(logger),
		hsReply:    make(chan *Pack, 1),
		closeReply: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *networkDriver) Kind() DriverKind { return DriverNetwork }

func (d *networkDriver) Handshake(ctx context.Context) (uint16, error) {
	hs := &Pack{Identity: d.identity, Stage: HANDSHAKE}
	hs.Set(USERNAME, d.auth.username)
	hs.Set(PASSWORD, d.auth.password)
	hs.Set(VHOST, d.auth.vhost)
	hs.Set(CHANNELMAX, strconv.FormatUint(uint64(d.auth.channelMax), 10))
	raw, err := msgpack.Marshal(hs)
	if err != nil {
		d.release()
		return 0, errors.WithMessage(err, "zamq: marshal handshake")
	}

	// socket 释放后发送队列无人消费，发送必须同时监听 done
	ticker := time.NewTicker(handshakeRetryInterval)
	defer ticker.Stop()
	select {
	case d.soc.Send() <- [][]byte{[]byte(d.serverID), raw}:
	case <-d.done:
		return 0, errTransportClosed
	case <-ctx.Done():
		d.release()
		return 0, ctx.Err()
	}
	for {
		select {
		case rep := <-d.hsReply:
			if rep.Stage == HANDSHAKE_ERR {
				d.release()
				return 0, errors.New(rep.Get(ERRTEXT))
			}
			return parseU16(rep.Get(CHANNELMAX)), nil
		case <-ticker.C:
			select {
			case d.soc.Send() <- [][]byte{[]byte(d.serverID), raw}:
			case <-d.done:
				return 0, errTransportClosed
			case <-ctx.Done():
				d.release()
				return 0, ctx.Err()
			}
		case <-d.done:
			return 0, errTransportClosed
		case <-ctx.Done():
			d.release()
			return 0, ctx.Err()
		}
	}
}

// readLoop 消费 socket 的入站消息和错误。发生传输错误后仍继续
// 排空 recv 队列，直到 socket 释放完成，避免收发循环被堵死
func (d *networkDriver) readLoop() {
	for {
		select {
		case <-d.done:
			return
		case err := <-d.soc.Errors():
			d.transportFailure(err)
		case msg := <-d.soc.Recv():
			f := unwrap(msg)
			if f == nil {
				d.logger.Warnf("network: drop malformed message of %d frames", len(msg))
				continue
			}
			if f.from != d.serverID {
				d.logger.Warnf("network: drop message from unknown peer %q", f.from)
				continue
			}
			var p *Pack
			if err := msgpack.Unmarshal(f.raw, &p); err != nil {
				d.logger.Warnf("network: drop undecodable pack: %v", err)
				continue
			}
			// msgpack 的 nil 值解码为空指针
			if p == nil {
				d.logger.Warnf("network: drop empty pack from %q", f.from)
				continue
			}
			d.dispatch(p)
		}
	}
}

func (d *networkDriver) dispatch(p *Pack) {
	switch p.Stage {
	case HANDSHAKE_OK, HANDSHAKE_ERR:
		select {
		case d.hsReply <- p:
		default:
		}
	case METHOD, CONTENT:
		m, c, err := unpackMethod(p)
		if err != nil {
			d.logger.Warnf("network: drop pack on channel %d: %v", p.Channel, err)
			return
		}
		if p.Channel == 0 {
			switch {
			case m.is(classConnection, nameClose):
				d.notify(&forcedCloseEvent{reason: &CloseReason{Code: m.Code, Text: m.Text}})
			case m.is(classConnection, nameCloseOK):
				select {
				case d.closeReply <- struct{}{}:
				default:
				}
			default:
				d.logger.Warnf("network: unexpected connection method %s", m)
			}
			return
		}
		d.demux.deliver(p.Channel, &Delivery{Method: m, Content: c})
	default:
		d.logger.Warnf("network: drop pack with unknown stage %q", STAGE_NAME[p.Stage])
	}
}

// transportFailure 首个传输错误判定连接不可用，上报后异步释放 socket
func (d *networkDriver) transportFailure(err error) {
	if !atomic.CompareAndSwapInt32(&d.failed, 0, 1) {
		return
	}
	d.logger.Errorf("network: transport failure on %s: %v", d.endpoint, err)
	d.notify(&transportFailureEvent{err: err})
	go d.release()
}

func (d *networkDriver) release() {
	d.releaseOnce.Do(func() {
		d.soc.Close()
		close(d.done)
	})
}

func (d *networkDriver) OpenChannel(ch *Channel) error {
	d.demux.bind(ch.number, ch.inbound)
	return nil
}

func (d *networkDriver) CloseChannel(number uint16) {
	d.demux.unbind(number)
}

func (d *networkDriver) Send(number uint16, m *Method) error {
	return d.send(number, m, nil)
}

func (d *networkDriver) SendContent(number uint16, m *Method, c *Content) error {
	return d.send(number, m, c)
}

func (d *networkDriver) send(channel uint16, m *Method, c *Content) error {
	p, err := packMethod(d.identity, channel, m, c)
	if err != nil {
		return err
	}
	raw, err := msgpack.Marshal(p)
	if err != nil {
		return errors.WithMessage(err, "zamq: marshal pack")
	}
	select {
	case d.soc.Send() <- [][]byte{[]byte(d.serverID), raw}:
		return nil
	case <-d.done:
		return errTransportClosed
	}
}

func (d *networkDriver) CloseConnection(ctx context.Context, reason *CloseReason) error {
	if err := d.send(0, closeConnectionMethod(reason.Code, reason.Text), nil); err != nil {
		d.release()
		return &TransportError{Op: "send", Err: err}
	}
	select {
	case <-d.closeReply:
		d.release()
		return nil
	case <-d.done:
		return errTransportClosed
	case <-ctx.Done():
		d.release()
		return ctx.Err()
	}
}

func (d *networkDriver) HandleForcedClose(reason *CloseReason) {
	// 应答尽力而为，socket 随即释放
	if err := d.send(0, closeConnectionOK(), nil); err != nil {
		d.logger.Debugf("network: close-ok after forced close: %v", err)
	}
	d.release()
}

func (d *networkDriver) abort() {
	d.release()
}
