package zamq

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestBrokerChannelMaxNegotiation(t *testing.T) {
	cases := []struct {
		server uint16
		client uint16
		want   uint16
	}{
		{0, 0, 0},
		{0, 5, 5},
		{10, 0, 10},
		{10, 5, 5},
		{5, 10, 5},
	}
	for _, c := range cases {
		broker := newTestBroker(t, WithBrokerChannelMax(c.server))
		conn := dialDirect(t, broker, WithChannelMax(c.client))
		if got := conn.ChannelMax(); got != c.want {
			t.Fatalf("server %d client %d: negotiated %d, want %d", c.server, c.client, got, c.want)
		}
		conn.Close(nil)
		broker.Close()
	}
}

func TestBrokerIdentityConflict(t *testing.T) {
	broker := newTestBroker(t)
	defer broker.Close()

	conn := dialDirect(t, broker, WithIdentity("conn-dup"))
	defer conn.Close(nil)

	_, err := EstablishDirect("guest", "guest", WithBroker(broker), WithIdentity("conn-dup"))
	if err == nil {
		t.Fatal("duplicate identity accepted")
	}
	if !strings.Contains(err.Error(), "already connected") {
		t.Fatalf("error = %v", err)
	}
}

func TestBrokerAtCapacity(t *testing.T) {
	broker := newTestBroker(t, WithBrokerPoolSize(1))
	defer broker.Close()

	conn := dialDirect(t, broker)
	defer conn.Close(nil)

	if _, err := EstablishDirect("guest", "guest", WithBroker(broker)); err == nil {
		t.Fatal("connect beyond pool capacity succeeded")
	}
}

func TestBrokerStats(t *testing.T) {
	broker := newTestBroker(t)
	defer broker.Close()

	c1 := dialDirect(t, broker)
	c2 := dialDirect(t, broker)

	stats := broker.Stats()
	if stats.Sessions != 2 {
		t.Fatalf("sessions = %d, want 2", stats.Sessions)
	}
	if stats.Capacity != 128 {
		t.Fatalf("capacity = %d", stats.Capacity)
	}

	c1.Close(nil)
	c2.Close(nil)
	deadline := time.Now().Add(3 * time.Second)
	for broker.Stats().Sessions != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d after close", broker.Stats().Sessions)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBrokerShutdown(t *testing.T) {
	broker := newTestBroker(t)
	conn := dialDirect(t, broker)

	broker.Close()
	waitDone(t, conn.Done())
	hard, ok := conn.Err().(*HardProtocolError)
	if !ok || hard.Code != ConnectionForced {
		t.Fatalf("Err() = %v", conn.Err())
	}

	if _, err := EstablishDirect("guest", "guest", WithBroker(broker)); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("connect after close = %v", err)
	}
}

func TestBrokerReplyAfterClose(t *testing.T) {
	broker := newTestBroker(t)
	soc := newFakeSocket()
	broker.frontend = soc
	broker.Close()

	// 前端 socket 已随 broker 关闭，迟到的应答直接丢弃而不是卡死 worker
	done := make(chan struct{})
	go func() {
		broker.replyHandshakeOK("conn-late", 7)
		close(done)
	}()
	waitDone(t, done)
}

func TestBrokerNotImplemented(t *testing.T) {
	broker := newTestBroker(t)
	defer broker.Close()
	conn := dialDirect(t, broker)

	ch, err := conn.OpenChannel()
	if err != nil {
		t.Fatal(err)
	}
	// 未配置 Handler，业务方法触发 not-implemented
	if err := ch.Cast(NewMethod("basic", "get")); err != nil {
		t.Fatal(err)
	}

	waitDone(t, conn.Done())
	hard, ok := conn.Err().(*HardProtocolError)
	if !ok || hard.Code != NotImplemented {
		t.Fatalf("Err() = %v", conn.Err())
	}
}

func TestBrokerRejectsDuplicateOpen(t *testing.T) {
	broker := newTestBroker(t)
	defer broker.Close()
	conn := dialDirect(t, broker, WithIdentity("conn-misbehaved"))

	ch, err := conn.OpenChannel()
	if err != nil {
		t.Fatal(err)
	}

	// 绕过客户端的编号检查，直接重发 channel.open
	s, ok := broker.session("conn-misbehaved")
	if !ok {
		t.Fatal("session not found")
	}
	if err := s.Deliver(ch.Number(), openChannelMethod(""), nil); err != nil {
		t.Fatal(err)
	}

	waitDone(t, conn.Done())
	hard, ok := conn.Err().(*HardProtocolError)
	if !ok || hard.Code != ChannelError {
		t.Fatalf("Err() = %v", conn.Err())
	}
}

func TestBrokerRejectsUnopenedChannel(t *testing.T) {
	broker := newTestBroker(t)
	defer broker.Close()
	conn := dialDirect(t, broker, WithIdentity("conn-stray"))

	s, ok := broker.session("conn-stray")
	if !ok {
		t.Fatal("session not found")
	}
	// 未 open 就发业务方法
	if err := s.Deliver(3, NewMethod("basic", "get"), nil); err != nil {
		t.Fatal(err)
	}

	waitDone(t, conn.Done())
	hard, ok := conn.Err().(*HardProtocolError)
	if !ok || hard.Code != ChannelError {
		t.Fatalf("Err() = %v", conn.Err())
	}
}

func TestBrokerRejectsChannelBeyondMax(t *testing.T) {
	broker := newTestBroker(t, WithBrokerChannelMax(2))
	defer broker.Close()
	conn := dialDirect(t, broker, WithIdentity("conn-greedy"))

	s, ok := broker.session("conn-greedy")
	if !ok {
		t.Fatal("session not found")
	}
	if err := s.Deliver(5, openChannelMethod(""), nil); err != nil {
		t.Fatal(err)
	}

	waitDone(t, conn.Done())
	hard, ok := conn.Err().(*HardProtocolError)
	if !ok || hard.Code != CommandInvalid {
		t.Fatalf("Err() = %v", conn.Err())
	}
}

func TestBrokerCloseUnopenedChannel(t *testing.T) {
	broker := newTestBroker(t)
	defer broker.Close()
	conn := dialDirect(t, broker, WithIdentity("conn-confused"))

	s, ok := broker.session("conn-confused")
	if !ok {
		t.Fatal("session not found")
	}
	if err := s.Deliver(9, closeChannelMethod(ReplySuccess, "bye"), nil); err != nil {
		t.Fatal(err)
	}

	waitDone(t, conn.Done())
	hard, ok := conn.Err().(*HardProtocolError)
	if !ok || hard.Code != ChannelError {
		t.Fatalf("Err() = %v", conn.Err())
	}
}
