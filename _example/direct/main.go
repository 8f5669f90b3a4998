package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hunyxv/zamq"
)

func main() {
	broker, err := zamq.NewInprocBroker(zamq.WithBrokerHandler(handle))
	if err != nil {
		log.Fatal(err)
	}
	defer broker.Close()

	conn, err := zamq.EstablishDirect("guest", "guest", zamq.WithBroker(broker))
	if err != nil {
		log.Fatal(err)
	}

	ch, err := conn.OpenChannel()
	if err != nil {
		log.Fatal(err)
	}

	rep, err := ch.Call(context.Background(), zamq.NewMethod("demo", "echo").WithArg("msg", "hello zamq"))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("reply: %s args=%v", rep, rep.Args)

	// 订阅服务端推送
	if _, err := ch.Call(context.Background(), zamq.NewMethod("basic", "consume").WithArg("tag", "demo")); err != nil {
		log.Fatal(err)
	}
	d := <-ch.Recv()
	log.Printf("pushed: %s body=%s", d.Method, d.Content.Body)

	if err := ch.Close(); err != nil {
		log.Fatal(err)
	}
	if err := conn.Close(nil); err != nil {
		log.Fatal(err)
	}
}

func handle(bc *zamq.BrokerChannel, m *zamq.Method, c *zamq.Content) (*zamq.Method, *zamq.Content, error) {
	switch {
	case m.Class == "demo" && m.Name == "echo":
		return zamq.NewMethod("demo", "echo-ok").WithArg("msg", m.Args["msg"]), nil, nil
	case m.Class == "basic" && m.Name == "consume":
		bc.Push(zamq.NewMethod("basic", "deliver").WithArg("tag", m.Args["tag"]),
			&zamq.Content{Body: []byte("hello from broker")})
		return zamq.NewMethod("basic", "consume-ok"), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown method %s", m)
}
