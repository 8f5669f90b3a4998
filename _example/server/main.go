package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hunyxv/zamq"
)

var endpoint = flag.String("endpoint", "tcp://0.0.0.0:5555", "zmq endpoint to listen on")

func main() {
	flag.Parse()

	broker, err := zamq.NewInprocBroker(
		zamq.WithBrokerIdentity("zamq-broker"),
		zamq.WithBrokerUsers(map[string]string{"guest": "guest"}),
		zamq.WithBrokerHandler(handle),
	)
	if err != nil {
		log.Fatal(err)
	}
	if err := broker.ListenZMQ(*endpoint); err != nil {
		log.Fatal(err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	broker.Close()
}

func handle(bc *zamq.BrokerChannel, m *zamq.Method, c *zamq.Content) (*zamq.Method, *zamq.Content, error) {
	log.Printf("connection %s channel %d: %s", bc.Connection(), bc.Number(), m)
	return zamq.NewMethod(m.Class, m.Name+"-ok").WithArg("echo", m.Args["msg"]), c, nil
}
