package main

import (
	"context"
	"flag"
	"log"

	"github.com/hunyxv/zamq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

var (
	endpoint  = flag.String("endpoint", "tcp://127.0.0.1:5555", "broker zmq endpoint")
	consul    = flag.String("consul", "", "consul address, overrides -endpoint")
	jaegerURL = flag.String("jaeger", "", "jaeger collector endpoint")
)

func main() {
	flag.Parse()

	if *jaegerURL != "" {
		tp, err := tracerProvider(*jaegerURL)
		if err != nil {
			log.Fatal(err)
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		defer tp.Shutdown(context.Background())
	}

	opts := []zamq.Option{zamq.WithServerIdentity("zamq-broker")}
	host := *endpoint
	if *consul != "" {
		locator, err := zamq.NewConsulLocator(&zamq.LocatorConfig{Registries: []string{*consul}})
		if err != nil {
			log.Fatal(err)
		}
		defer locator.Stop()
		opts = append(opts, zamq.WithLocator(locator, "zamq-broker"))
		host = ""
	}

	conn, err := zamq.EstablishNetwork("guest", "guest", host, opts...)
	if err != nil {
		log.Fatal(err)
	}

	ch, err := conn.OpenChannel()
	if err != nil {
		log.Fatal(err)
	}
	rep, err := ch.Call(context.Background(), zamq.NewMethod("demo", "echo").WithArg("msg", "hello over zmq"))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("reply: %s args=%v", rep, rep.Args)

	if err := ch.Close(); err != nil {
		log.Fatal(err)
	}
	if err := conn.Close(nil); err != nil {
		log.Fatal(err)
	}
}

const (
	service     = "zamq-demo"
	environment = "development"
	id          = 1
)

func tracerProvider(url string) (*tracesdk.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
	if err != nil {
		return nil, err
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(service),
			attribute.String("environment", environment),
			attribute.Int64("ID", id),
		)),
	)
	return tp, nil
}
