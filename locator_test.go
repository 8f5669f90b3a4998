package zamq

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// staticLocator 测试桩，回放固定的定位结果
type staticLocator struct {
	endpoints []string
	err       error
	service   string
}

func (l *staticLocator) Locate(service string) ([]string, error) {
	l.service = service
	return l.endpoints, l.err
}

func (l *staticLocator) Stop() {}

func TestEstablishNetworkNoEndpoint(t *testing.T) {
	// 既没有 host 也没有 Locator
	_, err := EstablishNetwork("guest", "guest", "")
	herr, ok := err.(*HandshakeError)
	if !ok || herr.Stage != "connect" {
		t.Fatalf("error = %v", err)
	}
	if !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("cause = %v", err)
	}
}

func TestEstablishNetworkLocatorEmpty(t *testing.T) {
	l := &staticLocator{}
	_, err := EstablishNetwork("guest", "guest", "", WithLocator(l, "zamq-broker"))
	if !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("error = %v", err)
	}
	if l.service != "zamq-broker" {
		t.Fatalf("located service = %q", l.service)
	}
}

func TestEstablishNetworkLocatorError(t *testing.T) {
	cause := errors.New("registry down")
	_, err := EstablishNetwork("guest", "guest", "", WithLocator(&staticLocator{err: cause}, "zamq-broker"))
	herr, ok := err.(*HandshakeError)
	if !ok || herr.Stage != "connect" {
		t.Fatalf("error = %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause = %v", err)
	}
}

// 注册中心用例依赖真实后端，设置对应环境变量（地址）后运行

func TestConsulLocator(t *testing.T) {
	addr := os.Getenv("ZAMQ_TEST_CONSUL")
	if addr == "" {
		t.Skip("set ZAMQ_TEST_CONSUL=host:port to run consul locator tests")
	}

	cnf := consulapi.DefaultConfig()
	cnf.Address = addr
	client, err := consulapi.NewClient(cnf)
	if err != nil {
		t.Fatal(err)
	}
	reg := &consulapi.AgentServiceRegistration{
		ID:      "zamq-broker-test-1",
		Name:    "zamq-broker",
		Tags:    []string{"zamq"},
		Address: "10.1.2.3",
		Port:    5555,
		Meta:    map[string]string{"endpoint": "tcp://10.1.2.3:5555"},
	}
	if err := client.Agent().ServiceRegister(reg); err != nil {
		t.Fatal(err)
	}
	defer client.Agent().ServiceDeregister("zamq-broker-test-1")

	l, err := NewConsulLocator(&LocatorConfig{Registries: []string{addr}})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()
	endpoints, err := l.Locate("zamq-broker")
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 || endpoints[0] != "tcp://10.1.2.3:5555" {
		t.Fatalf("endpoints = %v", endpoints)
	}
}

func TestEtcdLocator(t *testing.T) {
	addr := os.Getenv("ZAMQ_TEST_ETCD")
	if addr == "" {
		t.Skip("set ZAMQ_TEST_ETCD=host:port to run etcd locator tests")
	}

	cli, err := clientv3.New(clientv3.Config{Endpoints: []string{addr}, DialTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := "/zamq-test/registry/zamq-broker/node-1"
	if _, err := cli.Put(ctx, key, "tcp://10.1.2.3:5555"); err != nil {
		t.Fatal(err)
	}
	defer cli.Delete(context.Background(), key)

	l, err := NewEtcdLocator(&LocatorConfig{Registries: []string{addr}, ServicePrefix: "/zamq-test/registry"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()
	endpoints, err := l.Locate("zamq-broker")
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 || endpoints[0] != "tcp://10.1.2.3:5555" {
		t.Fatalf("endpoints = %v", endpoints)
	}
}

func TestZookeeperLocator(t *testing.T) {
	addr := os.Getenv("ZAMQ_TEST_ZK")
	if addr == "" {
		t.Skip("set ZAMQ_TEST_ZK=host:port to run zookeeper locator tests")
	}

	conn, _, err := zk.Connect([]string{addr}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	acl := zk.WorldACL(zk.PermAll)
	for _, p := range []string{"/zamq-test", "/zamq-test/zamq-broker"} {
		if _, err := conn.Create(p, nil, 0, acl); err != nil && err != zk.ErrNodeExists {
			t.Fatal(err)
		}
	}
	node := "/zamq-test/zamq-broker/node-1"
	if _, err := conn.Create(node, []byte("tcp://10.1.2.3:5555"), zk.FlagEphemeral, acl); err != nil && err != zk.ErrNodeExists {
		t.Fatal(err)
	}
	defer conn.Delete(node, -1)

	l, err := NewZookeeperLocator(&LocatorConfig{Registries: []string{addr}, ServicePrefix: "/zamq-test"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()
	endpoints, err := l.Locate("zamq-broker")
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 || endpoints[0] != "tcp://10.1.2.3:5555" {
		t.Fatalf("endpoints = %v", endpoints)
	}
}
