package zamq

import (
	"context"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type etcdLocator struct {
	cnf    *LocatorConfig
	client *clientv3.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEtcdLocator etcd 服务发现。broker 在 {ServicePrefix}/{service}/ 下
// 以节点 id 为 key 注册，value 为 zmq 端点
func NewEtcdLocator(cnf *LocatorConfig) (Locator, error) {
	if cnf.Logger == nil {
		cnf.Logger = defaultLogger()
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cnf.Registries,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &etcdLocator{cnf: cnf, client: cli, ctx: ctx, cancel: cancel}, nil
}

func (el *etcdLocator) Locate(service string) ([]string, error) {
	prefix := path.Join(el.cnf.ServicePrefix, service) + "/"
	ctx, cancel := context.WithTimeout(el.ctx, 5*time.Second)
	defer cancel()

	resp, err := el.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if len(kv.Value) == 0 {
			continue
		}
		endpoints = append(endpoints, string(kv.Value))
	}
	return endpoints, nil
}

func (el *etcdLocator) Stop() {
	el.cancel()
	el.client.Close()
}
