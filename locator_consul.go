package zamq

import (
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
)

type consulLocator struct {
	cnf    *LocatorConfig
	client *consulapi.Client
}

// NewConsulLocator consul 服务发现。broker 以 zamq 标签注册，
// zmq 端点放在注册元信息的 endpoint 字段中
func NewConsulLocator(cnf *LocatorConfig) (Locator, error) {
	if cnf.Logger == nil {
		cnf.Logger = defaultLogger()
	}

	consulConfig := consulapi.DefaultConfig()
	consulConfig.Address = strings.Join(cnf.Registries, ",")
	consulClient, err := consulapi.NewClient(consulConfig)
	if err != nil {
		return nil, err
	}
	return &consulLocator{cnf: cnf, client: consulClient}, nil
}

// Locate 查询健康的 broker 节点
func (cl *consulLocator) Locate(service string) ([]string, error) {
	services, _, err := cl.client.Health().Service(service, "zamq", true, &consulapi.QueryOptions{})
	if err != nil {
		return nil, err
	}

	endpoints := make([]string, 0, len(services))
	for _, svc := range services {
		if ep, ok := svc.Service.Meta["endpoint"]; ok && ep != "" {
			endpoints = append(endpoints, ep)
			continue
		}
		endpoints = append(endpoints, fmt.Sprintf("tcp://%s:%d", svc.Service.Address, svc.Service.Port))
	}
	return endpoints, nil
}

func (cl *consulLocator) Stop() {}
