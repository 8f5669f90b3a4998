package zamq

import (
	"path"
	"time"

	"github.com/go-zookeeper/zk"
)

type zookeeperLocator struct {
	cnf  *LocatorConfig
	conn *zk.Conn
}

// NewZookeeperLocator zookeeper 服务发现。broker 在 {ServicePrefix}/{service}
// 下创建临时节点，节点数据为 zmq 端点
func NewZookeeperLocator(cnf *LocatorConfig) (Locator, error) {
	if cnf.Logger == nil {
		cnf.Logger = defaultLogger()
	}

	conn, _, err := zk.Connect(cnf.Registries, time.Second*5)
	if err != nil {
		return nil, err
	}
	return &zookeeperLocator{cnf: cnf, conn: conn}, nil
}

func (zl *zookeeperLocator) Locate(service string) ([]string, error) {
	base := path.Join(zl.cnf.ServicePrefix, service)
	children, _, err := zl.conn.Children(base)
	if err != nil {
		return nil, err
	}

	endpoints := make([]string, 0, len(children))
	for _, child := range children {
		data, _, err := zl.conn.Get(path.Join(base, child))
		if err != nil {
			zl.cnf.Logger.Warnf("zamq: zookeeper get %s: %v", child, err)
			continue
		}
		if len(data) == 0 {
			continue
		}
		endpoints = append(endpoints, string(data))
	}
	return endpoints, nil
}

func (zl *zookeeperLocator) Stop() {
	zl.conn.Close()
}
