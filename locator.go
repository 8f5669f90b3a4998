package zamq

// Locator 从注册中心定位可用的 broker 端点，
// 供 EstablishNetwork 在未显式给出 host 时使用
type Locator interface {
	// Locate 返回服务当前可用的 zmq 端点
	Locate(service string) ([]string, error)
	// Stop 释放到注册中心的连接
	Stop()
}

// LocatorConfig 注册中心配置
type LocatorConfig struct {
	Registries    []string // 注册中心地址
	ServicePrefix string   // 服务注册路径前缀（consul 不使用）
	Logger        Logger
}
