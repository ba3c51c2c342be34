// Package provider 维护元数据提供商的静态注册表和通用装饰器。
// 提供商在进程启动时一次性注册，运行期只读，查找无锁争用。
package provider

import (
	"fmt"
	"sort"
	"sync"

	"trackenrich/pkg/core"
	"trackenrich/pkg/logger"
)

// Registry 提供商注册表。注册阶段并发安全，查找路径只读。
type Registry struct {
	mu        sync.RWMutex
	providers map[string]core.Provider
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]core.Provider),
	}
}

// Register 注册一个提供商。重名注册返回错误，避免静默覆盖。
func (r *Registry) Register(p core.Provider) error {
	name := p.Name()
	if name == "" {
		return core.NewError(core.ErrConfigInvalid, "provider name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return core.NewError(core.ErrConfigInvalid, fmt.Sprintf("provider %s already registered", name))
	}
	r.providers[name] = p
	logger.WithComponent("provider").Infof("提供商已注册: %s", name)
	return nil
}

// Get 按名称查找提供商。
func (r *Registry) Get(name string) (core.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names 返回所有已注册提供商的名称，按字典序排列。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 关闭所有实现了 Closable 的提供商，返回首个错误。
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, p := range r.providers {
		if c, ok := p.(core.Closable); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close provider %s: %w", name, err)
			}
		}
	}
	return firstErr
}
