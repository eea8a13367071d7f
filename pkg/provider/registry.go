package provider

import (
	"fmt"
	"sort"
	"sync"

	"stockpipe/pkg/config"
	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/logger"

	"github.com/sirupsen/logrus"
)

// Entry 回退链中的一个可用提供商
type Entry struct {
	Spec    core.ProviderSpec
	Adapter Adapter
}

// Decorator 在探测成功后包装提供商，例如加上熔断器
type Decorator func(spec core.ProviderSpec, cfg config.ProviderConfig, a Adapter) Adapter

// Registry 提供商注册表
// 启动时探测一次各提供商是否可用，之后回退链固定不变
type Registry struct {
	factories  map[string]Factory
	decorators []Decorator

	available []Entry
	excluded  map[string]error

	mu  sync.RWMutex
	log *logrus.Entry
}

// NewRegistry 创建新的提供商注册表
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logger.WithComponent("ProviderRegistry")
	}
	return &Registry{
		factories: make(map[string]Factory),
		excluded:  make(map[string]error),
		log:       log,
	}
}

// RegisterFactory 注册提供商工厂
func (r *Registry) RegisterFactory(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("provider factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
	return nil
}

// Use 追加一个装饰器，按追加顺序由内向外包装
func (r *Registry) Use(d Decorator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decorators = append(r.decorators, d)
}

// Add 直接加入已构建好的提供商，追加到回退链末尾
func (r *Registry) Add(spec core.ProviderSpec, adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	if spec.Name == "" {
		spec.Name = adapter.Name()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.available {
		if e.Spec.Name == spec.Name {
			return fmt.Errorf("provider '%s' already registered", spec.Name)
		}
	}
	r.available = append(r.available, Entry{Spec: spec, Adapter: adapter})
	return nil
}

// Probe 按回退链顺序调用各提供商的工厂，构建本次运行的可用提供商列表。
// 工厂失败的提供商被排除并记录原因；没有注册工厂的名称属于配置错误。
// 探测后没有任何可用提供商时返回 CONFIGURATION 错误。
func (r *Registry) Probe(specs []core.ProviderSpec, settings map[string]config.ProviderConfig) error {
	if len(specs) == 0 {
		return pipeerr.Configuration("fallback chain is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	available := make([]Entry, 0, len(specs))
	excluded := make(map[string]error)

	for _, spec := range specs {
		factory, ok := r.factories[spec.Name]
		if !ok {
			return pipeerr.Configuration("unknown provider %q in fallback chain", spec.Name)
		}

		cfg := settings[spec.Name]
		adapter, err := factory(cfg, r.log.WithField("provider", spec.Name))
		if err != nil {
			if !pipeerr.IsCode(err, pipeerr.CodeUnavailable) {
				err = pipeerr.WrapError(pipeerr.CodeUnavailable, spec.Name+" initialization failed", err)
			}
			excluded[spec.Name] = err
			r.log.WithFields(logrus.Fields{
				"provider": spec.Name,
				"error":    err,
			}).Warn("提供商不可用，本次运行将跳过")
			continue
		}

		for _, d := range r.decorators {
			adapter = d(spec, cfg, adapter)
		}
		available = append(available, Entry{Spec: spec, Adapter: adapter})
		r.log.WithFields(logrus.Fields{
			"provider":   spec.Name,
			"rate_limit": spec.RateLimitPerMinute,
			"position":   spec.Position,
		}).Info("✓ 提供商初始化完成")
	}

	r.available = available
	r.excluded = excluded

	if len(available) == 0 {
		return pipeerr.Configuration("no provider in the fallback chain is available")
	}
	return nil
}

// Available 按回退链顺序返回可用提供商
func (r *Registry) Available() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.available))
	copy(out, r.available)
	return out
}

// Specs 返回可用提供商的规格
func (r *Registry) Specs() []core.ProviderSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ProviderSpec, 0, len(r.available))
	for _, e := range r.available {
		out = append(out, e.Spec)
	}
	return out
}

// Excluded 返回被排除的提供商及原因
func (r *Registry) Excluded() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]error, len(r.excluded))
	for name, err := range r.excluded {
		out[name] = err
	}
	return out
}

// Get 按名称获取可用提供商
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.available {
		if e.Spec.Name == name {
			return e.Adapter, nil
		}
	}
	return nil, fmt.Errorf("provider '%s' not found", name)
}

// ListProviders 列出可用与被排除的提供商名称
func (r *Registry) ListProviders() (available, excluded []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.available {
		available = append(available, e.Spec.Name)
	}
	for name := range r.excluded {
		excluded = append(excluded, name)
	}
	sort.Strings(excluded)
	return available, excluded
}

// Close 关闭注册表，清理所有提供商资源
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, e := range r.available {
		if closable, ok := e.Adapter.(Closable); ok {
			if err := closable.Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing provider '%s': %w", e.Spec.Name, err))
			}
		}
	}
	r.available = nil

	if len(errs) > 0 {
		return fmt.Errorf("errors occurred while closing providers: %v", errs)
	}
	return nil
}
