// Package state 配方执行期间所有模块共享的状态：
// 阶段之间传递的容器、已产生的错误，以及一个跨模块缓存
package state

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dftw-collector/pkg/containers"
	dferrors "github.com/dftw-collector/pkg/errors"
	"github.com/dftw-collector/pkg/metrics"
)

// MessageCallback 接收模块发布的每条消息
type MessageCallback func(source, message string, isError bool)

// State 并发安全，ThreadAware 模块会在多个 goroutine 中调用
type State struct {
	RunID  string
	Recipe map[string]any

	logger     *zap.Logger
	containers []containers.Container
	errs       []*dferrors.ModuleError
	cache      map[string]any
	callbacks  []MessageCallback
	metrics    *metrics.Pipeline
	mu         sync.RWMutex
}

// New 创建空状态；logger 为 nil 时使用 Nop
func New(logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{
		RunID:  uuid.NewString(),
		Recipe: map[string]any{},
		logger: logger,
		cache:  map[string]any{},
	}
}

// Logger 模块据此派生各自的 logger
func (s *State) Logger() *zap.Logger {
	return s.logger
}

// SetMetrics 挂载流水线指标
func (s *State) SetMetrics(m *metrics.Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Metrics 返回挂载的指标，可能为 nil（nil 上记录是安全的）
func (s *State) Metrics() *metrics.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// RecipeName 配方的 name 字段
func (s *State) RecipeName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name, ok := s.Recipe["name"].(string); ok && name != "" {
		return name
	}
	return "no_recipe"
}

// StoreContainer 存入容器
func (s *State) StoreContainer(c containers.Container) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers = append(s.containers, c)
}

// GetContainers 按插入顺序返回所有 T 类型容器
// pop 为 true 时同时从 state 中移除
func GetContainers[T containers.Container](s *State, pop bool) []T {
	if pop {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}

	var (
		matched []T
		kept    []containers.Container
	)
	for _, c := range s.containers {
		if t, ok := c.(T); ok {
			matched = append(matched, t)
			continue
		}
		kept = append(kept, c)
	}
	if pop {
		s.containers = kept
	}
	return matched
}

// ContainersByType 返回 ContainerType 等于 name 的容器
func (s *State) ContainersByType(name string, pop bool) []containers.Container {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched, kept []containers.Container
	for _, c := range s.containers {
		if c.ContainerType() == name {
			matched = append(matched, c)
			continue
		}
		kept = append(kept, c)
	}
	if pop {
		s.containers = kept
	}
	return matched
}

// AddError 记录错误，不去重：模块对每次失败只上报一次
func (s *State) AddError(err *dferrors.ModuleError) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	m := s.metrics
	s.mu.Unlock()

	m.IncModuleError(err.Name, err.Critical)

	s.logger.Error("module error",
		zap.String("module", err.Name),
		zap.String("message", err.Message),
		zap.Bool("critical", err.Critical),
		zap.NamedError("cause", err.Cause))
}

// Errors 返回已记录错误的副本
func (s *State) Errors() []*dferrors.ModuleError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*dferrors.ModuleError, len(s.errs))
	copy(out, s.errs)
	return out
}

// CheckErrors 返回第一个 critical 错误，没有则为 nil
func (s *State) CheckErrors() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, err := range s.errs {
		if err.Critical {
			return err
		}
	}
	return nil
}

// AddToCache 写入供配方内其他模块读取的值
func (s *State) AddToCache(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = value
}

// GetFromCache 读取缓存
func (s *State) GetFromCache(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// RegisterMessageCallback 注册消息接收者
func (s *State) RegisterMessageCallback(cb MessageCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// PublishMessage 记录面向用户的消息并转发给回调
func (s *State) PublishMessage(source, message string, isError bool) {
	if isError {
		s.logger.Error(message, zap.String("module", source))
	} else {
		s.logger.Info(message, zap.String("module", source))
	}

	s.mu.RLock()
	callbacks := make([]MessageCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.RUnlock()

	for _, cb := range callbacks {
		cb(source, message, isError)
	}
}
