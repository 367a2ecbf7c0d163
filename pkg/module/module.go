// Package module 采集器与导出器共同遵循的生命周期：
// SetUp、PreProcess、Process、PostProcess
package module

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/dftw-collector/pkg/containers"
	dferrors "github.com/dftw-collector/pkg/errors"
	"github.com/dftw-collector/pkg/state"
)

var valid = validator.New()

// Module 以整个 state 为处理对象的流水线阶段
type Module interface {
	Name() string
	// SetUpWithArgs 把配方参数解码到模块选项，再调用模块自己的 SetUp
	SetUpWithArgs(ctx context.Context, args map[string]any) error
	PreProcess(ctx context.Context) error
	Process(ctx context.Context) error
	PostProcess(ctx context.Context) error
}

// ThreadAwareModule 按容器逐个执行 Process 的阶段，可并发
type ThreadAwareModule interface {
	Name() string
	SetUpWithArgs(ctx context.Context, args map[string]any) error
	PreProcess(ctx context.Context) error
	Process(ctx context.Context, c containers.Container) error
	PostProcess(ctx context.Context) error
	// ThreadOnContainerType Process 按此 ContainerType 分发
	ThreadOnContainerType() string
	// MaxThreads 并发上限，0 表示使用 runner 默认值
	MaxThreads() int
}

// BaseModule 模块公共部分：名称、共享 state、以模块命名的 logger
type BaseModule struct {
	name   string
	State  *state.State
	Logger *zap.Logger
}

// NewBaseModule 创建绑定到 st 的 BaseModule
func NewBaseModule(name string, st *state.State) BaseModule {
	return BaseModule{
		name:   name,
		State:  st,
		Logger: st.Logger().Named(name),
	}
}

// Name 模块名
func (b *BaseModule) Name() string { return b.name }

func (b *BaseModule) PreProcess(context.Context) error { return nil }

func (b *BaseModule) PostProcess(context.Context) error { return nil }

// ModuleError 记录到 state 并返回；critical 时调用方应直接返回该错误
func (b *BaseModule) ModuleError(message string, critical bool, cause error) error {
	err := dferrors.Wrap(b.name, message, critical, cause)
	b.State.AddError(err)
	return err
}

// PublishMessage 通过 state 发布面向用户的消息
func (b *BaseModule) PublishMessage(message string, isError bool) {
	b.State.PublishMessage(b.name, message, isError)
}

// DecodeArgs 将配方参数解码到 out（带 mapstructure/validate 标签的结构体指针）并校验
func DecodeArgs(args map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ZeroFields:       false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("decode module args: %w", err)
	}
	if err := valid.Struct(out); err != nil {
		return fmt.Errorf("validate module args: %w", err)
	}
	return nil
}
