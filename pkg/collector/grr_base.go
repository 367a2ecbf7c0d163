// Package collector 从 GRR 拉取取证数据的模块：
// hunt 采集器负责在全网下发采集任务，下载器负责把 hunt 结果取回本地
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	dferrors "github.com/dftw-collector/pkg/errors"
	"github.com/dftw-collector/pkg/grr"
	"github.com/dftw-collector/pkg/module"
	"github.com/dftw-collector/pkg/state"
	"github.com/dftw-collector/pkg/util"
)

const defaultApprovalInterval = 30 * time.Second

// APIFactory 创建模块使用的 GRR API 客户端
type APIFactory func(endpoint, username, password string, verify bool, logger *zap.Logger) (grr.API, error)

func httpAPIFactory(endpoint, username, password string, verify bool, logger *zap.Logger) (grr.API, error) {
	return grr.InitHTTP(endpoint, username, password, verify, logger)
}

// GRROptions 所有 GRR 模块共用的连接配置
type GRROptions struct {
	Reason       string `mapstructure:"reason" validate:"required"`
	GRRServerURL string `mapstructure:"grr_server_url" validate:"required,url"`
	GRRUsername  string `mapstructure:"grr_username"`
	GRRPassword  string `mapstructure:"grr_password"`
	// Approvers 逗号分隔的 GRR 用户名
	Approvers string `mapstructure:"approvers"`
	Verify    bool   `mapstructure:"verify"`
}

// Option 构造时定制 GRR 模块
type Option func(*grrBase)

// WithAPIFactory 替换 HTTP 客户端工厂
func WithAPIFactory(f APIFactory) Option {
	return func(b *grrBase) { b.newAPI = f }
}

// WithDefaults 配方参数未提供时使用的连接配置
func WithDefaults(o GRROptions) Option {
	return func(b *grrBase) { b.defaults = o }
}

// WithApprovalPolling 审批轮询间隔与总超时；超时为 0 时一直等到 ctx 结束
func WithApprovalPolling(interval, timeout time.Duration) Option {
	return func(b *grrBase) {
		if interval > 0 {
			b.approvalInterval = interval
		}
		b.approvalTimeout = timeout
	}
}

type grrBase struct {
	module.BaseModule

	newAPI           APIFactory
	defaults         GRROptions
	approvalInterval time.Duration
	approvalTimeout  time.Duration

	api       grr.API
	reason    string
	approvers []string
}

func newGRRBase(name string, st *state.State, opts []Option) grrBase {
	b := grrBase{
		BaseModule:       module.NewBaseModule(name, st),
		newAPI:           httpAPIFactory,
		approvalInterval: defaultApprovalInterval,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *grrBase) setUpGRR(o GRROptions) error {
	b.reason = o.Reason
	b.approvers = util.SplitList(o.Approvers)

	api, err := b.newAPI(o.GRRServerURL, o.GRRUsername, o.GRRPassword, o.Verify, b.Logger)
	if err != nil {
		return b.ModuleError(fmt.Sprintf("Unable to create GRR API client: %v", err), true, err)
	}
	b.api = api
	return nil
}

// decodeArgs 解码配方参数，失败记为 critical 模块错误
func (b *grrBase) decodeArgs(args map[string]any, opts any) error {
	if err := module.DecodeArgs(args, opts); err != nil {
		return b.ModuleError(err.Error(), true, err)
	}
	return nil
}

// fail 将 err 转为 critical 模块错误（已是模块错误则原样返回）
func (b *grrBase) fail(message string, err error) error {
	if _, ok := dferrors.AsModuleError(err); ok {
		return err
	}
	return b.ModuleError(fmt.Sprintf("%s: %v", message, err), true, err)
}

// withApproval 执行 fn；首次被拒绝时申请审批，之后按固定间隔重试直到审批通过
func withApproval[T any](ctx context.Context, b *grrBase, h grr.Hunt, fn func(context.Context) (T, error)) (T, error) {
	approvalSent := false
	operation := func() (T, error) {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, grr.ErrAccessForbidden) {
			return res, backoff.Permanent(err)
		}
		b.Logger.Info("No valid approval found", zap.String("hunt_id", h.ID()), zap.Error(err))

		if approvalSent {
			b.Logger.Info("Approval not yet granted, waiting", zap.Duration("interval", b.approvalInterval))
			return res, err
		}
		if len(b.approvers) == 0 {
			return res, backoff.Permanent(b.ModuleError(
				"GRR needs approval but no approvers specified (hint: use --approvers)", true, err))
		}
		if aerr := h.CreateApproval(ctx, b.reason, b.approvers); aerr != nil {
			return res, backoff.Permanent(fmt.Errorf("create approval for %s: %w", h.ID(), aerr))
		}
		approvalSent = true
		b.PublishMessage(fmt.Sprintf("%s: approval request sent to: %s (reason: %s)",
			h.ID(), strings.Join(b.approvers, ", "), b.reason), false)
		return res, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(b.approvalInterval)),
		backoff.WithMaxElapsedTime(b.approvalTimeout))
}
