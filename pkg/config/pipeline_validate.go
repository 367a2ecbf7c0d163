package config

import (
	"fmt"
	"time"
)

const maxThreadsLimit = 64

// Validate 流水线配置校验
func (p *PipelineConfig) Validate() error {
	if err := valid.Struct(p); err != nil {
		return err
	}
	if p.MaxThreads > maxThreadsLimit {
		return fmt.Errorf("pipeline.max_threads must be between 1 and %d, got %d", maxThreadsLimit, p.MaxThreads)
	}
	// 轮询间隔太短会压垮远端服务
	if p.ApprovalPollInterval < time.Second {
		return fmt.Errorf("pipeline.approval_poll_interval must be at least 1s, got %s", p.ApprovalPollInterval)
	}
	if p.TimelinePollInterval < time.Second {
		return fmt.Errorf("pipeline.timeline_poll_interval must be at least 1s, got %s", p.TimelinePollInterval)
	}
	// 超时为0表示不限，否则至少要能轮询一次
	if p.ApprovalTimeout != 0 && p.ApprovalTimeout < p.ApprovalPollInterval {
		return fmt.Errorf("pipeline.approval_timeout %s is shorter than the poll interval %s", p.ApprovalTimeout, p.ApprovalPollInterval)
	}
	if p.TimelineTimeout != 0 && p.TimelineTimeout < p.TimelinePollInterval {
		return fmt.Errorf("pipeline.timeline_timeout %s is shorter than the poll interval %s", p.TimelineTimeout, p.TimelinePollInterval)
	}
	return nil
}
