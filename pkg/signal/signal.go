package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// WithShutdown 返回在收到 SIGINT/SIGTERM 时取消的 ctx。
// 第一次信号取消 ctx 让模块收尾，第二次信号直接退出进程。
func WithShutdown(parent context.Context, logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Warn("received shutdown signal, cancelling recipe", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			return
		}

		// 等待第二次信号强制退出
		select {
		case sig := <-sigChan:
			logger.Error("received second signal, exiting", zap.String("signal", sig.String()))
			_ = logger.Sync()
			os.Exit(130)
		case <-parent.Done():
		}
	}()
	return ctx, cancel
}
