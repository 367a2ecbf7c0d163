package config

import (
	"fmt"
	"os"
	"path/filepath"
)

//Validate 规则说明
//字段	已通过 tag 校验	额外业务校验
//Level	oneof=debug info warn error	无
//Format	oneof=json console	无
//Path	required	可写目录，自动创建
//MaxSize	gt=0	无
//MaxAge	gt=0	无

// Validate 日志配置校验
func (l *ZapLogConfig) Validate() error {
	if err := valid.Struct(l); err != nil {
		return fmt.Errorf("日志配置字段非法: %w", err)
	}

	// 	校验日志路径(非空，确保可创建)
	abs, err := filepath.Abs(l.Path)
	if err != nil {
		return fmt.Errorf("log.path cannot be resolved, got %s: %w", l.Path, err)
	}
	if err := ensureDir(abs); err != nil {
		return fmt.Errorf("log.path is not a writable directory, got %s: %w", l.Path, err)
	}
	return nil
}

func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
