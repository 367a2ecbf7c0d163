package config

import (
	"fmt"
	"net"
)

// Validate 指标HTTP服务配置校验
func (h *ServerConfig) Validate() error {
	if err := valid.Struct(h); err != nil {
		return err
	}
	// 	用net包解析地址，验证格式合法性(必须是 ":port" 或 "ip:port")
	if _, err := net.ResolveTCPAddr("tcp", h.Addr); err != nil {
		return fmt.Errorf("server.addr format invalid (expected: :port or ip:port), got %s: %w", h.Addr, err)
	}
	return nil
}
