package config

import (
	"fmt"
	"strings"
)

// Validate GRR 配置校验
// 审批人不能为空字符串，也不能重复
func (g *GRRConfig) Validate() error {
	if err := valid.Struct(g); err != nil {
		return fmt.Errorf("grr 配置字段非法: %w", err)
	}
	seen := map[string]bool{}
	for _, a := range g.Approvers {
		a = strings.TrimSpace(a)
		if a == "" {
			return fmt.Errorf("grr.approvers cannot contain empty string")
		}
		if seen[a] {
			return fmt.Errorf("grr.approvers duplicated entry: %q", a)
		}
		seen[a] = true
	}
	// 用户名与密码需同时提供
	if (g.Username == "") != (g.Password == "") {
		return fmt.Errorf("grr.username and grr.password must be set together")
	}
	return nil
}

// Validate Timesketch 配置校验
func (t *TimesketchConfig) Validate() error {
	if err := valid.Struct(t); err != nil {
		return fmt.Errorf("timesketch 配置字段非法: %w", err)
	}
	if (t.Username == "") != (t.Password == "") {
		return fmt.Errorf("timesketch.username and timesketch.password must be set together")
	}
	return nil
}
