package agent

import (
	"github.com/spf13/cobra"
)

// 密码不提供 flag，避免出现在进程列表里；用 DFTW_GRR_PASSWORD 或 .env
func initGRRFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	grrPrefix := "grr."

	f.String(grrPrefix+"endpoint", defaultCfg.GRR.Endpoint, "-> GRR API endpoint (GRR 地址)")
	f.String(grrPrefix+"username", defaultCfg.GRR.Username, "-> GRR username (GRR 用户名)")
	f.StringSlice(grrPrefix+"approvers", defaultCfg.GRR.Approvers, "-> Default approvers for hunt approval requests (默认审批人)")
	f.Bool(grrPrefix+"verify", defaultCfg.GRR.Verify, "-> Verify the GRR TLS certificate (校验证书)")
}
