package agent

import (
	"github.com/spf13/cobra"

	"github.com/dftw-collector/pkg/config"
)

var defaultCfg = config.NewDefaultConfig()

// NewRootCmd 构建命令树（每次新建，便于测试）
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dftw-collector",
		Short:         "Run forensic collection recipes: GRR hunts in, Timesketch timelines out",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringP("config", "c", "", "配置文件路径 (yaml)")
	// 注册分组 flag
	initServerFlags(root)
	initLogFlags(root)
	initGRRFlags(root)
	initTimesketchFlags(root)
	initPipelineFlags(root)

	root.AddCommand(newRunCmd(), newModulesCmd())
	return root
}

func Execute() {
	cobra.CheckErr(NewRootCmd().Execute())
}
