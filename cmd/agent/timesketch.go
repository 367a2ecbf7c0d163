package agent

import (
	"github.com/spf13/cobra"
)

func initTimesketchFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	tsPrefix := "timesketch."

	f.String(tsPrefix+"endpoint", defaultCfg.Timesketch.Endpoint, "-> Timesketch endpoint (Timesketch 地址)")
	f.String(tsPrefix+"username", defaultCfg.Timesketch.Username, "-> Timesketch username (Timesketch 用户名)")
	f.Bool(tsPrefix+"verify", defaultCfg.Timesketch.Verify, "-> Verify the Timesketch TLS certificate (校验证书)")
}
