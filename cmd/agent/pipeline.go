package agent

import (
	"github.com/spf13/cobra"
)

func initPipelineFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	p := "pipeline."

	f.Int(p+"max_threads", defaultCfg.Pipeline.MaxThreads, "-> Concurrent Process calls of thread-aware modules (并发数)")
	f.Duration(p+"approval_poll_interval", defaultCfg.Pipeline.ApprovalPollInterval, "-> How often to retry while waiting for GRR approval (审批轮询间隔)")
	f.Duration(p+"approval_timeout", defaultCfg.Pipeline.ApprovalTimeout, "-> Give up waiting for approval after this long, 0 waits forever (审批等待上限)")
	f.Duration(p+"timeline_poll_interval", defaultCfg.Pipeline.TimelinePollInterval, "-> How often to check pending Timesketch timelines (时间线轮询间隔)")
	f.Duration(p+"timeline_timeout", defaultCfg.Pipeline.TimelineTimeout, "-> Give up waiting for timelines after this long, 0 waits forever (时间线等待上限)")
}
