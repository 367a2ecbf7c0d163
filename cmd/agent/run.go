package agent

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dftw-collector/cmd/server"
	"github.com/dftw-collector/pkg/config"
	"github.com/dftw-collector/pkg/containers"
	"github.com/dftw-collector/pkg/logger"
	"github.com/dftw-collector/pkg/recipe"
	"github.com/dftw-collector/pkg/registers"
	"github.com/dftw-collector/pkg/signal"
	"github.com/dftw-collector/pkg/state"
	"github.com/dftw-collector/pkg/util"
)

func newRunCmd() *cobra.Command {
	var (
		params   map[string]string
		noBanner bool
	)
	cmd := &cobra.Command{
		Use:   "run <recipe.yaml>",
		Short: "Run a recipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigWithCli(cmd)
			if err != nil {
				return err
			}
			rcp, err := recipe.Load(args[0], params)
			if err != nil {
				return err
			}
			if !noBanner {
				util.PrintBanner(cmd.OutOrStdout(), "dfTimewolf", "cyan")
			}
			return runRecipe(cmd, cfg, rcp)
		},
	}
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "-> Recipe parameter key=value, repeatable (配方参数)")
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "-> Do not print the banner")
	return cmd
}

func runRecipe(cmd *cobra.Command, cfg *config.Config, rcp *recipe.Recipe) error {
	// 初始化日志
	log, err := logger.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	// 程序退出时刷盘
	defer func() { _ = logger.Sync() }()
	logger.SetDefaultModule("dftw-collector")

	promReg, pipeline := registers.InitPromRegistry(cfg.Server.Enable)
	if cfg.Server.Enable {
		httpServer := server.NewHTTPServer(cfg.Server, log, promReg)
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("start HTTP server failed: %w", err)
		}
		defer func() { _ = httpServer.Shutdown() }()
	}

	ctx, cancel := signal.WithShutdown(cmd.Context(), log)
	defer cancel()

	st := state.New(log)
	st.SetMetrics(pipeline)
	st.RegisterMessageCallback(messagePrinter(cmd.OutOrStdout()))

	reg, err := registers.NewRegistry(registers.DefaultModules(cfg)...)
	if err != nil {
		return err
	}

	logger.Info("starting recipe", "", zap.String("recipe", rcp.Name), zap.String("run_id", st.RunID))
	runErr := registers.NewRunner(reg, st, cfg.Pipeline.MaxThreads).Run(ctx, rcp)
	printSummary(cmd.OutOrStdout(), st)
	if runErr != nil {
		logger.Error("recipe failed", "", zap.String("recipe", rcp.Name), zap.Error(runErr))
		return runErr
	}
	logger.Info("recipe completed", "", zap.String("recipe", rcp.Name))
	return nil
}

// printSummary 输出报告与非致命错误
func printSummary(w io.Writer, st *state.State) {
	for _, r := range state.GetContainers[*containers.Report](st, false) {
		_, _ = fmt.Fprintf(w, "\n%s\n%s\n", headerStyle(r.ModuleName+" report"), r.Text)
	}
	errs := st.Errors()
	if len(errs) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "\n%s\n", headerStyle(fmt.Sprintf("%d error(s) recorded", len(errs))))
	for _, e := range errs {
		style := warnStyle
		if e.Critical {
			style = errorStyle
		}
		_, _ = fmt.Fprintf(w, "  %s %s\n", style(e.Name+":"), e.Message)
	}
}
