package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zhukovaskychina/xmysql-trxcore/logger"
	"github.com/zhukovaskychina/xmysql-trxcore/server/conf"
)

var (
	configPath string
	logLevel   string
)

func loadConfig() (*conf.Cfg, error) {
	logger.InitWithWriter(os.Stderr, logLevel)
	return conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "xtrx",
		Short: "XMySQL transaction subsystem tool",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "configPath", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "日志级别")

	rootCmd.AddCommand(
		newInspectCommand(),
		newLogCommand(),
		newStressCommand(),
	)
	return rootCmd
}

func main() {
	cobra.EnablePrefixMatching = true

	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
