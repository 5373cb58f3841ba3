package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/manager"
)

func newLogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Dump the commit/abort records of the redo log",
		Args:  cobra.NoArgs,
		RunE:  runLogCommandFunc,
	}
}

func runLogCommandFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 打开时会截断残缺的尾部
	redo, err := manager.NewRedoLogManager(cfg.RedoLogPath(), false)
	if err != nil {
		return err
	}
	defer redo.Close()

	out := cmd.OutOrStdout()
	err = redo.Scan(func(e manager.RedoLogEntry) error {
		_, err := fmt.Fprintf(out, "lsn=%d trx=%d type=%s\n", e.LSN, e.TrxID, manager.LogTypeName(e.Type))
		return err
	})
	if err != nil {
		return err
	}

	stats := redo.Stats()
	fmt.Fprintf(out, "%d records, %d bytes\n", stats.TotalLogs, stats.TotalSize)
	return nil
}
