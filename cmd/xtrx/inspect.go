package main

import (
	"fmt"
	"strconv"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
	"github.com/zhukovaskychina/xmysql-trxcore/util"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [trx id...]",
		Short: "Print the transaction status file header, active transactions and selected statuses",
		RunE:  runInspectCommandFunc,
	}
}

func runInspectCommandFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfg.TrxStatusFilePath()
	exists, err := util.PathExists(path)
	if err != nil {
		return errors.Trace(err)
	}
	if !exists {
		return errors.NotFoundf("trx status file %s", path)
	}
	f, err := manager.OpenTrxStatusFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	out := cmd.OutOrStdout()
	h := f.Header()
	fmt.Fprintf(out, "file:         %s\n", path)
	fmt.Fprintf(out, "next trx id:  %d\n", h.NextTrxID)
	fmt.Fprintf(out, "active count: %d\n", h.ActiveCount)

	active, err := f.ScanActive()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "active trx:   %v\n", active)

	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return errors.Annotatef(err, "trx id %q", arg)
		}
		status, ok, err := f.Status(mvcc.TrxId(id))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "trx %d: not allocated\n", id)
			continue
		}
		fmt.Fprintf(out, "trx %d: %s\n", id, manager.TrxStatusName(status))
	}
	return nil
}
