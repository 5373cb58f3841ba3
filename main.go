package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zhukovaskychina/xmysql-trxcore/logger"
	"github.com/zhukovaskychina/xmysql-trxcore/server/conf"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/manager"
)

const help = `
******************************************************************************************
 __   ____  __        _____  ____  _          _______ _______   __
 \ \ / /  \/  |      / ____|/ __ \| |        |__   __|  __ \ \ / /
  \ V /| \  / |_   _| (___ | |  | | |  ______   | |  | |__) \ V /
   > < | |\/| | | | |\___ \| |  | | | |______|  | |  |  _  / > <
  / . \| |  | | |_| |____) | |__| | |____       | |  | | \ \/ . \
 /_/ \_\_|  |_|\__, |_____/ \___\_\______|      |_|  |_|  \_\_/ \_\
                __/ |
               |___/
******************************************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定my.ini配置文件
******************************************************************************************
`

func main() {
	var configPath string
	var showHelp bool
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.BoolVar(&showHelp, "help", false, "显示帮助")
	flag.Parse()

	if showHelp {
		fmt.Print(help, "\n")
		return
	}

	args := &conf.CommandLineArgs{
		ConfigPath: configPath,
	}
	config, err := conf.NewCfg().Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logConfig := logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}
	if err := logger.InitLogger(logConfig); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	logger.Infof("Logger initialized successfully with level: %s", config.LogLevel)

	trxSys, err := manager.OpenTrxSys(config, manager.Collaborators{})
	if err != nil {
		logger.Fatalf("Failed to open trx subsystem: %v", err)
	}

	recovered, err := trxSys.Recover()
	if err != nil {
		logger.Fatalf("Failed to recover unfinished transactions: %v", err)
	}
	logger.Infof("Recovery finished, %d transactions rolled back", len(recovered))

	if config.MetricsAddr != "" {
		go serveMetrics(config.MetricsAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Infof("Received signal %s, shutting down", s)

	if err := trxSys.Close(); err != nil {
		logger.Errorf("Failed to close trx subsystem: %v", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Infof("Serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("Metrics server stopped: %v", err)
	}
}
