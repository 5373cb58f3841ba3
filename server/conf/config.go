package conf

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-trxcore/logger"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"

	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
*
[mysqld]
datadir = data

[innodb]
trx_status_file           = xmysql_trx.xid
redo_log_dir              = redo
lock_pool_evict_threshold = 4096
transaction_isolation     = REPEATABLE-READ
*/
type Cfg struct {
	Raw     *ini.File
	DataDir string

	// logs
	LogError string `default:"/var/log/mysql/error.log" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"/var/log/mysql/mysql.log" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`

	// innodb 事务子系统
	InnodbTrxStatusFile          string `default:"xmysql_trx.xid" yaml:"trx_status_file" json:"trx_status_file,omitempty"`
	InnodbRedoLogDir             string `default:"redo" yaml:"redo_log_dir" json:"redo_log_dir,omitempty"`
	InnodbLockPoolEvictThreshold int    `default:"4096" yaml:"lock_pool_evict_threshold" json:"lock_pool_evict_threshold,omitempty"`
	InnodbRedoFlushOnCommit      bool   `default:"true" yaml:"redo_flush_on_commit" json:"redo_flush_on_commit,omitempty"`
	TrxRequireReplication        bool   `default:"false" yaml:"trx_require_replication" json:"trx_require_replication,omitempty"`
	TransactionIsolation         string `default:"REPEATABLE-READ" yaml:"transaction_isolation" json:"transaction_isolation,omitempty"`
	IsolationLevel               mvcc.IsolationLevel

	// metrics
	MetricsAddr string `default:"127.0.0.1:9104" yaml:"metrics_addr" json:"metrics_addr,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:     ini.Empty(),
		DataDir: "data",
		// Logs 默认配置
		LogError: "/var/log/mysql/error.log",
		LogInfos: "/var/log/mysql/mysql.log",
		LogLevel: "info",
		// InnoDB 事务默认配置
		InnodbTrxStatusFile:          "xmysql_trx.xid",
		InnodbRedoLogDir:             "redo",
		InnodbLockPoolEvictThreshold: 4096,
		InnodbRedoFlushOnCommit:      true,
		TransactionIsolation:         mvcc.RepeatableRead.String(),
		IsolationLevel:               mvcc.RepeatableRead,
		MetricsAddr:                  "127.0.0.1:9104",
	}
}

// Load 读取配置文件，文件不存在时使用默认配置
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cfg.Apply(iniFile)
}

// Apply 将已解析的ini内容应用到配置
func (cfg *Cfg) Apply(iniFile *ini.File) (*Cfg, error) {
	cfg.Raw = iniFile
	cfg.parseMysqldCfg(cfg.Raw.Section("mysqld"))
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	cfg.parseMetricsCfg(cfg.Raw.Section("metrics"))
	if err := cfg.parseInnodbCfg(cfg.Raw.Section("innodb")); err != nil {
		return nil, errors.Annotate(err, "section [innodb]")
	}
	return cfg, nil
}

// TrxStatusFilePath 事务状态表文件路径
func (cfg *Cfg) TrxStatusFilePath() string {
	if filepath.IsAbs(cfg.InnodbTrxStatusFile) {
		return cfg.InnodbTrxStatusFile
	}
	return filepath.Join(cfg.DataDir, cfg.InnodbTrxStatusFile)
}

// RedoLogPath redo日志目录
func (cfg *Cfg) RedoLogPath() string {
	if filepath.IsAbs(cfg.InnodbRedoLogDir) {
		return cfg.InnodbRedoLogDir
	}
	return filepath.Join(cfg.DataDir, cfg.InnodbRedoLogDir)
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) parseMysqldCfg(section *ini.Section) {
	if dataDir, err := valueAsString(section, "datadir", cfg.DataDir); err == nil {
		cfg.DataDir = dataDir
	}
}

func (cfg *Cfg) parseMetricsCfg(section *ini.Section) {
	if section.HasKey("metrics_addr") {
		// 允许显式配置为空以关闭metrics
		cfg.MetricsAddr = section.Key("metrics_addr").String()
	}
}

func (cfg *Cfg) parseInnodbCfg(section *ini.Section) error {
	if v, err := valueAsString(section, "trx_status_file", cfg.InnodbTrxStatusFile); err == nil {
		cfg.InnodbTrxStatusFile = v
	}
	if v, err := valueAsString(section, "redo_log_dir", cfg.InnodbRedoLogDir); err == nil {
		cfg.InnodbRedoLogDir = v
	}

	if section.HasKey("lock_pool_evict_threshold") {
		threshold, err := section.Key("lock_pool_evict_threshold").Int()
		if err != nil {
			return errors.Annotatef(err, "lock_pool_evict_threshold")
		}
		if threshold <= 0 {
			return errors.Errorf("lock_pool_evict_threshold must be positive, got %d", threshold)
		}
		cfg.InnodbLockPoolEvictThreshold = threshold
	}

	if err := valueAsBool(section, "redo_flush_on_commit", &cfg.InnodbRedoFlushOnCommit); err != nil {
		return err
	}
	if err := valueAsBool(section, "trx_require_replication", &cfg.TrxRequireReplication); err != nil {
		return err
	}

	isolation, _ := valueAsString(section, "transaction_isolation", cfg.TransactionIsolation)
	level, err := mvcc.ParseIsolationLevel(isolation)
	if err != nil {
		return errors.Trace(err)
	}
	if !level.SnapshotSupported() {
		return errors.Errorf("transaction_isolation %s is not supported", level)
	}
	cfg.TransactionIsolation = level.String()
	cfg.IsolationLevel = level
	return nil
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	if v, err := valueAsString(section, "log_error", cfg.LogError); err == nil {
		cfg.LogError = v
	}
	if v, err := valueAsString(section, "log_infos", cfg.LogInfos); err == nil {
		cfg.LogInfos = v
	}
	if v, err := valueAsString(section, "log_level", cfg.LogLevel); err == nil {
		cfg.LogLevel = strings.ToLower(v)
		switch cfg.LogLevel {
		case "debug", "info", "warn", "error", "fatal":
		default:
			logger.Debugf("警告: 无效的日志级别 '%s', 使用默认级别 'info'\n", v)
			cfg.LogLevel = "info"
		}
	}
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	// 如果没有指定配置文件路径，使用默认的conf/my.ini
	configFile := "conf/my.ini"
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置\n", configFile)
		return ini.Empty(), nil
	}

	parsedFile, err := ini.Load(configFile)
	if err != nil {
		return nil, errors.Annotatef(err, "parse %s", configFile)
	}
	logger.Debugf("成功加载配置文件: %s\n", configFile)
	return parsedFile, nil
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) (value string, err error) {
	if section == nil {
		return defaultValue, nil
	}
	value = section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value, nil
}

// valueAsBool 键存在时解析布尔值，非法值返回错误
func valueAsBool(section *ini.Section, keyName string, value *bool) error {
	if !section.HasKey(keyName) {
		return nil
	}
	v, err := section.Key(keyName).Bool()
	if err != nil {
		return errors.Annotatef(err, "%s", keyName)
	}
	*value = v
	return nil
}
