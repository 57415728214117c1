// Package database 建立 sqlstore 與 SQLLocker 共用的 gorm 連線
package database

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultHost    = "localhost"
	defaultPort    = 5432
	defaultSSLMode = "disable"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrUnknownDriver = errors.New("unknown database driver")

// Option 連線設定
type Option struct {
	Driver     string            `yaml:"driver"`      // postgres | sqlite
	Host       string            `yaml:"host"`        // postgres 主機
	Port       int               `yaml:"port"`        // postgres 埠
	User       string            `yaml:"user"`        // 使用者
	Password   string            `yaml:"password"`    // 密碼
	Database   string            `yaml:"database"`    // 資料庫名稱
	SSLMode    string            `yaml:"ssl_mode"`    // sslmode 參數
	Params     map[string]string `yaml:"params"`      // 其他 DSN 參數
	ConnString string            `yaml:"conn_string"` // 完整 DSN，設定後忽略其他欄位
	Path       string            `yaml:"path"`        // sqlite 檔案路徑

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	Config *gorm.Config `yaml:"-"`
}

// Client 包裝 gorm 連線池
type Client struct {
	opt Option
	db  *gorm.DB
}

// New 依設定開啟連線
func New(opt Option) (*Client, error) {
	var dialector gorm.Dialector
	switch opt.Driver {
	case "", DriverPostgres:
		dsn, err := opt.DSN()
		if err != nil {
			return nil, err
		}
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		path := opt.Path
		if path == "" {
			path = opt.ConnString
		}
		if path == "" {
			return nil, fmt.Errorf("database: sqlite path is empty")
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opt.Driver)
	}

	config := opt.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", opt.driverName(), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: pool: %w", err)
	}
	if opt.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}

	return &Client{opt: opt, db: db}, nil
}

// DB 返回底層 gorm.DB
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close 關閉連線池
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) driverName() string {
	if opt.Driver == "" {
		return DriverPostgres
	}
	return opt.Driver
}

// DSN 組出 postgres 連線字串
func (opt Option) DSN() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}
