package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-yaml/yaml"
)

type Config struct {
	Server     Server     `yaml:"server"`
	Storage    Storage    `yaml:"storage"`
	Conversion Conversion `yaml:"conversion"`
	Antivirus  Antivirus  `yaml:"antivirus"`
	Indexing   Indexing   `yaml:"indexing"`
	Documents  Documents  `yaml:"documents"`
}

type Server struct {
	Listen        string `yaml:"listen"`
	PostgresDsn   string `yaml:"postgresDsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
}

type Storage struct {
	// DataDir is the root for the blob store; files land under
	// <dataDir>/files, staged transactions under <dataDir>/tmp.
	DataDir string `yaml:"dataDir"`
}

func (s Storage) FilesDir() string {
	return filepath.Join(s.DataDir, "files")
}

func (s Storage) TransactionsDir() string {
	return filepath.Join(s.DataDir, "tmp", "files_transactions")
}

type Conversion struct {
	CacheDir string `yaml:"cacheDir"`
	TmpDir   string `yaml:"tmpDir"`
	// LockDir holds per-handler lock files. Overridden by INSTANCE_VAR_RUN.
	LockDir string `yaml:"lockDir"`
	// LockTimeout bounds waiting on a busy handler lock.
	LockTimeout time.Duration `yaml:"lockTimeout"`
	// ToolTimeout bounds a single external tool invocation.
	ToolTimeout time.Duration `yaml:"toolTimeout"`
	// SofficePath points at the LibreOffice binary; empty means autodetect.
	SofficePath string `yaml:"sofficePath"`
}

type Antivirus struct {
	// Required demands a conclusive verdict before content is served.
	Required bool `yaml:"required"`
	// ClamdAddr is the clamd endpoint ("/run/clamav/clamd.sock" or
	// "tcp://host:3310"). Empty disables scanning.
	ClamdAddr string `yaml:"clamdAddr"`
	// StreamMaxLength is clamd's stream size limit; larger content is
	// reported unscannable.
	StreamMaxLength int64 `yaml:"streamMaxLength"`
}

type Indexing struct {
	// Dir holds the on-disk index; empty means in-memory (tests).
	Dir string `yaml:"dir"`
}

type Documents struct {
	PreviewSize  int           `yaml:"previewSize"`
	LockLifetime time.Duration `yaml:"lockLifetime"`
}

// Environment variable overrides honored at load time.
const (
	EnvInstanceVarRun = "INSTANCE_VAR_RUN"
	EnvPopplerBin     = "POPPLER_BIN"
	EnvLibreOffice    = "LIBREOFFICEPATH"
	EnvDirectCall     = "TESTING_DIRECT_FUNCTION_CALL"
)

func Load(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	err = yaml.NewDecoder(file).Decode(&config)
	if err != nil {
		return Config{}, err
	}

	config.applyDefaults()
	config.applyEnv()

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8000"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Conversion.CacheDir == "" {
		c.Conversion.CacheDir = filepath.Join(c.Storage.DataDir, "cache")
	}
	if c.Conversion.TmpDir == "" {
		c.Conversion.TmpDir = filepath.Join(c.Storage.DataDir, "tmp")
	}
	if c.Conversion.LockDir == "" {
		c.Conversion.LockDir = filepath.Join(c.Storage.DataDir, "lock")
	}
	if c.Conversion.LockTimeout == 0 {
		c.Conversion.LockTimeout = 30 * time.Minute
	}
	if c.Conversion.ToolTimeout == 0 {
		c.Conversion.ToolTimeout = 60 * time.Second
	}
	if c.Antivirus.StreamMaxLength == 0 {
		c.Antivirus.StreamMaxLength = 25 * 1024 * 1024
	}
	if c.Documents.PreviewSize == 0 {
		c.Documents.PreviewSize = 700
	}
	if c.Documents.LockLifetime == 0 {
		c.Documents.LockLifetime = time.Hour
	}
}

func (c *Config) applyEnv() {
	if dir := os.Getenv(EnvInstanceVarRun); dir != "" {
		c.Conversion.LockDir = dir
	}
	if path := os.Getenv(EnvLibreOffice); path != "" {
		os.Setenv("PATH", os.Getenv("PATH")+string(os.PathListSeparator)+path)
	}
}

// DirectCall reports whether broker sends should run actors synchronously,
// used by the test suite.
func DirectCall() bool {
	return os.Getenv(EnvDirectCall) != ""
}
