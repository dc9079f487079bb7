package config

import (
	"time"

	"github.com/spf13/viper"
)

// IngestConfig 控制入库流水线的行为。
type IngestConfig struct {
	// WorkerCount 是扫描/指纹计算工作池的并发数，<=0 时取 CPU 核数。
	WorkerCount int `mapstructure:"workerCount"`
	// BatchSize 是一次批量写入数据库的图片数量上限。
	BatchSize int `mapstructure:"batchSize"`
	// FilePatterns 限定参与扫描的文件扩展名（如 ".jpg"）。为空时使用内置图片扩展名。
	FilePatterns []string `mapstructure:"filePatterns"`
	// FacetFields 是入库后默认构建分面索引的元数据字段，按钻取顺序排列。
	FacetFields []string `mapstructure:"facetFields"`
	// ThumbnailSize 是入库时生成的预览图边长（像素）；<=0 时不生成预览图。
	ThumbnailSize int `mapstructure:"thumbnailSize"`
}

type Config struct {
	Server struct {
		Port    string        `mapstructure:"port"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"server"`

	Database struct {
		URI  string `mapstructure:"uri"`
		Name string `mapstructure:"name"`
	} `mapstructure:"database"`

	Logger struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logger"`

	Ingest IngestConfig `mapstructure:"ingest"`
}

var C *Config

func LoadConfig(path string) (err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err = v.ReadInConfig(); err != nil {
		return
	}

	err = v.Unmarshal(&C)
	return
}
