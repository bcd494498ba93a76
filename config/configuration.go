package config

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/viper"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/insert"
	"github.com/metrico/lokiduck/model"
	"github.com/metrico/lokiduck/scan"
	"github.com/metrico/lokiduck/table"
)

// EnvPrefix is prepended to environment overrides, e.g. LOKIDUCK_LOKI_ADDRESS.
const EnvPrefix = "LOKIDUCK"

type LokiConfiguration struct {
	Address            string        `json:"address" mapstructure:"address"`
	Tenant             string        `json:"tenant" mapstructure:"tenant"`
	Username           string        `json:"username" mapstructure:"username"`
	Password           string        `json:"password" mapstructure:"password"`
	BearerToken        string        `json:"bearer_token" mapstructure:"bearer_token"`
	CAFile             string        `json:"ca_file" mapstructure:"ca_file"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`
	Retries            int           `json:"retries" mapstructure:"retries"`
}

type TableConfiguration struct {
	Name                 string        `json:"name" mapstructure:"name"`
	DefaultSelectorLabel string        `json:"default_selector_label" mapstructure:"default_selector_label"`
	PageSize             int           `json:"page_size" mapstructure:"page_size"`
	Partitions           int           `json:"partitions" mapstructure:"partitions"`
	Lookback             time.Duration `json:"lookback" mapstructure:"lookback"`
	Direction            string        `json:"direction" mapstructure:"direction"`
	ResponseFormat       string        `json:"response_format" mapstructure:"response_format"`
	PushFormat           string        `json:"push_format" mapstructure:"push_format"`
}

type ServerConfiguration struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	// Workers are base URLs of other lokiduck servers that execute plan
	// partitions.
	Workers     []string `json:"workers" mapstructure:"workers"`
	Parallelism int      `json:"parallelism" mapstructure:"parallelism"`
}

type LogConfiguration struct {
	Level string `json:"level" mapstructure:"level"`
}

type Configuration struct {
	Loki   LokiConfiguration   `json:"loki" mapstructure:"loki"`
	Table  TableConfiguration  `json:"table" mapstructure:"table"`
	Server ServerConfiguration `json:"server" mapstructure:"server"`
	Log    LogConfiguration    `json:"log" mapstructure:"log"`
	DBPath string              `json:"db_path" mapstructure:"db_path"`
}

var Config *Configuration

func SetDefaults(v *viper.Viper) {
	v.SetDefault("loki.address", "http://localhost:3100")
	v.SetDefault("loki.tenant", "")
	v.SetDefault("loki.username", "")
	v.SetDefault("loki.password", "")
	v.SetDefault("loki.bearer_token", "")
	v.SetDefault("loki.ca_file", "")
	v.SetDefault("loki.insecure_skip_verify", false)
	v.SetDefault("loki.timeout", time.Duration(0))
	v.SetDefault("loki.retries", client.DefaultBackoff.MaxRetries)

	v.SetDefault("table.name", "loki")
	v.SetDefault("table.default_selector_label", "service_name")
	v.SetDefault("table.page_size", scan.DefaultPageSize)
	v.SetDefault("table.partitions", 1)
	v.SetDefault("table.lookback", scan.DefaultLookback)
	v.SetDefault("table.direction", "backward")
	v.SetDefault("table.response_format", "json")
	v.SetDefault("table.push_format", "json")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8123)
	v.SetDefault("server.workers", []string{})
	v.SetDefault("server.parallelism", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("db_path", "")
}

// InitConfig loads file (optional) into Config. Environment variables
// override the file, flags bound to viper override both.
func InitConfig(file string) error {
	SetDefaults(viper.GetViper())
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", file)
		}
	}
	c := &Configuration{}
	if err := viper.Unmarshal(c); err != nil {
		return errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	Config = c
	return nil
}

func (c *Configuration) Validate() error {
	if c.Loki.Address == "" {
		return errors.New("loki.address is required")
	}
	if c.Table.Name == "" {
		return errors.New("table.name is required")
	}
	if _, err := c.TableConfig(); err != nil {
		return err
	}
	return nil
}

func (c *Configuration) ClientConfig() client.Config {
	b := client.DefaultBackoff
	b.MaxRetries = c.Loki.Retries
	return client.Config{
		Address:            c.Loki.Address,
		TenantID:           c.Loki.Tenant,
		Username:           c.Loki.Username,
		Password:           c.Loki.Password,
		BearerToken:        c.Loki.BearerToken,
		CAFile:             c.Loki.CAFile,
		InsecureSkipVerify: c.Loki.InsecureSkipVerify,
		Timeout:            c.Loki.Timeout,
		Backoff:            b,
	}
}

func (c *Configuration) TableConfig() (table.Config, error) {
	direction, err := model.ParseDirection(c.Table.Direction)
	if err != nil {
		return table.Config{}, errors.Wrap(err, "table.direction")
	}
	format, err := scan.ParseFormat(c.Table.ResponseFormat)
	if err != nil {
		return table.Config{}, errors.Wrap(err, "table.response_format")
	}
	push, err := insert.ParseFormat(c.Table.PushFormat)
	if err != nil {
		return table.Config{}, errors.Wrap(err, "table.push_format")
	}
	return table.Config{
		Name:                 c.Table.Name,
		DefaultSelectorLabel: c.Table.DefaultSelectorLabel,
		PageSize:             c.Table.PageSize,
		Partitions:           c.Table.Partitions,
		Lookback:             c.Table.Lookback,
		Direction:            direction,
		Format:               format,
		PushFormat:           push,
	}, nil
}
