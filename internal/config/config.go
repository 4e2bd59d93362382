package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ctfforge/ctfforge/internal/logger"
	"github.com/ctfforge/ctfforge/internal/validator"
)

type PortsConfig struct {
	BasePort      int  `mapstructure:"base_port"       validate:"required,gt=0,lte=65535"`
	BlockSize     int  `mapstructure:"block_size"      validate:"required,gt=0"`
	PerHostRanges bool `mapstructure:"per_host_ranges"`
}

type DockerConfig struct {
	// Prefix for networks and container names so multiple deployments can coexist
	NetworkPrefix string `mapstructure:"network_prefix" validate:"required"`
}

type KubernetesConfig struct {
	Namespace  string `mapstructure:"namespace"  validate:"required"`
	Kubeconfig string `mapstructure:"kubeconfig"`
	InCluster  bool   `mapstructure:"in_cluster"`
}

type TestConfig struct {
	Retries     int           `mapstructure:"retries"      validate:"gte=0"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"  validate:"required"`
	StepTimeout time.Duration `mapstructure:"step_timeout" validate:"required"`
}

type OrchestratorConfig struct {
	Parallelism          int   `mapstructure:"parallelism"            validate:"required,gt=0"`
	GracefulShutdownSecs int64 `mapstructure:"graceful_shutdown_secs" validate:"gte=0"`
}

type CTFdConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type SlogConfig struct {
	Level int `mapstructure:"level"`
}

type LoggingConfig struct {
	App     SlogConfig `mapstructure:"app"`
	UseOTLP bool       `mapstructure:"use_otlp"`
}

// See ctfforge.yaml for an example config
type Config struct {
	Ports        *PortsConfig        `mapstructure:"ports"        validate:"required"`
	Docker       *DockerConfig       `mapstructure:"docker"       validate:"required"`
	Kubernetes   *KubernetesConfig   `mapstructure:"kubernetes"   validate:"required"`
	Test         *TestConfig         `mapstructure:"test"         validate:"required"`
	Orchestrator *OrchestratorConfig `mapstructure:"orchestrator" validate:"required"`
	CTFd         *CTFdConfig         `mapstructure:"ctfd"`
	Logging      *LoggingConfig      `mapstructure:"logging"`
}

const (
	AppLogLevel              string = "logging.app.level"
	UseOTLP                  string = "logging.use_otlp"
	BasePort                 string = "ports.base_port"
	BlockSize                string = "ports.block_size"
	PerHostRanges            string = "ports.per_host_ranges"
	DockerNetworkPrefix      string = "docker.network_prefix"
	KubernetesNamespace      string = "kubernetes.namespace"
	KubernetesKubeconfig     string = "kubernetes.kubeconfig"
	KubernetesInCluster      string = "kubernetes.in_cluster"
	TestRetries              string = "test.retries"
	TestRetryDelay           string = "test.retry_delay"
	TestStepTimeout          string = "test.step_timeout"
	OrchestratorParallelism  string = "orchestrator.parallelism"
	GracefulShutdownSecs     string = "orchestrator.graceful_shutdown_secs"
	CTFdURL                  string = "ctfd.url"
	CTFdToken                string = "ctfd.token"
	EnvPrefix                string = "ctfforge"
	DefaultChallengeBasePort int    = 8000
	DefaultPortBlockSize     int    = 5
)

var configReady = false
var config Config
var configFile string
var overrides = map[string]any{}

// SetConfigFile points GetConfig at an explicit config file instead of the
// default search path.
func SetConfigFile(path string) {
	configFile = path
	configReady = false
}

// Override forces a single key to a value, taking precedence over the
// config file and environment. Used for command-line flag overrides.
func Override(key string, value any) {
	overrides[key] = value
	configReady = false
}

func GetConfig() (*Config, error) {
	if configReady {
		logger.Logger.Debug("returning already-loaded config")
		return &config, nil
	}
	logger.Logger.Info("loading config")

	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("ctfforge")

		v.AddConfigPath("/etc/ctfforge/")
		v.AddConfigPath(".")
	}

	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// workaround for https://github.com/spf13/viper/issues/761
	// bind env vars explicitly so they unmarshal into the nested struct
	err := v.BindEnv(CTFdToken)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(CTFdURL)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(KubernetesKubeconfig)
	if err != nil {
		return nil, err
	}

	v.SetDefault(BasePort, DefaultChallengeBasePort)
	v.SetDefault(BlockSize, DefaultPortBlockSize)
	v.SetDefault(PerHostRanges, false)

	v.SetDefault(DockerNetworkPrefix, "ctfforge")

	v.SetDefault(KubernetesNamespace, "ctfforge")
	v.SetDefault(KubernetesInCluster, false)

	v.SetDefault(TestRetries, 2)
	v.SetDefault(TestRetryDelay, 2*time.Second)
	v.SetDefault(TestStepTimeout, 2*time.Minute)

	v.SetDefault(OrchestratorParallelism, 4)
	v.SetDefault(GracefulShutdownSecs, 30)

	v.SetDefault(AppLogLevel, int(slog.LevelInfo))
	v.SetDefault(UseOTLP, false)

	err = v.ReadInConfig()
	if err != nil {
		// ignore config file not found to allow pure env config
		if _, ok := err.(*viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	err = v.Unmarshal(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	valid := validator.Create()
	err = valid.Validate(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	configReady = true
	return &config, nil
}
