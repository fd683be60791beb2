//nolint:typecheck
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"form_mapper/constant"
	"form_mapper/pkg/file"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	Path = "config"

	OSConfigPath      = "CONFIG_PATH"
	DefaultConfigName = "config.yaml"
	TypeYaml          = "yaml"
	ProjectName       = "form_mapper"

	ApplicationLogRequest = "app.log.request"
	AppLogLevel           = "app.log.level"
	AppLogReportcaller    = "app.log.reportcaller"
	AppHost               = "app.host"

	BaseDbXormType     = "base.db.xorm.type"
	BaseDbXormUsername = "base.db.xorm.username"
	BaseDbXormPassword = "base.db.xorm.password"
	BaseDbXormHost     = "base.db.xorm.host"
	BaseDbXormPort     = "base.db.xorm.port"
	BaseDbXormName     = "base.db.xorm.name"
	BaseDbXormShowsql  = "base.db.xorm.showsql"

	ClientsCommonRequestLog = "clients.http.requestLog" // pkg/clients http client 是否打印请求

	// 大模型调用配置
	ClientChatModelAddr        = "clients.llmModel.addr"
	ClientChatModelApiKey      = "clients.llmModel.apiKey"
	ClientChatModelModel       = "clients.llmModel.model"
	ClientChatModelTemperature = "clients.llmModel.temperature"
	ClientChatModelMaxTokens   = "clients.llmModel.maxTokens"
	// 每千 token 单价，预算估算用
	ClientChatModelPromptPrice     = "clients.llmModel.promptPricePer1k"
	ClientChatModelCompletionPrice = "clients.llmModel.completionPricePer1k"

	// redis 配置
	RedisClientDb       = "clients.redisClient.db"
	RedisClientHost     = "clients.redisClient.host"
	RedisClientPassword = "clients.redisClient.password"

	// 计费服务配置（提供租户 AI 预算上限）
	BillingClientAddr            = "clients.billing.addr"
	BillingClientTimeoutSeconds  = "clients.billing.timeoutSeconds"
	BillingCeilingCacheTTLSecond = "clients.billing.ceilingCacheTtlSeconds"
	BillingFallbackCeiling       = "clients.billing.fallbackCeiling"

	// 编排器配置
	OrchestratorHeartbeatThresholdSeconds = "orchestrator.heartbeat_threshold_seconds"
	OrchestratorLivenessGraceSeconds      = "orchestrator.liveness_grace_seconds"
	OrchestratorClaimWaitSeconds          = "orchestrator.claim_wait_seconds"
	OrchestratorSweepIntervalSeconds      = "orchestrator.sweep_interval_seconds"
	OrchestratorDefaultMaxRetries         = "orchestrator.default_max_retries"
	OrchestratorDefaultMaxJunctionPaths   = "orchestrator.default_max_junction_paths"
	OrchestratorSessionTimeoutMinutes     = "orchestrator.session_timeout_minutes"
)

var instance *config
var once sync.Once

type config struct {
	*viper.Viper
}

func GetInstance() *config {
	once.Do(func() {
		var configPath string

		envConfigPath := os.Getenv(OSConfigPath)
		if strings.EqualFold(envConfigPath, constant.EmptyString) {
			configPath = fmt.Sprintf("./%v", DefaultConfigName)
			if !file.CheckFileIsExist(configPath) {
				path, err := os.Getwd()
				if err != nil {
					panic("get config path error:" + err.Error())
				}
				configPath = fmt.Sprintf("%v/%v", path[:strings.Index(path, ProjectName)+len(ProjectName)], DefaultConfigName)
			}
			log.Infof("use default path %s", configPath)
		} else {
			log.Infof("find success in constant CONFIG_PATH, use %s", envConfigPath)
			configPath = fmt.Sprintf("%v/%v", envConfigPath, DefaultConfigName)
		}

		configInstance := &config{Viper: viper.New()}
		configInstance.SetConfigType(TypeYaml)
		configInstance.SetConfigFile(configPath)
		if err := configInstance.ReadInConfig(); err != nil {
			panic(err)
		}

		configInstance.AutomaticEnv()
		replacer := strings.NewReplacer(".", "_")
		configInstance.SetEnvKeyReplacer(replacer)

		keys := configInstance.AllKeys()
		for _, key := range keys {
			fmt.Println(key, ":", configInstance.Get(key))
		}

		instance = configInstance
	})
	return instance
}

func (c *config) GetString(key string) string {
	return c.Viper.GetString(key)
}

func (c *config) GetStringOrDefault(key string, defaultValue string) string {
	if c.IsSet(key) {
		return c.GetString(key)
	}

	return defaultValue
}

func (c *config) GetInt(key string) int {
	return c.Viper.GetInt(key)
}

func (c *config) GetIntOrDefault(key string, defaultValue int) int {
	if c.IsSet(key) {
		return c.GetInt(key)
	}

	return defaultValue
}

func (c *config) GetBool(key string) bool {
	return c.Viper.GetBool(key)
}

func (c *config) GetBoolOrDefault(key string, defaultValue bool) bool {
	if c.IsSet(key) {
		return c.GetBool(key)
	}

	return defaultValue
}

func (c *config) GetFloat64(key string) float64 {
	return c.Viper.GetFloat64(key)
}

func (c *config) GetFloat64OrDefault(key string, defaultValue float64) float64 {
	if c.IsSet(key) {
		return c.GetFloat64(key)
	}

	return defaultValue
}
