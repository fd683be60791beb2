package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"form_mapper/config"
	"form_mapper/model"
	"form_mapper/pkg/clients/httptool"
	"form_mapper/pkg/clients/redis"

	goredis "github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

const (
	clientNameBilling = "billing"

	ceilingCacheKeyPrefix = "form_mapper:billing:ceiling:"

	defaultTimeoutSeconds  = 5
	defaultCacheTTLSeconds = 300
)

// ClientBilling 计费服务客户端，提供租户级 AI 预算上限。
// 上限先走 redis 缓存，未命中再请求计费服务；服务不可用时退回配置兜底值。
type ClientBilling struct {
	config   *Config
	hc       *httptool.HTTPClient
	cache    *redis.RedisClient
	fallback *Ceiling
}

var (
	instance *ClientBilling
	once     sync.Once
)

func GetInstance() *ClientBilling {
	once.Do(func() {
		cfg := config.GetInstance()
		conf := &Config{
			Addr:     cfg.GetString(config.BillingClientAddr),
			Timeout:  time.Second * time.Duration(cfg.GetIntOrDefault(config.BillingClientTimeoutSeconds, defaultTimeoutSeconds)),
			CacheTTL: time.Second * time.Duration(cfg.GetIntOrDefault(config.BillingCeilingCacheTTLSecond, defaultCacheTTLSeconds)),
		}

		var fallback *Ceiling
		if cfg.IsSet(config.BillingFallbackCeiling) {
			fallback = &Ceiling{
				MaxCalls:  cfg.GetInt(config.BillingFallbackCeiling + ".maxCalls"),
				MaxTokens: cfg.GetInt(config.BillingFallbackCeiling + ".maxTokens"),
				MaxCost:   cfg.GetFloat64(config.BillingFallbackCeiling + ".maxCost"),
			}
		}

		instance = &ClientBilling{
			config:   conf,
			hc:       httptool.NewHTTPClient(conf.Addr, clientNameBilling, conf.Timeout, nil, nil),
			cache:    redis.GetInstance(),
			fallback: fallback,
		}
	})
	return instance
}

// GetCeiling 取租户预算上限。
// 计费服务和兜底值都拿不到时返回错误，调用方决定放行还是拦截。
func (zc *ClientBilling) GetCeiling(ctx context.Context, companyID string) (*Ceiling, error) {
	if companyID == "" {
		return nil, model.NewError(model.ErrorEmptyId, nil)
	}

	if cached := zc.fromCache(ctx, companyID); cached != nil {
		return cached, nil
	}

	body, err := zc.hc.GetWithContext(ctx, fmt.Sprintf("/api/v1/companies/%s/ai-ceiling", companyID))
	if err != nil {
		if zc.fallback != nil {
			log.Warnf("%s ceiling fetch failed for company %s, using fallback: %v", clientNameBilling, companyID, err)
			return zc.fallback, nil
		}
		log.Errorf("%s ceiling fetch failed for company %s: %v", clientNameBilling, companyID, err)
		return nil, err
	}

	ceiling := new(Ceiling)
	if err := json.Unmarshal(body, ceiling); err != nil {
		log.Errorf("%s ceiling response unmarshal error: %v", clientNameBilling, err)
		if zc.fallback != nil {
			return zc.fallback, nil
		}
		return nil, err
	}

	zc.toCache(ctx, companyID, ceiling)
	return ceiling, nil
}

func (zc *ClientBilling) fromCache(ctx context.Context, companyID string) *Ceiling {
	if zc.cache == nil {
		return nil
	}

	raw, err := zc.cache.Get(ctx, ceilingCacheKeyPrefix+companyID).Result()
	if err != nil {
		if err != goredis.Nil {
			log.Warnf("%s ceiling cache read error: %v", clientNameBilling, err)
		}
		return nil
	}

	ceiling := new(Ceiling)
	if err := json.Unmarshal([]byte(raw), ceiling); err != nil {
		log.Warnf("%s ceiling cache entry corrupt, ignoring: %v", clientNameBilling, err)
		return nil
	}
	return ceiling
}

func (zc *ClientBilling) toCache(ctx context.Context, companyID string, ceiling *Ceiling) {
	if zc.cache == nil {
		return
	}

	raw, err := json.Marshal(ceiling)
	if err != nil {
		return
	}
	if err := zc.cache.Set(ctx, ceilingCacheKeyPrefix+companyID, raw, zc.config.CacheTTL).Err(); err != nil {
		log.Warnf("%s ceiling cache write error: %v", clientNameBilling, err)
	}
}
