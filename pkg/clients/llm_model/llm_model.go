package llm_model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"form_mapper/config"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

const (
	clientNameChatModel = "chat_model"
)

type ClientChatModel struct {
	config *Config
}

var (
	instance *ClientChatModel
	once     sync.Once
)

func GetInstance() *ClientChatModel {
	once.Do(func() {
		conf := &Config{
			BaseURL:     config.GetInstance().GetString(config.ClientChatModelAddr),
			Model:       config.GetInstance().GetString(config.ClientChatModelModel),
			Token:       config.GetInstance().GetString(config.ClientChatModelApiKey),
			Temperature: cast.ToFloat32(config.GetInstance().GetFloat64(config.ClientChatModelTemperature)),
			MaxTokens:   config.GetInstance().GetInt(config.ClientChatModelMaxTokens),
		}

		instance = &ClientChatModel{
			config: conf,
		}
	})
	return instance
}

// @Description 封装非流式调用，直接返回完整结果
// @Param c context.Context
// @Param messages []openai.ChatCompletionMessage
// @Success *openai.ChatCompletionResponse
// @Success error
func (zc *ClientChatModel) PostChatCompletionsNonStream(c context.Context, messages []openai.ChatCompletionMessage) (*openai.ChatCompletionResponse, error) {
	defaultReq := openai.DefaultConfig(zc.config.Token)
	defaultReq.BaseURL = zc.config.BaseURL

	client := openai.NewClientWithConfig(defaultReq)

	// 创建请求结构
	request := openai.ChatCompletionRequest{
		Model:       zc.config.Model,
		Messages:    messages,
		MaxTokens:   zc.config.MaxTokens,
		Temperature: zc.config.Temperature,
		Stream:      false,
	}

	// debug 出完整的请求参数，json格式（仅在 debug 级别时序列化）
	if log.GetLevel() == log.DebugLevel {
		requestJson, err := json.MarshalIndent(request, "", "  ")
		if err != nil {
			log.Errorf("%s chat completion request json marshal error: %v", clientNameChatModel, err)
			return nil, err
		}
		// 直接输出格式化的 JSON 到标准输出，避免日志系统转义换行符
		if _, err := fmt.Fprintf(os.Stdout, "[DEBUG] %s chat completion request:\n%s\n", clientNameChatModel, string(requestJson)); err != nil {
			log.Warnf("%s failed to write debug output: %v", clientNameChatModel, err)
		}
	}

	response, err := client.CreateChatCompletion(c, request)

	if err != nil {
		log.Errorf("%s chat completion error: %v", clientNameChatModel, err)
		return nil, err
	}

	// debug 出完整的响应内容，json格式（仅在 debug 级别时序列化）
	if log.GetLevel() == log.DebugLevel {
		responseJson, err := json.MarshalIndent(response, "", "  ")
		if err != nil {
			log.Errorf("%s chat completion response json marshal error: %v", clientNameChatModel, err)
		} else {
			// 直接输出格式化的 JSON 到标准输出，避免日志系统转义换行符
			if _, err := fmt.Fprintf(os.Stdout, "[DEBUG] %s chat completion response:\n%s\n", clientNameChatModel, string(responseJson)); err != nil {
				log.Warnf("%s failed to write debug output: %v", clientNameChatModel, err)
			}
		}
	}

	return &response, nil
}
