package llm_model

// Config 步骤生成模型客户端配置。
// BaseURL 指向 openai 兼容服务的 /v1 前缀。
type Config struct {
	BaseURL     string  `json:"baseUrl"`
	Model       string  `json:"model"`
	Token       string  `json:"token"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}
