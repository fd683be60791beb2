package llm_model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/suite"
)

type ClientChatModelTest struct {
	suite.Suite
}

// 本地模拟 openai 兼容接口，避免测试依赖真实大模型服务
func newFakeChatServer(status int, resp *openai.ChatCompletionResponse) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if resp != nil {
			_ = json.NewEncoder(w).Encode(resp)
		} else {
			_, _ = w.Write([]byte(`{"error":{"message":"internal"}}`))
		}
	}))
}

func newTestClient(baseURL string) *ClientChatModel {
	return &ClientChatModel{
		config: &Config{
			BaseURL:     baseURL + "/v1",
			Model:       "test-model",
			Token:       "test-token",
			Temperature: 0.2,
			MaxTokens:   1024,
		},
	}
}

func (c *ClientChatModelTest) TestPostChatCompletionsNonStream_Success() {
	canned := &openai.ChatCompletionResponse{
		ID:    "chatcmpl-test",
		Model: "test-model",
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: `{"steps":[]}`,
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19},
	}
	ts := newFakeChatServer(http.StatusOK, canned)
	defer ts.Close()

	client := newTestClient(ts.URL)

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "你好"},
	}
	response, err := client.PostChatCompletionsNonStream(context.Background(), messages)

	c.Nil(err, "should not return error")
	c.NotNil(response, "response should not be nil")
	if response != nil {
		c.Greater(len(response.Choices), 0, "should have at least one choice")
		c.Equal(`{"steps":[]}`, response.Choices[0].Message.Content)
		c.Equal(19, response.Usage.TotalTokens, "usage should survive the round trip")
	}
}

func (c *ClientChatModelTest) TestPostChatCompletionsNonStream_ServerError() {
	ts := newFakeChatServer(http.StatusInternalServerError, nil)
	defer ts.Close()

	client := newTestClient(ts.URL)

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "测试消息"},
	}
	response, err := client.PostChatCompletionsNonStream(context.Background(), messages)

	c.NotNil(err, "should surface server error")
	c.Nil(response, "response should be nil when error occurs")
}

func TestClientChatModel(t *testing.T) {
	suite.Run(t, new(ClientChatModelTest))
}
