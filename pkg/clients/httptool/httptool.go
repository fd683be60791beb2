package httptool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"form_mapper/config"
	"form_mapper/pkg/tools"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	ConnectionRefusedTag = "connection refused"

	HeaderContentType = "Content-Type"
)

var replaceErrorMsg = map[string]string{
	ConnectionRefusedTag: "链接失败",
}

type ResponseMsg struct {
	Message string `json:"message"`
}

type HTTPClient struct {
	sync.RWMutex
	hc                http.Client
	baseAddr          string
	defaultRespReader HTTPResponseReader
	header            http.Header
	clientName        string
}

type HTTPResponseReader func(*http.Response, *http.Request, time.Time) ([]byte, error)

func NewHTTPClient(baseAddr, clientName string, timeout time.Duration, transport *http.Transport, defaultRespReader HTTPResponseReader) *HTTPClient {
	ret := &HTTPClient{
		baseAddr: "http://" + baseAddr,
		hc: http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		clientName: clientName,
	}
	if defaultRespReader == nil {
		ret.defaultRespReader = ret.readResponse
	} else {
		ret.defaultRespReader = defaultRespReader
	}
	return ret
}

func (hc *HTTPClient) SetHeader(key, value string) {
	hc.Lock()
	defer hc.Unlock()

	if hc.header == nil {
		hc.header = http.Header{}
	}

	hc.header.Set(key, value)
}

func (hc *HTTPClient) GetWithContext(ctx context.Context, url string) ([]byte, error) {
	return hc.fetchWithContext(ctx, "GET", url, nil, nil)
}

func (hc *HTTPClient) Get(url string) ([]byte, error) {
	return hc.fetch("GET", url, nil, nil)
}

func (hc *HTTPClient) GetParams(url string, params map[string][]string) ([]byte, error) {
	if len(params) == 0 {
		return hc.fetch("GET", url, nil, nil)
	}
	var paramSlice []string
	for key, valSlice := range params {
		for _, val := range valSlice {
			paramSlice = append(paramSlice, key+"="+val)
		}
	}
	url = url + "?" + strings.Join(paramSlice, "&")
	return hc.fetch("GET", url, nil, nil)
}

func (hc *HTTPClient) GetParamsWithContext(ctx context.Context, url string, params map[string][]string) ([]byte, error) {
	if len(params) == 0 {
		return hc.fetchWithContext(ctx, "GET", url, nil, nil)
	}
	var paramSlice []string
	for key, valSlice := range params {
		for _, val := range valSlice {
			paramSlice = append(paramSlice, key+"="+val)
		}
	}
	url = url + "?" + strings.Join(paramSlice, "&")
	return hc.fetchWithContext(ctx, "GET", url, nil, nil)
}

func (hc *HTTPClient) PostJSON(url string, obj interface{}) ([]byte, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return hc.Post(url, bytes.NewBuffer(body))
}

func (hc *HTTPClient) PostJSONWithContext(ctx context.Context, url string, obj interface{}) ([]byte, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return hc.PostWithContext(ctx, url, bytes.NewBuffer(body))
}

func (hc *HTTPClient) Post(url string, body io.Reader) ([]byte, error) {
	return hc.fetch(http.MethodPost, url, body, nil)
}

func (hc *HTTPClient) PostWithContext(ctx context.Context, url string, body io.Reader) ([]byte, error) {
	return hc.fetchWithContext(ctx, http.MethodPost, url, body, nil)
}

func (hc *HTTPClient) PutJSON(url string, obj interface{}) ([]byte, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return hc.Put(url, bytes.NewBuffer(body))
}

func (hc *HTTPClient) PutJSONWithContext(ctx context.Context, url string, obj interface{}) ([]byte, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return hc.PutWithContext(ctx, url, bytes.NewBuffer(body))
}

func (hc *HTTPClient) Put(url string, body io.Reader) ([]byte, error) {
	return hc.fetch(http.MethodPut, url, body, nil)
}

func (hc *HTTPClient) PutWithContext(ctx context.Context, url string, body io.Reader) ([]byte, error) {
	return hc.fetchWithContext(ctx, http.MethodPut, url, body, nil)
}

func (hc *HTTPClient) DeleteJSON(url string, obj interface{}) ([]byte, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return hc.Delete(url, bytes.NewBuffer(body))
}

func (hc *HTTPClient) DeleteJSONWithContext(ctx context.Context, url string, obj interface{}) ([]byte, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return hc.DeleteWithContext(ctx, url, bytes.NewBuffer(body))
}

func (hc *HTTPClient) Delete(url string, body io.Reader) ([]byte, error) {
	return hc.fetch(http.MethodDelete, url, body, nil)
}

func (hc *HTTPClient) DeleteWithContext(ctx context.Context, url string, body io.Reader) ([]byte, error) {
	return hc.fetchWithContext(ctx, http.MethodDelete, url, body, nil)
}

func (hc *HTTPClient) fetchWithContext(ctx context.Context, method, url string, body io.Reader, respReader HTTPResponseReader) ([]byte, error) {
	targetURL := fmt.Sprintf("%v%v", hc.baseAddr, url)

	ok := config.GetInstance().GetBool(config.ClientsCommonRequestLog)
	now := time.Now()

	if ok && body != nil {
		b, _ := io.ReadAll(body)

		body = bytes.NewReader(b)
		log.Debugf("Sending %v request to %v", method, targetURL)
		log.Debugf("Body = %v", string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	hc.RLock()
	req.Header = hc.header.Clone()
	hc.RUnlock()
	resp, err := hc.hc.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), ConnectionRefusedTag) {
			return nil, fmt.Errorf("%s模块: %s %s", hc.clientName, req.Host, replaceErrorMsg[ConnectionRefusedTag])
		}
		return nil, errors.WithStack(err)
	}
	// 写会request body方便传递
	req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	r := hc.getRespReader(respReader)
	return r(resp, req, now)
}

func (hc *HTTPClient) fetch(method, url string, body io.Reader, respReader HTTPResponseReader) ([]byte, error) {
	targetURL := fmt.Sprintf("%v%v", hc.baseAddr, url)

	ok := config.GetInstance().GetBool(config.ClientsCommonRequestLog)
	now := time.Now()

	if ok && body != nil {
		b, _ := io.ReadAll(body)

		body = bytes.NewReader(b)
		log.Debugf("Sending %v request to %v", method, targetURL)
		log.Debugf("Body = %v", string(b))
	}

	req, err := http.NewRequest(method, targetURL, body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	hc.RLock()
	req.Header = hc.header.Clone()
	hc.RUnlock()
	resp, err := hc.hc.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), ConnectionRefusedTag) {
			return nil, fmt.Errorf("%s模块: %s %s", hc.clientName, req.Host, replaceErrorMsg[ConnectionRefusedTag])
		}
		return nil, errors.WithStack(err)
	}
	// 写会request body方便传递
	req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	r := hc.getRespReader(respReader)
	return r(resp, req, now)
}

func (hc *HTTPClient) getRespReader(respReader HTTPResponseReader) HTTPResponseReader {
	if respReader != nil {
		return respReader
	}
	return hc.defaultRespReader
}

func (hc *HTTPClient) readResponse(resp *http.Response, req *http.Request, startTime time.Time) ([]byte, error) {
	defer tools.ErrorWithPrintContext(resp.Body.Close, "close response body")
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var respStr string
	if len(bodyBytes) > 1024*100 {
		respStr = fmt.Sprintf("resp大小: %v", len(bodyBytes))
	} else {
		respStr = string(bodyBytes)
	}

	ok := config.GetInstance().GetBool(config.ClientsCommonRequestLog)
	if ok {
		log.Debugf("Got response from %v %v, status code = %d, body = %v took = %v", req.Method, req.URL, resp.StatusCode, respStr, time.Since(startTime))
	}

	if time.Since(startTime) > 800*time.Millisecond {
		log.Infof("TimeConsuming: from %v %v, request body = %v status code = %d, response body = %v took = %v\n", req.Method, req.URL, req.Body, resp.StatusCode, respStr, time.Since(startTime))
	}

	if resp.StatusCode/100 != 2 {
		errMsg := fmt.Errorf("HTTP request to %v %v failed with status code %d response:%v", req.Method, req.URL, resp.StatusCode, string(bodyBytes))
		if string(bodyBytes) == "" {
			return bodyBytes, errMsg
		}
		var result = new(ResponseMsg)
		if err = json.Unmarshal(bodyBytes, result); err != nil {
			return bodyBytes, errMsg
		}
		return bodyBytes, fmt.Errorf("%s", result.Message)
	}
	return bodyBytes, nil
}
