package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Status 标记单个数据源调用的结果。
type Status string

const (
	StatusOK          Status = "ok"
	StatusUnavailable Status = "unavailable"
)

// Result 是数据源返回的带标签结果。
type Result struct {
	Status Status
	Data   string
	Reason string
	Tier   string
}

// OK 构造成功结果。
func OK(tier, data string) Result {
	return Result{Status: StatusOK, Data: data, Tier: tier}
}

// Unavailable 构造不可用结果。
func Unavailable(tier, reason string) Result {
	return Result{Status: StatusUnavailable, Reason: reason, Tier: tier}
}

// Query 是从请求文本中提取出的查询参数。
type Query struct {
	Text    string
	Asset   string
	Address string
}

// Strategy 是单个数据源层级。
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, q Query) Result
}

// Chain 按顺序尝试数据源，第一个成功的结果胜出。
type Chain []Strategy

// Run 执行降级链。全部失败时返回汇总原因。
func (c Chain) Run(ctx context.Context, q Query) Result {
	reasons := make([]string, 0, len(c))
	for _, strategy := range c {
		if ctx.Err() != nil {
			reasons = append(reasons, ctx.Err().Error())
			break
		}
		res := strategy.Fetch(ctx, q)
		if res.Status == StatusOK && strings.TrimSpace(res.Data) != "" {
			if res.Tier == "" {
				res.Tier = strategy.Name()
			}
			return res
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", strategy.Name(), res.Reason))
	}
	return Unavailable("", strings.Join(reasons, "; "))
}

// FetchJSON 发起 GET 请求并解码 JSON 响应。
func FetchJSON(ctx context.Context, client *http.Client, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}
