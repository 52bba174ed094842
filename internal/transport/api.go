package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"volt-migrate/internal/entity"
)

const apiPrefix = "/api/v1/"

// IdempotencyHeader 携带外部标识，供远端识别重复创建。
const IdempotencyHeader = "Idempotency-Key"

// Object 为远端返回的单个实体。
type Object map[string]any

// ID 返回远端分配的标识，成交等实体使用 transactionId。
func (o Object) ID() string {
	for _, key := range []string{"id", "transactionId"} {
		if id := FormatID(o[key]); id != "" {
			return id
		}
	}
	return ""
}

// FormatID 将 JSON 中的标识值统一为字符串。
func FormatID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return fmt.Sprint(id)
	}
}

// Create 创建实体并返回远端标识与响应对象。
func (c *Client) Create(ctx context.Context, kind entity.Kind, externalID string, payload map[string]any) (string, Object, error) {
	resp, err := c.Send(ctx, http.MethodPost, apiPrefix+kind.Endpoint(), payload, WithHeader(IdempotencyHeader, externalID))
	if err != nil {
		return "", nil, err
	}

	obj, err := decodeObject(resp.Body)
	if err != nil {
		return "", nil, err
	}

	id := obj.ID()
	if id == "" {
		// 部分接口只在 Location 中返回新资源地址
		if loc := resp.Header.Get("Location"); loc != "" {
			id = path.Base(strings.TrimRight(loc, "/"))
		}
	}
	if id == "" {
		return "", obj, fmt.Errorf("transport: 创建 %s 的响应缺少标识", kind)
	}
	return id, obj, nil
}

// Get 按远端标识读取实体。
func (c *Client) Get(ctx context.Context, kind entity.Kind, id string) (Object, error) {
	resp, err := c.Send(ctx, http.MethodGet, apiPrefix+kind.Endpoint()+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject(resp.Body)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, &Error{Kind: ClientError, Method: http.MethodGet, Path: apiPrefix + kind.Endpoint() + "/" + id, Status: http.StatusNotFound, Body: "空响应"}
	}
	return obj, nil
}

// List 列出某类实体，204 视为空集合。
func (c *Client) List(ctx context.Context, kind entity.Kind, query url.Values) ([]Object, error) {
	resp, err := c.Send(ctx, http.MethodGet, apiPrefix+kind.Endpoint(), nil, WithQuery(query))
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusNoContent {
		return nil, nil
	}
	return decodeList(resp.Body)
}

// Delete 删除实体。
func (c *Client) Delete(ctx context.Context, kind entity.Kind, id string) error {
	_, err := c.Send(ctx, http.MethodDelete, apiPrefix+kind.Endpoint()+"/"+url.PathEscape(id), nil)
	return err
}

// NewDecoder 返回保留数字原文的 JSON 解码器。
func NewDecoder(raw []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec
}

func decodeObject(raw []byte) (Object, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var obj Object
	if err := NewDecoder(raw).Decode(&obj); err != nil {
		return nil, fmt.Errorf("transport: 解析实体响应失败: %w", err)
	}
	return obj, nil
}

// decodeList 兼容裸数组与 {items|data: [...]} 两种列表形态。
func decodeList(raw []byte) ([]Object, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []Object
		if err := NewDecoder(trimmed).Decode(&items); err != nil {
			return nil, fmt.Errorf("transport: 解析列表响应失败: %w", err)
		}
		return items, nil
	}

	var envelope struct {
		Items []Object `json:"items"`
		Data  []Object `json:"data"`
	}
	if err := NewDecoder(trimmed).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("transport: 解析列表响应失败: %w", err)
	}
	if envelope.Items != nil {
		return envelope.Items, nil
	}
	return envelope.Data, nil
}
