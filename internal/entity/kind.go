package entity

import (
	"fmt"
	"strings"
)

// Kind 表示迁移实体类型。
type Kind string

const (
	KindSymbolGroup Kind = "SymbolGroup"
	KindSymbol      Kind = "Symbol"
	KindTrader      Kind = "Trader"
	KindOrder       Kind = "Order"
	KindPosition    Kind = "Position"
	KindDeal        Kind = "Deal"
)

// Kinds 为规范的依赖顺序，靠前的类型先于靠后的类型创建。
var Kinds = []Kind{
	KindSymbolGroup,
	KindSymbol,
	KindTrader,
	KindOrder,
	KindPosition,
	KindDeal,
}

var endpoints = map[Kind]string{
	KindSymbolGroup: "symbols-groups",
	KindSymbol:      "symbols",
	KindTrader:      "traders",
	KindOrder:       "orders",
	KindPosition:    "positions",
	KindDeal:        "deals",
}

// Rank 返回类型在依赖顺序中的位置，未知类型返回 -1。
func (k Kind) Rank() int {
	for i, item := range Kinds {
		if item == k {
			return i
		}
	}
	return -1
}

// Valid 判断类型是否受支持。
func (k Kind) Valid() bool {
	return k.Rank() >= 0
}

// Endpoint 返回远端 API 中该类型的资源路径段。
func (k Kind) Endpoint() string {
	return endpoints[k]
}

// ParseKind 接受类型名或资源路径段（大小写不敏感）。
func ParseKind(s string) (Kind, error) {
	trimmed := strings.TrimSpace(s)
	for _, k := range Kinds {
		if strings.EqualFold(string(k), trimmed) || strings.EqualFold(k.Endpoint(), trimmed) {
			return k, nil
		}
	}
	return "", fmt.Errorf("entity: 未知实体类型 %q", s)
}

// Reversed 返回逆依赖顺序，用于清理。
func Reversed() []Kind {
	out := make([]Kind, len(Kinds))
	for i, k := range Kinds {
		out[len(Kinds)-1-i] = k
	}
	return out
}
