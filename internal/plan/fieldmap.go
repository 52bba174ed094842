package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"volt-migrate/internal/entity"
)

// Transform 为字段从源值到载荷值的转换方式。
type Transform string

const (
	TransformCopy     Transform = "copy"
	TransformString   Transform = "string"
	TransformInt      Transform = "int"
	TransformNumber   Transform = "number"
	TransformBool     Transform = "bool"
	TransformPrefixed Transform = "prefixed"
	TransformTime     Transform = "time"
)

// FieldMapping 描述一个 (源字段, 目标字段, 转换) 映射。
type FieldMapping struct {
	Source    string
	Target    string
	Transform Transform
	Required  bool
}

// ReferenceSpec 声明载荷中的外键字段及其目标类型。
type ReferenceSpec struct {
	Field  string
	Target entity.Kind
}

// KindSpec 为单个实体类型的载荷映射表。
type KindSpec struct {
	Kind       entity.Kind
	Fields     []FieldMapping
	References []ReferenceSpec
	// MatchField 为远端自然键，用于发现与清理时匹配已有实体。
	MatchField   string
	VerifyFields []string
}

// Reference 返回字段对应的外键声明。
func (s KindSpec) Reference(field string) (ReferenceSpec, bool) {
	for _, ref := range s.References {
		if ref.Field == field {
			return ref, true
		}
	}
	return ReferenceSpec{}, false
}

// Field 按目标字段查找映射。
func (s KindSpec) Field(target string) (FieldMapping, bool) {
	for _, f := range s.Fields {
		if f.Target == target {
			return f, true
		}
	}
	return FieldMapping{}, false
}

// PrefixedMatch 判断自然键是否带测试前缀，仅这类实体可按前缀远端扫描。
func (s KindSpec) PrefixedMatch() bool {
	f, ok := s.Field(s.MatchField)
	return ok && f.Transform == TransformPrefixed
}

func str(name string) FieldMapping { return FieldMapping{Source: name, Target: name, Transform: TransformString} }
func num(name string) FieldMapping { return FieldMapping{Source: name, Target: name, Transform: TransformNumber} }
func integer(name string) FieldMapping {
	return FieldMapping{Source: name, Target: name, Transform: TransformInt}
}
func boolean(name string) FieldMapping {
	return FieldMapping{Source: name, Target: name, Transform: TransformBool}
}
func timestamp(name string) FieldMapping {
	return FieldMapping{Source: name, Target: name, Transform: TransformTime}
}

var transactionID = FieldMapping{Source: "transactionId", Target: "transactionId", Transform: TransformInt, Required: true}

// DefaultSpecs 为远端交易平台各类实体的载荷形态。
var DefaultSpecs = map[entity.Kind]KindSpec{
	entity.KindSymbolGroup: {
		Kind: entity.KindSymbolGroup,
		Fields: []FieldMapping{
			{Source: "name", Target: "name", Transform: TransformPrefixed, Required: true},
			str("description"),
		},
		MatchField:   "name",
		VerifyFields: []string{"name"},
	},
	entity.KindSymbol: {
		Kind: entity.KindSymbol,
		Fields: []FieldMapping{
			{Source: "name", Target: "name", Transform: TransformPrefixed, Required: true},
			str("description"),
			str("baseCurrency"),
			str("quoteCurrency"),
			integer("digits"),
			num("contractSize"),
			num("tickSize"),
			num("tickValue"),
			num("spread"),
			num("spreadBalance"),
			boolean("spreadFixed"),
			num("minVolume"),
			num("maxVolume"),
			num("volumeStep"),
			num("swapLong"),
			num("swapShort"),
			integer("swapMode"),
		},
		References: []ReferenceSpec{
			{Field: "symbolsGroupId", Target: entity.KindSymbolGroup},
		},
		MatchField:   "name",
		VerifyFields: []string{"name"},
	},
	entity.KindTrader: {
		Kind: entity.KindTrader,
		Fields: []FieldMapping{
			{Source: "login", Target: "login", Transform: TransformInt, Required: true},
			str("firstName"),
			str("lastName"),
			str("email"),
			str("phone"),
			str("country"),
			num("balance"),
			num("credit"),
			integer("leverage"),
			str("tradeType"),
			boolean("isEnabled"),
			boolean("isReadOnly"),
			{Source: "group", Target: "mt5_group", Transform: TransformString},
		},
		References: []ReferenceSpec{
			{Field: "tradersGroupId", Target: entity.KindSymbolGroup},
		},
		MatchField:   "login",
		VerifyFields: []string{"login"},
	},
	entity.KindOrder: {
		Kind: entity.KindOrder,
		Fields: []FieldMapping{
			transactionID,
			integer("orderType"),
			integer("state"),
			num("volume"),
			num("volumeCurrent"),
			num("price"),
			num("priceCurrent"),
			num("stopLoss"),
			num("takeProfit"),
			str("symbol"),
			str("comment"),
			timestamp("timeSetup"),
			timestamp("timeExpiration"),
			timestamp("timeDone"),
		},
		References: []ReferenceSpec{
			{Field: "traderId", Target: entity.KindTrader},
			{Field: "symbolId", Target: entity.KindSymbol},
		},
		MatchField:   "transactionId",
		VerifyFields: []string{"transactionId"},
	},
	entity.KindPosition: {
		Kind: entity.KindPosition,
		Fields: []FieldMapping{
			transactionID,
			integer("positionType"),
			num("volume"),
			num("priceOpen"),
			num("priceCurrent"),
			num("priceStopLoss"),
			num("priceTakeProfit"),
			num("swap"),
			num("profit"),
			str("symbol"),
			str("comment"),
			timestamp("timeOpen"),
			timestamp("timeUpdate"),
		},
		References: []ReferenceSpec{
			{Field: "traderId", Target: entity.KindTrader},
			{Field: "symbolId", Target: entity.KindSymbol},
		},
		MatchField:   "transactionId",
		VerifyFields: []string{"transactionId"},
	},
	entity.KindDeal: {
		Kind: entity.KindDeal,
		Fields: []FieldMapping{
			transactionID,
			integer("dealType"),
			integer("dealEntry"),
			num("volume"),
			num("price"),
			num("swap"),
			num("commission"),
			num("profit"),
			str("symbol"),
			str("comment"),
			timestamp("timeExecuted"),
		},
		References: []ReferenceSpec{
			{Field: "traderId", Target: entity.KindTrader},
			{Field: "symbolId", Target: entity.KindSymbol},
			{Field: "orderId", Target: entity.KindOrder},
			{Field: "positionId", Target: entity.KindPosition},
		},
		MatchField:   "transactionId",
		VerifyFields: []string{"transactionId"},
	},
}

// shape 按映射表生成载荷，缺失的可选字段不出现在载荷中。
func shape(spec KindSpec, rec entity.Record, prefix string) (map[string]any, []Violation) {
	payload := make(map[string]any, len(spec.Fields)+len(rec.References))
	var violations []Violation

	for _, f := range spec.Fields {
		raw, ok := rec.Fields[f.Source]
		if !ok || raw == nil {
			if f.Required {
				violations = append(violations, Violation{
					Code:    CodeMissingField,
					Key:     rec.Key(),
					Field:   f.Source,
					Message: fmt.Sprintf("缺少必填字段 %q", f.Source),
				})
			}
			continue
		}

		v, err := applyTransform(f.Transform, raw, prefix)
		if err != nil {
			violations = append(violations, Violation{
				Code:    CodeInvalidField,
				Key:     rec.Key(),
				Field:   f.Source,
				Message: fmt.Sprintf("字段 %q 转换失败: %v", f.Source, err),
			})
			continue
		}
		payload[f.Target] = v
	}
	return payload, violations
}

func applyTransform(t Transform, raw any, prefix string) (any, error) {
	switch t {
	case TransformCopy, "":
		return raw, nil
	case TransformString:
		return toString(raw)
	case TransformPrefixed:
		s, err := toString(raw)
		if err != nil {
			return nil, err
		}
		if prefix != "" && !strings.HasPrefix(s, prefix) {
			s = prefix + s
		}
		return s, nil
	case TransformInt:
		n, err := toInt(raw)
		if err != nil {
			return nil, err
		}
		return json.Number(strconv.FormatInt(n, 10)), nil
	case TransformNumber:
		d, err := toDecimal(raw)
		if err != nil {
			return nil, err
		}
		return json.Number(d.String()), nil
	case TransformBool:
		return toBool(raw)
	case TransformTime:
		ts, err := toTime(raw)
		if err != nil {
			return nil, err
		}
		return ts.UTC().Format(time.RFC3339), nil
	default:
		return nil, fmt.Errorf("未知转换 %q", t)
	}
}

func toString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case json.Number:
		return v.String(), nil
	case float64:
		return decimal.NewFromFloat(v).String(), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("无法转换为字符串: %T", raw)
	}
}

// toDecimal 将数值统一为十进制表示，String() 输出不含尾随零。
func toDecimal(raw any) (decimal.Decimal, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch v := raw.(type) {
	case decimal.Decimal:
		d = v
	case json.Number:
		d, err = decimal.NewFromString(v.String())
	case string:
		d, err = decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(v), " ", ""))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("非法数值 %v", v)
		}
		d = decimal.NewFromFloat(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case int64:
		d = decimal.NewFromInt(v)
	default:
		return decimal.Zero, fmt.Errorf("无法转换为数值: %T", raw)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

func toInt(raw any) (int64, error) {
	d, err := toDecimal(raw)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%s 不是整数", d.String())
	}
	return d.IntPart(), nil
}

func toBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y":
			return true, nil
		case "false", "0", "no", "n", "":
			return false, nil
		}
		return false, fmt.Errorf("无法识别的布尔值 %q", v)
	default:
		n, err := toInt(raw)
		if err != nil {
			return false, err
		}
		return n != 0, nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006.01.02 15:04:05",
	"2006.01.02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006.01.02",
	"2006-01-02",
}

// ParseTime 解析 ISO-8601 与 MT5 导出的时间格式，无时区信息时按 UTC 处理。
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析时间 %q", s)
}

func toTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		return ParseTime(v)
	default:
		return time.Time{}, fmt.Errorf("无法转换为时间: %T", raw)
	}
}

// EqualValues 比较两个载荷值，数值按十进制比较以忽略表示差异。
func EqualValues(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if isNumeric(expected) || isNumeric(actual) {
		a, errA := toDecimal(expected)
		b, errB := toDecimal(actual)
		if errA == nil && errB == nil {
			return a.Equal(b)
		}
	}
	as, errA := toString(expected)
	bs, errB := toString(actual)
	if errA == nil && errB == nil {
		return as == bs
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

func isNumeric(v any) bool {
	switch v.(type) {
	case json.Number, float64, int, int64, decimal.Decimal:
		return true
	default:
		return false
	}
}
