package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const testPrefixBase = "MIG_TEST_"

// IdentityScheme 由 (kind, sourceKey) 推导确定性的外部标识。
// Prefix 非空时用于隔离测试写入，便于之后批量清理。
type IdentityScheme struct {
	Prefix string
}

// Identity 计算外部标识：前缀 + 小写类型 + 内容哈希前 24 位。
func (s IdentityScheme) Identity(kind Kind, sourceKey string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + sourceKey))
	return s.Prefix + strings.ToLower(string(kind)) + "-" + hex.EncodeToString(sum[:])[:24]
}

// TestPrefix 返回按日期命名的测试前缀，例如 MIG_TEST_20261018_。
func TestPrefix(day time.Time) string {
	return testPrefixBase + day.UTC().Format("20060102") + "_"
}

// IsTestPrefix 判断字符串是否以测试前缀开头。
func IsTestPrefix(s string) bool {
	return strings.HasPrefix(s, testPrefixBase)
}
