package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"volt-migrate/internal/entity"
)

// MT5 导出文件名。
const (
	SymbolsFile   = "symbols.json"
	AccountsFile  = "Accounts.htm"
	OrdersFile    = "Orders.htm"
	PositionsFile = "Positions.htm"
	DealsFile     = "Deals.htm"
)

// 由路径推导的交易品种组自成一批。
const derivedOrigin = "derived:groups"

// MT5 中表示空时间的占位值。
const zeroTime = "1970.01.01 00:00:00"

var nonNumeric = regexp.MustCompile(`[^\d.\-]`)

// Loader 读取 MT5 导出目录并转换为归一化记录。
type Loader struct {
	dir    string
	logger *zap.Logger
}

// NewLoader 创建导出目录读取器。
func NewLoader(dir string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{dir: dir, logger: logger}
}

// Load 按类型顺序返回记录批次：派生的品种组、品种、账户、订单、持仓、成交。
// 缺失的文件跳过，空批次不返回。
func (l *Loader) Load() ([][]entity.Record, error) {
	symbols, err := l.loadSymbols()
	if err != nil {
		return nil, err
	}
	accounts, err := l.loadTable(AccountsFile, traderRecord)
	if err != nil {
		return nil, err
	}
	orders, err := l.loadTable(OrdersFile, orderRecord)
	if err != nil {
		return nil, err
	}
	positions, err := l.loadTable(PositionsFile, positionRecord)
	if err != nil {
		return nil, err
	}
	deals, err := l.loadTable(DealsFile, dealRecord)
	if err != nil {
		return nil, err
	}

	groups := deriveGroups(symbols, accounts)

	var batches [][]entity.Record
	for _, batch := range [][]entity.Record{groups, symbols, accounts, orders, positions, deals} {
		if len(batch) > 0 {
			batches = append(batches, batch)
		}
	}

	l.logger.Info("导出文件读取完成",
		zap.String("dir", l.dir),
		zap.Int("symbol_groups", len(groups)),
		zap.Int("symbols", len(symbols)),
		zap.Int("traders", len(accounts)),
		zap.Int("orders", len(orders)),
		zap.Int("positions", len(positions)),
		zap.Int("deals", len(deals)),
	)
	return batches, nil
}

func (l *Loader) read(name string) ([]byte, bool, error) {
	raw, err := os.ReadFile(filepath.Join(l.dir, name))
	if os.IsNotExist(err) {
		l.logger.Warn("导出文件不存在，跳过", zap.String("file", name))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("source: 读取 %s 失败: %w", name, err)
	}
	text, err := decodeText(raw)
	if err != nil {
		return nil, false, fmt.Errorf("source: %s: %w", name, err)
	}
	return text, true, nil
}

func (l *Loader) loadTable(name string, convert func(row map[string]string) (entity.Record, bool)) ([]entity.Record, error) {
	text, ok, err := l.read(name)
	if err != nil || !ok {
		return nil, err
	}
	t, skipped, err := parseTable(text)
	if err != nil {
		return nil, fmt.Errorf("source: %s: %w", name, err)
	}
	if skipped > 0 {
		l.logger.Warn("列数与表头不一致的行已跳过", zap.String("file", name), zap.Int("rows", skipped))
	}

	records := make([]entity.Record, 0, len(t.rows))
	dropped := 0
	for _, row := range t.rows {
		rec, ok := convert(row)
		if !ok {
			dropped++
			continue
		}
		rec.Origin = name
		records = append(records, rec)
	}
	if dropped > 0 {
		l.logger.Warn("缺少主键的行已跳过", zap.String("file", name), zap.Int("rows", dropped))
	}
	return records, nil
}

// loadSymbols 兼容 MT5 服务端导出的几种外层结构。
func (l *Loader) loadSymbols() ([]entity.Record, error) {
	text, ok, err := l.read(SymbolsFile)
	if err != nil || !ok {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("source: 解析 %s 失败: %w", SymbolsFile, err)
	}

	var items []any
	switch v := doc.(type) {
	case []any:
		items = v
	case map[string]any:
		switch {
		case v["Server"] != nil:
			if servers, ok := v["Server"].([]any); ok && len(servers) > 0 {
				if first, ok := servers[0].(map[string]any); ok {
					items, _ = first["ConfigSymbols"].([]any)
				}
			}
		case v["symbols"] != nil:
			items, _ = v["symbols"].([]any)
		case v["ConfigSymbols"] != nil:
			items, _ = v["ConfigSymbols"].([]any)
		default:
			items = []any{v}
		}
	default:
		return nil, fmt.Errorf("source: %s 结构无法识别", SymbolsFile)
	}

	records := make([]entity.Record, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rec, ok := symbolRecord(obj)
		if !ok {
			continue
		}
		rec.Origin = SymbolsFile
		records = append(records, rec)
	}
	return records, nil
}

func symbolRecord(obj map[string]any) (entity.Record, bool) {
	name := firstString(obj, "Symbol", "Name", "symbol")
	if name == "" {
		return entity.Record{}, false
	}
	fields := map[string]any{"name": name}
	setString(fields, "description", firstString(obj, "Description", "description"))
	setString(fields, "baseCurrency", firstString(obj, "CurrencyBase", "BaseCurrency"))
	setString(fields, "quoteCurrency", firstString(obj, "CurrencyProfit", "QuoteCurrency"))

	for target, key := range map[string]string{
		"digits":        "Digits",
		"contractSize":  "ContractSize",
		"tickSize":      "TickSize",
		"tickValue":     "TickValue",
		"minVolume":     "VolumeMin",
		"maxVolume":     "VolumeMax",
		"volumeStep":    "VolumeStep",
		"spread":        "Spread",
		"spreadBalance": "SpreadBalance",
		"swapLong":      "SwapLong",
		"swapShort":     "SwapShort",
		"swapMode":      "SwapMode",
	} {
		if v, ok := obj[key]; ok && v != nil {
			fields[target] = v
		}
	}
	if v, ok := obj["SpreadFixed"]; ok && v != nil {
		fields["spreadFixed"] = v
	}

	rec := entity.Record{Kind: entity.KindSymbol, SourceKey: name, Fields: fields}
	if group := pathGroup(firstString(obj, "Path", "path")); group != "" {
		rec.References = map[string]entity.Ref{"symbolsGroupId": {Kind: entity.KindSymbolGroup, SourceKey: group}}
	}
	return rec, true
}

func traderRecord(row map[string]string) (entity.Record, bool) {
	login, ok := integer(row["Login"])
	if !ok || login.IsZero() {
		return entity.Record{}, false
	}
	key := login.String()
	fields := map[string]any{"login": json.Number(key)}
	setString(fields, "firstName", row["Name"])
	setString(fields, "lastName", firstNonEmpty(row["Last name"], row["Second name"]))
	setString(fields, "email", firstNonEmpty(row["E-mail"], row["Email"]))
	setString(fields, "phone", row["Phone"])
	setString(fields, "country", row["Country"])
	setString(fields, "group", row["Group"])
	setNumber(fields, "balance", row["Balance"])
	setNumber(fields, "credit", row["Credit"])
	if lev, ok := leverage(row["Leverage"]); ok {
		fields["leverage"] = lev
	}

	rec := entity.Record{Kind: entity.KindTrader, SourceKey: key, Fields: fields}
	if group := pathGroup(row["Group"]); group != "" {
		rec.References = map[string]entity.Ref{"tradersGroupId": {Kind: entity.KindSymbolGroup, SourceKey: group}}
	}
	return rec, true
}

var orderTypes = map[string]int{
	"buy": 0, "sell": 1,
	"buy limit": 2, "sell limit": 3,
	"buy stop": 4, "sell stop": 5,
	"buy stop limit": 6, "sell stop limit": 7,
}

var orderStates = map[string]int{
	"started": 0, "placed": 1, "canceled": 2,
	"partial": 3, "filled": 4, "rejected": 5, "expired": 6,
}

func orderRecord(row map[string]string) (entity.Record, bool) {
	id, ok := integer(row["Order"])
	if !ok || id.IsZero() {
		return entity.Record{}, false
	}
	fields := map[string]any{"transactionId": json.Number(id.String())}
	fields["orderType"] = json.Number(fmt.Sprint(lookup(orderTypes, row["Type"], 0)))
	fields["state"] = json.Number(fmt.Sprint(lookup(orderStates, row["State"], 1)))
	setNumber(fields, "volume", row["Initial volume"])
	setNumber(fields, "volumeCurrent", row["Current volume"])
	setNumber(fields, "price", row["Price"])
	setNumber(fields, "priceCurrent", row["Current Price"])
	setNumber(fields, "stopLoss", firstNonEmpty(row["S / L"], row["Stop Loss"]))
	setNumber(fields, "takeProfit", firstNonEmpty(row["T / P"], row["Take Profit"]))
	setString(fields, "symbol", row["Symbol"])
	setString(fields, "comment", row["Comment"])
	setTime(fields, "timeSetup", row["Time"])
	setTime(fields, "timeExpiration", row["Expiration"])

	rec := entity.Record{Kind: entity.KindOrder, SourceKey: id.String(), Fields: fields}
	rec.References = tradeRefs(row, nil)
	return rec, true
}

func positionRecord(row map[string]string) (entity.Record, bool) {
	id, ok := integer(row["Position"])
	if !ok || id.IsZero() {
		return entity.Record{}, false
	}
	fields := map[string]any{"transactionId": json.Number(id.String())}
	positionType := 1
	if strings.Contains(strings.ToLower(row["Type"]), "buy") {
		positionType = 0
	}
	fields["positionType"] = json.Number(fmt.Sprint(positionType))
	setNumber(fields, "volume", row["Volume"])
	setNumber(fields, "priceOpen", row["Price"])
	setNumber(fields, "priceCurrent", row["Current Price"])
	setNumber(fields, "priceStopLoss", firstNonEmpty(row["Stop Loss"], row["S / L"]))
	setNumber(fields, "priceTakeProfit", firstNonEmpty(row["Take Profit"], row["T / P"]))
	setNumber(fields, "swap", row["Swap"])
	setNumber(fields, "profit", row["Profit"])
	setString(fields, "symbol", row["Symbol"])
	setString(fields, "comment", row["Comment"])
	setTime(fields, "timeOpen", row["Time"])

	rec := entity.Record{Kind: entity.KindPosition, SourceKey: id.String(), Fields: fields}
	rec.References = tradeRefs(row, nil)
	return rec, true
}

var dealTypes = map[string]int{
	"buy": 0, "sell": 1, "balance": 2, "credit": 3,
}

var dealEntries = map[string]int{
	"in": 0, "out": 1, "in/out": 2, "out by": 3,
}

func dealRecord(row map[string]string) (entity.Record, bool) {
	id, ok := integer(row["Deal"])
	if !ok || id.IsZero() {
		return entity.Record{}, false
	}
	fields := map[string]any{"transactionId": json.Number(id.String())}
	fields["dealType"] = json.Number(fmt.Sprint(lookup(dealTypes, row["Type"], 0)))
	fields["dealEntry"] = json.Number(fmt.Sprint(lookup(dealEntries, row["Entry"], 0)))
	setNumber(fields, "volume", row["Volume"])
	setNumber(fields, "price", row["Price"])
	setNumber(fields, "swap", row["Swap"])
	setNumber(fields, "commission", row["Commission"])
	setNumber(fields, "profit", row["Profit"])
	setString(fields, "symbol", row["Symbol"])
	setString(fields, "comment", row["Comment"])
	setTime(fields, "timeExecuted", row["Time"])

	rec := entity.Record{Kind: entity.KindDeal, SourceKey: id.String(), Fields: fields}
	extra := map[string]entity.Ref{}
	if order, ok := integer(row["Order"]); ok && !order.IsZero() {
		extra["orderId"] = entity.Ref{Kind: entity.KindOrder, SourceKey: order.String()}
	}
	if pos, ok := integer(row["Position"]); ok && !pos.IsZero() {
		extra["positionId"] = entity.Ref{Kind: entity.KindPosition, SourceKey: pos.String()}
	}
	rec.References = tradeRefs(row, extra)
	return rec, true
}

// tradeRefs 生成交易类记录对账户与品种的引用。
func tradeRefs(row map[string]string, extra map[string]entity.Ref) map[string]entity.Ref {
	refs := make(map[string]entity.Ref, 2+len(extra))
	if login, ok := integer(row["Login"]); ok && !login.IsZero() {
		refs["traderId"] = entity.Ref{Kind: entity.KindTrader, SourceKey: login.String()}
	}
	if symbol := row["Symbol"]; symbol != "" {
		refs["symbolId"] = entity.Ref{Kind: entity.KindSymbol, SourceKey: symbol}
	}
	for k, v := range extra {
		refs[k] = v
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

// deriveGroups 由品种路径与账户分组的第一段推导品种组。
func deriveGroups(batches ...[]entity.Record) []entity.Record {
	seen := make(map[string]bool)
	for _, batch := range batches {
		for _, rec := range batch {
			for _, ref := range rec.References {
				if ref.Kind == entity.KindSymbolGroup {
					seen[ref.SourceKey] = true
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]entity.Record, 0, len(names))
	for _, name := range names {
		out = append(out, entity.Record{
			Kind:      entity.KindSymbolGroup,
			SourceKey: name,
			Fields:    map[string]any{"name": name, "description": "Migrated from MT5: " + name},
			Origin:    derivedOrigin,
		})
	}
	return out
}

// pathGroup 返回 MT5 路径（反斜杠分隔）的第一段。
func pathGroup(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	first, _, _ := strings.Cut(path, `\`)
	return strings.TrimSpace(first)
}

// integer 解析可能带千位分隔符的整数。
func integer(s string) (decimal.Decimal, bool) {
	d, ok := number(s)
	if !ok || !d.IsInteger() {
		return decimal.Decimal{}, false
	}
	return d, true
}

func number(s string) (decimal.Decimal, bool) {
	cleaned := nonNumeric.ReplaceAllString(s, "")
	if cleaned == "" || cleaned == "-" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// leverage 兼容 "1 : 100" 与 "100" 两种写法。
func leverage(s string) (json.Number, bool) {
	if _, after, found := strings.Cut(s, ":"); found {
		s = after
	}
	d, ok := integer(s)
	if !ok {
		return "", false
	}
	return json.Number(d.String()), true
}

func lookup(m map[string]int, s string, fallback int) int {
	if v, ok := m[strings.ToLower(strings.TrimSpace(s))]; ok {
		return v
	}
	return fallback
}

func setString(fields map[string]any, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fields[key] = value
	}
}

func setNumber(fields map[string]any, key, value string) {
	if d, ok := number(value); ok {
		fields[key] = json.Number(d.String())
	}
}

func setTime(fields map[string]any, key, value string) {
	if value = strings.TrimSpace(value); value != "" && value != zeroTime {
		fields[key] = value
	}
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
