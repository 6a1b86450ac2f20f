// Package i18n holds the translatable operator-facing log lines printed
// during startup and shutdown.
package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	ConfigInvalid      string
	ConfigLoadFailed   string
	UsingDBPath        string
	DBInitFailed       string
	ServerListening    string
	APIServerError     string
	ShuttingDown       string
	ShutdownComplete   string
	PaperMode          string
	EngineServiceInit  string
	InstanceIdentified string

	// Exchanges
	GatewayInitFailed  string
	UserStreamStarted  string
	UserStreamDisabled string

	// Risk
	GuardLoaded     string
	GuardLoadFailed string

	// Services
	ReconStarted       string
	SchedulerFailed    string
	SignalFeedEnabled  string
	SignalFeedDisabled string
	BalanceSyncStarted string
	SignalFeedFailed   string
	BatchWriterStopped string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting execution core...",
	ConfigLoaded:       "Config loaded (mode: %s, http: %s)",
	ConfigInvalid:      "Invalid config:\n%v",
	ConfigLoadFailed:   "Failed to load config: %v",
	UsingDBPath:        "Using DB path: %s",
	DBInitFailed:       "Failed to init database: %v",
	ServerListening:    "Server listening on %s",
	APIServerError:     "API server error: %v",
	ShuttingDown:       "Shutting down gracefully...",
	ShutdownComplete:   "Shutdown complete",
	PaperMode:          "Running in PAPER mode against testnet endpoints",
	EngineServiceInit:  "Engine service initialized (exchanges: %v)",
	InstanceIdentified: "Instance %s (client order prefix %s)",

	// Exchanges
	GatewayInitFailed:  "Failed to init exchanges: %v",
	UserStreamStarted:  "User data stream started for %s",
	UserStreamDisabled: "User data stream disabled",

	// Risk
	GuardLoaded:     "Guard loaded: %d trades today, daily PnL %.2f",
	GuardLoadFailed: "Failed to load guard metrics: %v",

	// Services
	ReconStarted:       "Reconciliation service started (execute=%v)",
	SchedulerFailed:    "Failed to start scheduler: %v",
	SignalFeedEnabled:  "Signal feed enabled at %s (every %s, batch %d)",
	SignalFeedDisabled: "Signal feed disabled; signals arrive through the API only",
	BalanceSyncStarted: "✓ Margin balance sync every %s",
	SignalFeedFailed:   "Signal feed client init failed: %v",
	BatchWriterStopped: "Audit writer flushed and stopped",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "啟動執行核心...",
	ConfigLoaded:       "設定已載入（模式：%s，HTTP：%s）",
	ConfigInvalid:      "設定無效：\n%v",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	UsingDBPath:        "使用資料庫路徑：%s",
	DBInitFailed:       "初始化資料庫失敗：%v",
	ServerListening:    "服務監聽於 %s",
	APIServerError:     "API 伺服器錯誤：%v",
	ShuttingDown:       "正在優雅關閉...",
	ShutdownComplete:   "關閉完成",
	PaperMode:          "PAPER 模式（使用測試網端點）",
	EngineServiceInit:  "引擎服務初始化完成（交易所：%v）",
	InstanceIdentified: "實例 %s（委託編號前綴 %s）",

	// Exchanges
	GatewayInitFailed:  "初始化交易所失敗：%v",
	UserStreamStarted:  "%s 用戶資料串流已啟動",
	UserStreamDisabled: "用戶資料串流已停用",

	// Risk
	GuardLoaded:     "風控已載入：今日交易 %d 筆，當日損益 %.2f",
	GuardLoadFailed: "載入風控指標失敗：%v",

	// Services
	ReconStarted:       "對帳服務已啟動（執行=%v）",
	SchedulerFailed:    "啟動排程失敗：%v",
	SignalFeedEnabled:  "訊號來源已啟用：%s（每 %s，批次 %d）",
	SignalFeedDisabled: "訊號來源已停用，僅接受 API 提交的訊號",
	BalanceSyncStarted: "✓ 保證金餘額每 %s 同步一次",
	SignalFeedFailed:   "初始化訊號來源客戶端失敗：%v",
	BatchWriterStopped: "稽核寫入器已清空並停止",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		currentLang = LangEN
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
