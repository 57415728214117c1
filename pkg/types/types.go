// Package types 定義了 beaver-jobrun 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JobID 任務唯一識別碼
type JobID string

// OwnerToken 代表一個 worker 進程的身份，進程啟動時產生一次，作為所有租約的持有者
type OwnerToken string

// NewOwnerToken 產生新的 owner token
func NewOwnerToken() OwnerToken {
	return OwnerToken(uuid.NewString())
}

// NewJobID 產生隨機任務 ID（提交時未指定 ID 的任務使用）
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// JobType 任務種類，決定 payload 的型別與對應的 processor
type JobType string

const (
	TypeSoftTrailingStop JobType = "soft_trailing_stop" // 軟追蹤止損
	TypePriceAlert       JobType = "price_alert"        // 價格提醒
)

var (
	ErrMissingPayload  = errors.New("job payload does not match job type")
	ErrInvalidJobValue = errors.New("invalid job value")
)

// Job 任務結構，代表一個長時間運行、可恢復的策略實例
//
// Job 是不可變的值：需要修改欄位時產生新的 Job（例如 WithLastSyncPrice），
// 不在原處修改。
type Job struct {
	ID   JobID   `json:"id"`
	Type JobType `json:"type"`

	// 依 Type 只會有一個非 nil
	TrailingStop *SoftTrailingStop `json:"trailing_stop,omitempty"`
	Alert        *PriceAlert       `json:"alert,omitempty"`

	// 時間管理（Unix 毫秒）
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Market 交易對
type Market struct {
	Exchange   string `json:"exchange"`
	Base       string `json:"base"`
	Counter    string `json:"counter"`
	PriceScale int32  `json:"price_scale"`
}

// PairName 返回 BASE/COUNTER 格式
func (m Market) PairName() string {
	return m.Base + "/" + m.Counter
}

func (m Market) String() string {
	return m.Exchange + "/" + m.PairName()
}

// SoftTrailingStop 軟追蹤止損：價格上漲時提高水位線，跌破止損價時以限價賣出
type SoftTrailingStop struct {
	Market          Market          `json:"market"`
	Amount          decimal.Decimal `json:"amount"`
	StartPrice      decimal.Decimal `json:"start_price"`
	LastSyncPrice   decimal.Decimal `json:"last_sync_price"`
	StopPercentage  decimal.Decimal `json:"stop_percentage"`
	LimitPercentage decimal.Decimal `json:"limit_percentage"`
}

var hundred = decimal.NewFromInt(100)

// StopPrice = lastSyncPrice × (1 − stop%/100)，依市場精度四捨五入
func (s SoftTrailingStop) StopPrice() decimal.Decimal {
	return s.LastSyncPrice.
		Mul(decimal.NewFromInt(1).Sub(s.StopPercentage.Div(hundred))).
		Round(s.Market.PriceScale)
}

// LimitPrice = startPrice × (1 − limit%/100)，依市場精度四捨五入
func (s SoftTrailingStop) LimitPrice() decimal.Decimal {
	return s.StartPrice.
		Mul(decimal.NewFromInt(1).Sub(s.LimitPercentage.Div(hundred))).
		Round(s.Market.PriceScale)
}

// AlertDirection 價格提醒方向
type AlertDirection string

const (
	AlertAbove AlertDirection = "above"
	AlertBelow AlertDirection = "below"
)

// PriceAlert 價格提醒：最新價穿越門檻時通知一次並結束
type PriceAlert struct {
	Market    Market          `json:"market"`
	Direction AlertDirection  `json:"direction"`
	Threshold decimal.Decimal `json:"threshold"`
	Message   string          `json:"message,omitempty"`
}

// Triggered 判斷最新價是否已穿越門檻
func (a PriceAlert) Triggered(last decimal.Decimal) bool {
	switch a.Direction {
	case AlertAbove:
		return last.GreaterThanOrEqual(a.Threshold)
	case AlertBelow:
		return last.LessThanOrEqual(a.Threshold)
	default:
		return false
	}
}

// WithLastSyncPrice 返回提高水位線後的新 Job，原 Job 不變
func (j Job) WithLastSyncPrice(price decimal.Decimal) Job {
	if j.TrailingStop == nil {
		return j
	}
	ts := *j.TrailingStop
	ts.LastSyncPrice = price
	j.TrailingStop = &ts
	return j
}

// WithID 返回指定 ID 的新 Job
func (j Job) WithID(id JobID) Job {
	j.ID = id
	return j
}

// Validate 檢查 Type 與 payload 是否一致
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidJobValue)
	}
	switch j.Type {
	case TypeSoftTrailingStop:
		if j.TrailingStop == nil {
			return fmt.Errorf("%w: %s", ErrMissingPayload, j.Type)
		}
		if !j.TrailingStop.StopPercentage.IsPositive() {
			return fmt.Errorf("%w: stop percentage must be positive", ErrInvalidJobValue)
		}
	case TypePriceAlert:
		if j.Alert == nil {
			return fmt.Errorf("%w: %s", ErrMissingPayload, j.Type)
		}
		if j.Alert.Direction != AlertAbove && j.Alert.Direction != AlertBelow {
			return fmt.Errorf("%w: unknown alert direction %q", ErrInvalidJobValue, j.Alert.Direction)
		}
	}
	return nil
}

func (j Job) String() string {
	return fmt.Sprintf("Job[%s %s]", j.ID, j.Type)
}

// Status 處理器 start 的結果
type Status string

const (
	StatusRunning          Status = "RUNNING"           // 已開始持續運行
	StatusSuccess          Status = "SUCCESS"           // 立即成功完成
	StatusFailurePermanent Status = "FAILURE_PERMANENT" // 永久失敗，不再重試
	StatusFailureTransient Status = "FAILURE_TRANSIENT" // 暫時失敗，租約過期後重試
)

// Terminal 是否為終止狀態（任務應被刪除）
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailurePermanent
}
