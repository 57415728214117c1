// Package redisstore 以 Redis 實作 store.Store
//
// 每個任務存成一個 Hash：
//
//	jobrun:job:{id}  rec        msgpack 編碼的 record（任務欄位，decimal 為字串）
//	                 created_at 建立時間（Unix 毫秒）
//	jobrun:job_ids   所有任務 id 的 Set，用於列舉
//
// 插入與更新以 Lua 腳本執行，重複偵測與 id 索引維護在同一次呼叫內完成。
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/beaver-jobrun/internal/store"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

const keyPrefix = "jobrun:"

// jobKey jobrun:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey 所有任務 id
const jobIDsKey = keyPrefix + "job_ids"

const recordVersion = 2

// record Hash 中 rec 欄位的內容；decimal 一律存成字串，保持文字精度
type record struct {
	Version      int           `msgpack:"v"`
	Type         string        `msgpack:"t"`
	TrailingStop *trailingStop `msgpack:"ts,omitempty"`
	Alert        *priceAlert   `msgpack:"pa,omitempty"`
	UpdatedAt    int64         `msgpack:"u"`
}

type market struct {
	Exchange   string `msgpack:"ex"`
	Base       string `msgpack:"b"`
	Counter    string `msgpack:"c"`
	PriceScale int32  `msgpack:"ps"`
}

type trailingStop struct {
	Market          market `msgpack:"m"`
	Amount          string `msgpack:"amt"`
	StartPrice      string `msgpack:"start"`
	LastSyncPrice   string `msgpack:"sync"`
	StopPercentage  string `msgpack:"stop"`
	LimitPercentage string `msgpack:"limit"`
}

type priceAlert struct {
	Market    market `msgpack:"m"`
	Direction string `msgpack:"dir"`
	Threshold string `msgpack:"th"`
	Message   string `msgpack:"msg,omitempty"`
}

func toMarket(m types.Market) market {
	return market{Exchange: m.Exchange, Base: m.Base, Counter: m.Counter, PriceScale: m.PriceScale}
}

func (m market) toTypes() types.Market {
	return types.Market{Exchange: m.Exchange, Base: m.Base, Counter: m.Counter, PriceScale: m.PriceScale}
}

// decimals 依序解析一組 decimal 字串，遇到第一個錯誤即停止
type decimals struct{ err error }

func (d *decimals) parse(field, v string) decimal.Decimal {
	if d.err != nil {
		return decimal.Zero
	}
	out, err := decimal.NewFromString(v)
	if err != nil {
		d.err = fmt.Errorf("field %s: %w", field, err)
	}
	return out
}

// KEYS[1]=job key KEYS[2]=ids set; ARGV[1]=id ARGV[2]=rec ARGV[3]=created_at
var insertScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "rec", ARGV[2], "created_at", ARGV[3])
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

// KEYS[1]=job key; ARGV[1]=rec
var updateScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "rec", ARGV[1])
return 1
`)

// Option 選項
type Option func(*Store)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store Redis 任務存儲
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New 建立存儲。呼叫方擁有 client 的生命週期
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping 檢查連線
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func encodeRecord(job types.Job) ([]byte, error) {
	rec := record{
		Version:   recordVersion,
		Type:      string(job.Type),
		UpdatedAt: job.UpdatedAt,
	}
	if ts := job.TrailingStop; ts != nil {
		rec.TrailingStop = &trailingStop{
			Market:          toMarket(ts.Market),
			Amount:          ts.Amount.String(),
			StartPrice:      ts.StartPrice.String(),
			LastSyncPrice:   ts.LastSyncPrice.String(),
			StopPercentage:  ts.StopPercentage.String(),
			LimitPercentage: ts.LimitPercentage.String(),
		}
	}
	if a := job.Alert; a != nil {
		rec.Alert = &priceAlert{
			Market:    toMarket(a.Market),
			Direction: string(a.Direction),
			Threshold: a.Threshold.String(),
			Message:   a.Message,
		}
	}
	return msgpack.Marshal(&rec)
}

func decodeRecord(id string, fields map[string]string) (types.Job, error) {
	var rec record
	if err := msgpack.Unmarshal([]byte(fields["rec"]), &rec); err != nil {
		return types.Job{}, fmt.Errorf("redisstore: decode %s: %w", id, err)
	}
	if rec.Version != recordVersion {
		return types.Job{}, fmt.Errorf("redisstore: decode %s: unsupported record version %d", id, rec.Version)
	}

	job := types.Job{
		ID:        types.JobID(id),
		Type:      types.JobType(rec.Type),
		UpdatedAt: rec.UpdatedAt,
	}
	var d decimals
	if ts := rec.TrailingStop; ts != nil {
		job.TrailingStop = &types.SoftTrailingStop{
			Market:          ts.Market.toTypes(),
			Amount:          d.parse("amount", ts.Amount),
			StartPrice:      d.parse("start_price", ts.StartPrice),
			LastSyncPrice:   d.parse("last_sync_price", ts.LastSyncPrice),
			StopPercentage:  d.parse("stop_percentage", ts.StopPercentage),
			LimitPercentage: d.parse("limit_percentage", ts.LimitPercentage),
		}
	}
	if a := rec.Alert; a != nil {
		job.Alert = &types.PriceAlert{
			Market:    a.Market.toTypes(),
			Direction: types.AlertDirection(a.Direction),
			Threshold: d.parse("threshold", a.Threshold),
			Message:   a.Message,
		}
	}
	if d.err != nil {
		return types.Job{}, fmt.Errorf("redisstore: decode %s: %w", id, d.err)
	}
	if v, ok := fields["created_at"]; ok {
		job.CreatedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return job, nil
}

// Insert 新增任務；key 已存在時返回 store.ErrJobAlreadyExists
func (s *Store) Insert(ctx context.Context, job types.Job) error {
	now := time.Now().UnixMilli()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	rec, err := encodeRecord(job)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", job.ID, err)
	}

	id := string(job.ID)
	n, err := insertScript.Run(ctx, s.client,
		[]string{jobKey(id), jobIDsKey},
		id, rec, job.CreatedAt,
	).Int64()
	if err != nil {
		return fmt.Errorf("redisstore: insert %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrJobAlreadyExists
	}
	return nil
}

// Load 讀取任務
func (s *Store) Load(ctx context.Context, id types.JobID) (types.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(string(id))).Result()
	if err != nil {
		return types.Job{}, fmt.Errorf("redisstore: load %s: %w", id, err)
	}
	if len(fields) == 0 {
		return types.Job{}, store.ErrJobNotFound
	}
	return decodeRecord(string(id), fields)
}

// Update 覆寫 rec 欄位，created_at 不變
func (s *Store) Update(ctx context.Context, job types.Job) error {
	job.UpdatedAt = time.Now().UnixMilli()
	rec, err := encodeRecord(job)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", job.ID, err)
	}

	n, err := updateScript.Run(ctx, s.client, []string{jobKey(string(job.ID))}, rec).Int64()
	if err != nil {
		return fmt.Errorf("redisstore: update %s: %w", job.ID, err)
	}
	if n == 0 {
		return store.ErrJobNotFound
	}
	return nil
}

// Delete 刪除任務及其索引
func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(string(id)))
	pipe.SRem(ctx, jobIDsKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", id, err)
	}
	return nil
}

// List 返回所有任務；已消失或無法解碼的記錄略過
func (s *Store) List(ctx context.Context) ([]types.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list ids: %w", err)
	}
	if len(ids) == 0 {
		return []types.Job{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisstore: list fetch: %w", err)
	}

	jobs := make([]types.Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeRecord(ids[i], fields)
		if err != nil {
			s.logger.Warn("skipping undecodable job", "job_id", ids[i], "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	store.SortByID(jobs)
	return jobs, nil
}
