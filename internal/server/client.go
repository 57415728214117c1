package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// SubmitResult SubmitJob 的回應
type SubmitResult struct {
	JobID    types.JobID
	Accepted bool // 任務已保證會運行
	Started  bool // 本次提交啟動了任務（false 表示同 id 的任務早已存在）
}

// Client JobService 客戶端
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // Dial 建立時非 nil，Close 時關閉
}

// Dial 以明文連線到 addr
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient 使用既有連線
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close 關閉 Dial 建立的連線
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// SubmitJob 提交任務；job.ID 為空時由伺服器指派
func (c *Client) SubmitJob(ctx context.Context, job types.Job) (SubmitResult, error) {
	req, err := jobToStruct(job)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode job: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, submitJobMethod, req, resp); err != nil {
		return SubmitResult{}, err
	}

	fields := resp.GetFields()
	return SubmitResult{
		JobID:    types.JobID(fields["job_id"].GetStringValue()),
		Accepted: fields["accepted"].GetBoolValue(),
		Started:  fields["started"].GetBoolValue(),
	}, nil
}

// ListJobs 列出所有存儲中的任務
func (c *Client) ListJobs(ctx context.Context) ([]types.Job, error) {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listJobsMethod, &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}

	items := resp.GetFields()["jobs"].GetListValue().GetValues()
	jobs := make([]types.Job, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item.GetStructValue().AsMap())
		if err != nil {
			return nil, err
		}
		job, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DecodeJobs 解析 JSON 任務檔：可以是單一物件或陣列
func DecodeJobs(raw []byte) ([]types.Job, error) {
	var jobs []types.Job
	if err := json.Unmarshal(raw, &jobs); err == nil {
		return jobs, nil
	}
	job, err := decodeJob(raw)
	if err != nil {
		return nil, err
	}
	return []types.Job{job}, nil
}
