package server

// ============================================================================
// JobService 服務描述
// ============================================================================
//
// 服務: beaver.jobrun.v1.JobService
//
//   rpc SubmitJob(google.protobuf.Struct) returns (google.protobuf.Struct)
//   rpc ListJobs(google.protobuf.Empty)   returns (google.protobuf.Struct)
//
// 訊息使用 well-known type：Struct 的欄位即任務的 JSON 表示
// （decimal 以字串傳遞，避免經過 float64 損失精度）。
//
// SubmitJob 回應:
//   {"job_id": "...", "accepted": true, "started": true}
//   accepted=true started=false 表示同一 id 已存在，任務已保證在運行
//
// ListJobs 回應:
//   {"jobs": [ {...}, ... ]}  依 id 排序
//
// ============================================================================

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 完整服務名
const ServiceName = "beaver.jobrun.v1.JobService"

const (
	submitJobMethod = "/" + ServiceName + "/SubmitJob"
	listJobsMethod  = "/" + ServiceName + "/ListJobs"
)

// JobServiceServer 服務端介面
type JobServiceServer interface {
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterJobServiceServer 將實作註冊到 gRPC 伺服器
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&jobServiceDesc, srv)
}

var jobServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitJob", Handler: submitJobHandler},
		{MethodName: "ListJobs", Handler: listJobsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/jobrun/v1/job_service.proto",
}

func submitJobHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).SubmitJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitJobMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JobServiceServer).SubmitJob(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listJobsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).ListJobs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listJobsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JobServiceServer).ListJobs(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
