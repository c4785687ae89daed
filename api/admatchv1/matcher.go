// Package admatchv1 defines the admatch.v1.Matcher gRPC service: its
// messages, service descriptor and client stub. Messages travel as CBOR
// using the codec registered under CodecName.
package admatchv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "admatch.v1.Matcher"

	Matcher_RegisterKey_FullMethodName    = "/admatch.v1.Matcher/RegisterKey"
	Matcher_PutCampaign_FullMethodName    = "/admatch.v1.Matcher/PutCampaign"
	Matcher_DeleteCampaign_FullMethodName = "/admatch.v1.Matcher/DeleteCampaign"
	Matcher_Match_FullMethodName          = "/admatch.v1.Matcher/Match"
	Matcher_HealthCheck_FullMethodName    = "/admatch.v1.Matcher/HealthCheck"
)

type RegisterKeyRequest struct {
	EvaluationKey     []byte `cbor:"1,keyasint"`
	SessionTtlSeconds int32  `cbor:"2,keyasint,omitempty"`
}

type RegisterKeyResponse struct {
	SessionId         string `cbor:"1,keyasint"`
	SessionTtlSeconds int32  `cbor:"2,keyasint"`
}

// Campaign carries a cleartext target profile as hex, most significant
// digit first.
type Campaign struct {
	Id        string `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint,omitempty"`
	Width     int32  `cbor:"3,keyasint"`
	TargetHex string `cbor:"4,keyasint"`
}

type PutCampaignRequest struct {
	Campaign *Campaign `cbor:"1,keyasint"`
}

type PutCampaignResponse struct {
	Id string `cbor:"1,keyasint"`
}

type DeleteCampaignRequest struct {
	Ids []string `cbor:"1,keyasint"`
}

type DeleteCampaignResponse struct{}

type MatchRequest struct {
	SessionId        string   `cbor:"1,keyasint"`
	EncryptedProfile []byte   `cbor:"2,keyasint"`
	CampaignIds      []string `cbor:"3,keyasint,omitempty"`
}

type CampaignScore struct {
	CampaignId string `cbor:"1,keyasint"`
	Distance   []byte `cbor:"2,keyasint"`
	Overlap    []byte `cbor:"3,keyasint"`
}

type MatchResponse struct {
	Scores []*CampaignScore `cbor:"1,keyasint"`
}

type HealthCheckRequest struct{}

type HealthCheckResponse_ServingStatus int32

const (
	HealthCheckResponse_UNKNOWN     HealthCheckResponse_ServingStatus = 0
	HealthCheckResponse_SERVING     HealthCheckResponse_ServingStatus = 1
	HealthCheckResponse_NOT_SERVING HealthCheckResponse_ServingStatus = 2
)

type HealthCheckResponse struct {
	Status         HealthCheckResponse_ServingStatus `cbor:"1,keyasint"`
	Message        string                            `cbor:"2,keyasint,omitempty"`
	ActiveSessions int64                             `cbor:"3,keyasint"`
	CampaignCount  int64                             `cbor:"4,keyasint"`
	Width          int32                             `cbor:"5,keyasint"`
}

// MatcherServer is the server API for the Matcher service.
type MatcherServer interface {
	RegisterKey(context.Context, *RegisterKeyRequest) (*RegisterKeyResponse, error)
	PutCampaign(context.Context, *PutCampaignRequest) (*PutCampaignResponse, error)
	DeleteCampaign(context.Context, *DeleteCampaignRequest) (*DeleteCampaignResponse, error)
	Match(context.Context, *MatchRequest) (*MatchResponse, error)
	HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
}

// UnimplementedMatcherServer can be embedded to have forward compatible
// implementations.
type UnimplementedMatcherServer struct{}

func (UnimplementedMatcherServer) RegisterKey(context.Context, *RegisterKeyRequest) (*RegisterKeyResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterKey not implemented")
}
func (UnimplementedMatcherServer) PutCampaign(context.Context, *PutCampaignRequest) (*PutCampaignResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method PutCampaign not implemented")
}
func (UnimplementedMatcherServer) DeleteCampaign(context.Context, *DeleteCampaignRequest) (*DeleteCampaignResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method DeleteCampaign not implemented")
}
func (UnimplementedMatcherServer) Match(context.Context, *MatchRequest) (*MatchResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Match not implemented")
}
func (UnimplementedMatcherServer) HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HealthCheck not implemented")
}

// RegisterMatcherServer registers srv on s.
func RegisterMatcherServer(s grpc.ServiceRegistrar, srv MatcherServer) {
	s.RegisterService(&Matcher_ServiceDesc, srv)
}

func unaryHandler[Req any](fullMethod string, call func(MatcherServer, context.Context, *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MatcherServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MatcherServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Matcher_ServiceDesc is the grpc.ServiceDesc for the Matcher service.
var Matcher_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MatcherServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterKey",
			Handler: unaryHandler(Matcher_RegisterKey_FullMethodName, func(s MatcherServer, ctx context.Context, in *RegisterKeyRequest) (any, error) {
				return s.RegisterKey(ctx, in)
			}),
		},
		{
			MethodName: "PutCampaign",
			Handler: unaryHandler(Matcher_PutCampaign_FullMethodName, func(s MatcherServer, ctx context.Context, in *PutCampaignRequest) (any, error) {
				return s.PutCampaign(ctx, in)
			}),
		},
		{
			MethodName: "DeleteCampaign",
			Handler: unaryHandler(Matcher_DeleteCampaign_FullMethodName, func(s MatcherServer, ctx context.Context, in *DeleteCampaignRequest) (any, error) {
				return s.DeleteCampaign(ctx, in)
			}),
		},
		{
			MethodName: "Match",
			Handler: unaryHandler(Matcher_Match_FullMethodName, func(s MatcherServer, ctx context.Context, in *MatchRequest) (any, error) {
				return s.Match(ctx, in)
			}),
		},
		{
			MethodName: "HealthCheck",
			Handler: unaryHandler(Matcher_HealthCheck_FullMethodName, func(s MatcherServer, ctx context.Context, in *HealthCheckRequest) (any, error) {
				return s.HealthCheck(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admatch/v1/matcher",
}

// MatcherClient is the client API for the Matcher service.
type MatcherClient interface {
	RegisterKey(ctx context.Context, in *RegisterKeyRequest, opts ...grpc.CallOption) (*RegisterKeyResponse, error)
	PutCampaign(ctx context.Context, in *PutCampaignRequest, opts ...grpc.CallOption) (*PutCampaignResponse, error)
	DeleteCampaign(ctx context.Context, in *DeleteCampaignRequest, opts ...grpc.CallOption) (*DeleteCampaignResponse, error)
	Match(ctx context.Context, in *MatchRequest, opts ...grpc.CallOption) (*MatchResponse, error)
	HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error)
}

type matcherClient struct {
	cc grpc.ClientConnInterface
}

// NewMatcherClient creates a client stub on cc. Every call is sent with the
// CBOR content subtype.
func NewMatcherClient(cc grpc.ClientConnInterface) MatcherClient {
	return &matcherClient{cc: cc}
}

func (c *matcherClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *matcherClient) RegisterKey(ctx context.Context, in *RegisterKeyRequest, opts ...grpc.CallOption) (*RegisterKeyResponse, error) {
	out := new(RegisterKeyResponse)
	if err := c.invoke(ctx, Matcher_RegisterKey_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *matcherClient) PutCampaign(ctx context.Context, in *PutCampaignRequest, opts ...grpc.CallOption) (*PutCampaignResponse, error) {
	out := new(PutCampaignResponse)
	if err := c.invoke(ctx, Matcher_PutCampaign_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *matcherClient) DeleteCampaign(ctx context.Context, in *DeleteCampaignRequest, opts ...grpc.CallOption) (*DeleteCampaignResponse, error) {
	out := new(DeleteCampaignResponse)
	if err := c.invoke(ctx, Matcher_DeleteCampaign_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *matcherClient) Match(ctx context.Context, in *MatchRequest, opts ...grpc.CallOption) (*MatchResponse, error) {
	out := new(MatchResponse)
	if err := c.invoke(ctx, Matcher_Match_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *matcherClient) HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	out := new(HealthCheckResponse)
	if err := c.invoke(ctx, Matcher_HealthCheck_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
