// Package grpcserver implements the gRPC service for encrypted profile matching.
//
// It delegates all business logic to internal/service.MatchService, translating
// between wire messages and service-layer types.
package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/opaque/admatch/api/admatchv1"
	"github.com/opaque/admatch/internal/service"
	"github.com/opaque/admatch/internal/session"
	"github.com/opaque/admatch/internal/store"
	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/profile"
)

// Server implements the MatcherServer gRPC interface.
type Server struct {
	pb.UnimplementedMatcherServer
	svc *service.MatchService
}

// New creates a new gRPC server backed by the given MatchService.
func New(svc *service.MatchService) *Server {
	return &Server{svc: svc}
}

func (s *Server) RegisterKey(ctx context.Context, req *pb.RegisterKeyRequest) (*pb.RegisterKeyResponse, error) {
	if len(req.EvaluationKey) == 0 {
		return nil, status.Error(codes.InvalidArgument, "evaluation_key is required")
	}

	sessionID, ttl, err := s.svc.RegisterKey(ctx, req.EvaluationKey, req.SessionTtlSeconds)
	if err != nil {
		return nil, mapError(err)
	}

	return &pb.RegisterKeyResponse{
		SessionId:         sessionID,
		SessionTtlSeconds: ttl,
	}, nil
}

func (s *Server) PutCampaign(ctx context.Context, req *pb.PutCampaignRequest) (*pb.PutCampaignResponse, error) {
	if req.Campaign == nil {
		return nil, status.Error(codes.InvalidArgument, "campaign is required")
	}
	c := req.Campaign

	target, err := profile.ParseHex(int(c.Width), c.TargetHex)
	if err != nil {
		return nil, mapError(err)
	}

	id, err := s.svc.PutCampaign(ctx, c.Id, c.Name, target)
	if err != nil {
		return nil, mapError(err)
	}

	return &pb.PutCampaignResponse{Id: id}, nil
}

func (s *Server) DeleteCampaign(ctx context.Context, req *pb.DeleteCampaignRequest) (*pb.DeleteCampaignResponse, error) {
	if len(req.Ids) == 0 {
		return nil, status.Error(codes.InvalidArgument, "ids are required")
	}
	if err := s.svc.DeleteCampaign(ctx, req.Ids...); err != nil {
		return nil, mapError(err)
	}
	return &pb.DeleteCampaignResponse{}, nil
}

func (s *Server) Match(ctx context.Context, req *pb.MatchRequest) (*pb.MatchResponse, error) {
	if req.SessionId == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	if len(req.EncryptedProfile) == 0 {
		return nil, status.Error(codes.InvalidArgument, "encrypted_profile is required")
	}

	results, err := s.svc.Match(ctx, req.SessionId, req.EncryptedProfile, req.CampaignIds)
	if err != nil {
		return nil, mapError(err)
	}

	scores := make([]*pb.CampaignScore, len(results))
	for i, r := range results {
		scores[i] = &pb.CampaignScore{
			CampaignId: r.CampaignID,
			Distance:   r.Distance,
			Overlap:    r.Overlap,
		}
	}

	return &pb.MatchResponse{Scores: scores}, nil
}

func (s *Server) HealthCheck(ctx context.Context, _ *pb.HealthCheckRequest) (*pb.HealthCheckResponse, error) {
	healthy, msg, sessions, campaigns := s.svc.HealthCheck(ctx)

	st := pb.HealthCheckResponse_NOT_SERVING
	if healthy {
		st = pb.HealthCheckResponse_SERVING
	}

	return &pb.HealthCheckResponse{
		Status:         st,
		Message:        msg,
		ActiveSessions: sessions,
		CampaignCount:  campaigns,
		Width:          int32(s.svc.Width()),
	}, nil
}

// mapError translates service-layer errors to appropriate gRPC status codes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%v", err)
	case errors.Is(err, service.ErrInvalidSession),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionExpired):
		return status.Errorf(codes.Unauthenticated, "%v", err)
	case errors.Is(err, store.ErrNotFound):
		return status.Errorf(codes.NotFound, "%v", err)
	case errors.Is(err, crypto.ErrKeyMismatch):
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	case errors.Is(err, service.ErrInvalidProfile),
		errors.Is(err, store.ErrInvalid),
		errors.Is(err, crypto.ErrKey),
		errors.Is(err, crypto.ErrWidthMismatch),
		errors.Is(err, crypto.ErrNilCiphertext),
		errors.Is(err, profile.ErrEncoding):
		return status.Errorf(codes.InvalidArgument, "%v", err)
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
