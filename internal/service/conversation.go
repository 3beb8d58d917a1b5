package service

import (
	"context"
	"strconv"

	"MetaCrew/internal/biz"
	"MetaCrew/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// StartConversationRequest is the body of POST /v1/conversations. Without
// participants the configured team is used.
type StartConversationRequest struct {
	Topic              string                  `json:"topic"`
	Prompt             string                  `json:"prompt"`
	Participants       []biz.ParticipantConfig `json:"participants,omitempty"`
	MaxTurns           int                     `json:"max_turns,omitempty"`
	MinTurns           *int                    `json:"min_turns,omitempty"`
	ConsensusThreshold float64                 `json:"consensus_threshold,omitempty"`
}

type GetConversationRequest struct {
	ID string `json:"id"`
}

type ListConversationsRequest struct {
	Limit int `json:"limit"`
}

type ListConversationsResponse struct {
	IDs []string `json:"ids"`
}

// ConversationService serves collaborative conversations and their
// stored transcripts.
type ConversationService struct {
	uc     *biz.ConversationUsecase
	logger *log.Helper
}

// NewConversationService creates a new ConversationService instance.
func NewConversationService(uc *biz.ConversationUsecase, logger log.Logger) *ConversationService {
	return &ConversationService{
		uc:     uc,
		logger: log.NewHelper(logger),
	}
}

// StartConversation runs a conversation to completion.
func (s *ConversationService) StartConversation(ctx context.Context, req *StartConversationRequest) (*biz.ConversationResult, error) {
	s.logger.Infow("msg", "StartConversation called", "topic", req.Topic, "participants", len(req.Participants))

	participants := req.Participants
	if len(participants) == 0 {
		participants = s.uc.DefaultParticipants()
	}

	res, err := s.uc.StartConversation(ctx, &biz.ConversationRequest{
		Topic:              req.Topic,
		Prompt:             req.Prompt,
		Participants:       participants,
		MaxTurns:           req.MaxTurns,
		MinTurns:           req.MinTurns,
		ConsensusThreshold: req.ConsensusThreshold,
	})
	if err != nil {
		s.logger.Errorw("msg", "failed to run conversation", "topic", req.Topic, "error", err)
		return nil, err
	}
	return res, nil
}

// GetConversation returns a stored transcript.
func (s *ConversationService) GetConversation(ctx context.Context, req *GetConversationRequest) (*model.Transcript, error) {
	s.logger.Debugw("msg", "GetConversation called", "id", req.ID)

	t, err := s.uc.GetTranscript(ctx, req.ID)
	if err != nil {
		if !biz.IsConversationNotFound(err) {
			s.logger.Errorw("msg", "failed to get conversation", "id", req.ID, "error", err)
		}
		return nil, err
	}
	return t, nil
}

// ListConversations returns recent conversation ids, newest first.
func (s *ConversationService) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	ids, err := s.uc.ListTranscripts(ctx, req.Limit)
	if err != nil {
		s.logger.Errorw("msg", "failed to list conversations", "error", err)
		return nil, err
	}
	return &ListConversationsResponse{IDs: ids}, nil
}

// RegisterConversationHTTPServer mounts the conversation routes on srv.
func RegisterConversationHTTPServer(srv *http.Server, s *ConversationService) {
	r := srv.Route("/")
	r.POST("/v1/conversations", startConversationHandler(s))
	r.GET("/v1/conversations", listConversationsHandler(s))
	r.GET("/v1/conversations/{id}", getConversationHandler(s))
}

func startConversationHandler(s *ConversationService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in StartConversationRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationStartConversation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return s.StartConversation(ctx, req.(*StartConversationRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func getConversationHandler(s *ConversationService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		in := GetConversationRequest{ID: ctx.Vars().Get("id")}
		http.SetOperation(ctx, OperationGetConversation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return s.GetConversation(ctx, req.(*GetConversationRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func listConversationsHandler(s *ConversationService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in ListConversationsRequest
		if v := ctx.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return badRequest("limit must be a non-negative integer")
			}
			in.Limit = n
		}
		http.SetOperation(ctx, OperationListConversations)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return s.ListConversations(ctx, req.(*ListConversationsRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}
