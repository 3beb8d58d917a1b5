package biz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"MetaCrew/internal/conf"
	"MetaCrew/internal/data"
	"MetaCrew/internal/model"
	"MetaCrew/pkg/openrouter"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeCompleter answers through handle and keeps every request.
type fakeCompleter struct {
	mu       sync.Mutex
	requests []*CompletionRequest
	handle   func(ctx context.Context, req *CompletionRequest) (string, error)
}

func (c *fakeCompleter) GenerateCompletion(ctx context.Context, req *CompletionRequest) (*openrouter.ChatResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	content, err := c.handle(ctx, req)
	if err != nil {
		return nil, err
	}
	return &openrouter.ChatResponse{Choices: []openrouter.Choice{{Message: openrouter.Message{Role: "assistant", Content: content}}}}, nil
}

func (c *fakeCompleter) Requests() []*CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*CompletionRequest(nil), c.requests...)
}

func isVote(req *CompletionRequest) bool {
	last := req.Messages[len(req.Messages)-1]
	return strings.HasPrefix(last.Content, "A solution has been proposed by")
}

func isSummary(req *CompletionRequest) bool {
	return req.Role == facilitatorRole
}

var testParticipants = []ParticipantConfig{
	{Role: "Architect", Model: "anthropic/claude-3.5-sonnet", BackupModels: []string{"openai/gpt-4o"}, SystemPrompt: "You design systems."},
	{Role: "Developer", Model: "qwen/qwen-2.5-coder-32b-instruct", SystemPrompt: "You write code."},
}

func turns(n int) *int { return &n }

func newTestConversationUsecase(completer Completer, repo TranscriptRepo) *ConversationUsecase {
	uc := NewConversationUsecase(&conf.Conversation{MinTurns: 1}, completer, newCapabilityTable(0, nil), repo, log.DefaultLogger)
	uc.newID = func() string { return "conv-1" }
	return uc
}

func TestStartConversation_ConsensusOnFirstTurn(t *testing.T) {
	completer := &fakeCompleter{handle: func(_ context.Context, req *CompletionRequest) (string, error) {
		switch {
		case isVote(req):
			return "AGREE, REST fits.", nil
		case req.Role == "Architect":
			return "After weighing options. FINAL SOLUTION: Use REST.", nil
		default:
			return "I have thoughts.", nil
		}
	}}
	repo := new(MockTranscriptRepo)
	repo.On("SaveTranscript", mock.Anything, mock.MatchedBy(func(tr *model.Transcript) bool {
		return tr.ID == "conv-1" && tr.Result == "Use REST." && tr.ConsensusReached &&
			tr.Metadata["source"] == "collaborative_conversation" && tr.Metadata["type"] == "conversation_summary"
	})).Return(nil).Once()

	uc := newTestConversationUsecase(completer, repo)
	res, err := uc.StartConversation(context.Background(), &ConversationRequest{
		Topic:        "API design",
		Prompt:       "Pick an API style.",
		Participants: testParticipants,
	})
	require.NoError(t, err)

	assert.Equal(t, "conv-1", res.ID)
	assert.Equal(t, "Use REST.", res.FinalResult)
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, 1.0, res.AgreementRatio)
	assert.Equal(t, "Architect", res.Proposer)
	assert.Equal(t, 1, res.Turns)
	assert.False(t, res.Compiled)

	reqs := completer.Requests()
	require.Len(t, reqs, 2, "the developer only votes")
	assert.True(t, isVote(reqs[1]))
	assert.Equal(t, "Developer", reqs[1].Role)

	// system, user, proposal, vote
	require.Len(t, res.History, 4)
	assert.Equal(t, model.TurnRecord{Role: "system", Content: "This is a collaborative conversation on: API design"}, res.History[0])
	assert.Equal(t, "Pick an API style.", res.History[1].Content)
	assert.Equal(t, "Developer", res.History[3].Speaker)
	repo.AssertExpectations(t)
}

func TestStartConversation_CompilesWithoutConsensus(t *testing.T) {
	completer := &fakeCompleter{handle: func(_ context.Context, req *CompletionRequest) (string, error) {
		if isSummary(req) {
			return "Compiled: mix REST and gRPC.", nil
		}
		return req.Role + " says something new.", nil
	}}

	uc := newTestConversationUsecase(completer, nil)
	res, err := uc.StartConversation(context.Background(), &ConversationRequest{
		Topic:        "API design",
		Participants: testParticipants,
		MaxTurns:     2,
	})
	require.NoError(t, err)

	assert.False(t, res.ConsensusReached)
	assert.True(t, res.Compiled)
	assert.Equal(t, "Compiled: mix REST and gRPC.", res.FinalResult)
	assert.Equal(t, 2, res.Turns)
	assert.Empty(t, res.Proposer)

	reqs := completer.Requests()
	require.Len(t, reqs, 5)
	summary := reqs[4]
	assert.True(t, isSummary(summary))
	assert.Equal(t, testParticipants[0].Model, summary.Model)
	assert.Equal(t, testParticipants[0].BackupModels, summary.BackupModels)
	require.Len(t, summary.Messages, 2)
	assert.Equal(t, facilitatorPrompt, summary.Messages[0].Content)
	assert.Contains(t, summary.Messages[1].Content, "\nArchitect: Architect says something new.")
	assert.Contains(t, summary.Messages[1].Content, "\nDeveloper: Developer says something new.")

	// the prompt falls back to the topic
	assert.Equal(t, "API design", res.History[1].Content)
}

func TestStartConversation_CompileFailure(t *testing.T) {
	completer := &fakeCompleter{handle: func(_ context.Context, req *CompletionRequest) (string, error) {
		if isSummary(req) {
			return "", kerrors.ServiceUnavailable(ReasonAllModelsUnavailable, "no model")
		}
		return "Still thinking.", nil
	}}

	res, err := newTestConversationUsecase(completer, nil).StartConversation(context.Background(), &ConversationRequest{
		Topic:        "API design",
		Participants: testParticipants,
		MaxTurns:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, CompileFailedResult, res.FinalResult)
	assert.True(t, res.Compiled)
}

func TestStartConversation_HonoursMinTurns(t *testing.T) {
	completer := &fakeCompleter{handle: func(_ context.Context, req *CompletionRequest) (string, error) {
		if isVote(req) {
			return "AGREE", nil
		}
		return "CONSENSUS: ship it", nil
	}}

	res, err := newTestConversationUsecase(completer, nil).StartConversation(context.Background(), &ConversationRequest{
		Topic:        "Release",
		Participants: testParticipants,
		MaxTurns:     5,
		MinTurns:     turns(3),
	})
	require.NoError(t, err)
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, 3, res.Turns)
	assert.Equal(t, "ship it", res.FinalResult)
	assert.Len(t, completer.Requests(), 6, "one proposal and one vote per turn")
}

func TestStartConversation_LaterFailedVoteClearsConsensus(t *testing.T) {
	turn := 0
	completer := &fakeCompleter{handle: func(_ context.Context, req *CompletionRequest) (string, error) {
		switch {
		case isSummary(req):
			return "compiled", nil
		case isVote(req) && turn == 1:
			return "AGREE", nil
		case isVote(req):
			return "DISAGREE, too risky.", nil
		default:
			turn++
			return "FINAL SOLUTION: option " + string(rune('A'+turn-1)), nil
		}
	}}

	res, err := newTestConversationUsecase(completer, nil).StartConversation(context.Background(), &ConversationRequest{
		Topic:        "Storage",
		Participants: testParticipants,
		MaxTurns:     2,
		MinTurns:     turns(2),
	})
	require.NoError(t, err)
	assert.False(t, res.ConsensusReached)
	assert.Equal(t, 0.0, res.AgreementRatio)
	assert.Equal(t, "compiled", res.FinalResult)
}

func TestStartConversation_VoteFailureCountsAsDisagreement(t *testing.T) {
	completer := &fakeCompleter{handle: func(_ context.Context, req *CompletionRequest) (string, error) {
		switch {
		case isSummary(req):
			return "compiled", nil
		case isVote(req):
			return "", errors.New("upstream down")
		case req.Role == "Architect":
			return "FINAL SOLUTION: Use REST.", nil
		default:
			return "Hmm.", nil
		}
	}}

	res, err := newTestConversationUsecase(completer, nil).StartConversation(context.Background(), &ConversationRequest{
		Topic:        "API design",
		Participants: testParticipants,
		MaxTurns:     1,
	})
	require.NoError(t, err)
	assert.False(t, res.ConsensusReached)
	assert.Zero(t, res.AgreementRatio)
	assert.True(t, res.Compiled)
	for _, h := range res.History {
		assert.NotEqual(t, "", h.Content, "failed votes are not recorded")
	}
}

func TestStartConversation_SkipsFailedParticipant(t *testing.T) {
	completer := &fakeCompleter{handle: func(_ context.Context, req *CompletionRequest) (string, error) {
		switch {
		case req.Role == "Architect":
			return "", errors.New("timeout")
		case isSummary(req):
			return "compiled", nil
		default:
			return "Developer idea.", nil
		}
	}}

	res, err := newTestConversationUsecase(completer, nil).StartConversation(context.Background(), &ConversationRequest{
		Topic:        "API design",
		Participants: testParticipants,
		MaxTurns:     1,
	})
	require.NoError(t, err)
	require.Len(t, res.History, 3)
	assert.Equal(t, "Developer", res.History[2].Speaker)
}

func TestStartConversation_ExplicitZeroMinTurns(t *testing.T) {
	completer := &fakeCompleter{handle: func(_ context.Context, req *CompletionRequest) (string, error) {
		if isVote(req) {
			return "AGREE", nil
		}
		return "FINAL SOLUTION: ship it", nil
	}}
	uc := NewConversationUsecase(&conf.Conversation{MinTurns: 3}, completer, newCapabilityTable(0, nil), nil, log.DefaultLogger)

	res, err := uc.StartConversation(context.Background(), &ConversationRequest{
		Topic:        "Release",
		Participants: testParticipants,
		MaxTurns:     5,
		MinTurns:     turns(0),
	})
	require.NoError(t, err)
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, 1, res.Turns)

	// without a per-request value the configured minimum applies
	completer = &fakeCompleter{handle: completer.handle}
	uc = NewConversationUsecase(&conf.Conversation{MinTurns: 3}, completer, newCapabilityTable(0, nil), nil, log.DefaultLogger)
	res, err = uc.StartConversation(context.Background(), &ConversationRequest{
		Topic:        "Release",
		Participants: testParticipants,
		MaxTurns:     5,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Turns)
}

func TestStartConversation_ThreeParticipantsAgree(t *testing.T) {
	completer := &fakeCompleter{handle: func(_ context.Context, req *CompletionRequest) (string, error) {
		switch {
		case isVote(req):
			return "AGREE", nil
		case req.Role == "Architect":
			return "FINAL SOLUTION: Use REST.", nil
		default:
			return "I have thoughts.", nil
		}
	}}
	team := append(append([]ParticipantConfig(nil), testParticipants...),
		ParticipantConfig{Role: "Reviewer", Model: "openai/gpt-4o", SystemPrompt: "You review designs."})

	res, err := newTestConversationUsecase(completer, nil).StartConversation(context.Background(), &ConversationRequest{
		Topic:        "API design",
		Participants: team,
	})
	require.NoError(t, err)
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, "Use REST.", res.FinalResult)
	assert.Equal(t, "Architect", res.Proposer)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, 1.0, res.AgreementRatio)
	assert.False(t, res.Compiled)

	reqs := completer.Requests()
	require.Len(t, reqs, 3, "one proposal and two votes")
	assert.Equal(t, "Developer", reqs[1].Role)
	assert.Equal(t, "Reviewer", reqs[2].Role)
	assert.True(t, isVote(reqs[1]))
	assert.True(t, isVote(reqs[2]))
}

func TestStartConversation_MixedVotes(t *testing.T) {
	const (
		agree    = "AGREE"
		disagree = "DISAGREE"
		failed   = "fail"
	)
	tests := []struct {
		name      string
		votes     []string
		threshold float64
		consensus bool
		ratio     float64
	}{
		{"unanimous", []string{agree, agree, agree, agree, agree}, 0.8, true, 1.0},
		{"four of five meets 0.8", []string{agree, agree, disagree, agree, agree}, 0.8, true, 0.8},
		{"three of five", []string{agree, disagree, agree, disagree, agree}, 0.8, false, 0.6},
		{"failed vote in denominator", []string{agree, agree, agree, failed, agree}, 0.8, true, 0.8},
		{"failed vote tips below", []string{agree, failed, agree, disagree, agree}, 0.8, false, 0.6},
		{"lower threshold", []string{agree, disagree, agree, failed, agree}, 0.5, true, 0.6},
		{"two of three", []string{agree, disagree, agree}, 0.8, false, 2.0 / 3.0},
		{"one of two at half", []string{failed, agree}, 0.5, true, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			team := []ParticipantConfig{{Role: "P0", Model: "m/proposer"}}
			votes := make(map[string]string)
			for i, v := range tt.votes {
				role := "P" + string(rune('1'+i))
				team = append(team, ParticipantConfig{Role: role, Model: "m/voter"})
				votes[role] = v
			}
			completer := &fakeCompleter{handle: func(_ context.Context, req *CompletionRequest) (string, error) {
				switch {
				case isSummary(req):
					return "compiled", nil
				case isVote(req) && votes[req.Role] == failed:
					return "", errors.New("upstream down")
				case isVote(req):
					return votes[req.Role] + ", reasons.", nil
				case req.Role == "P0":
					return "FINAL SOLUTION: Use REST.", nil
				default:
					return "Listening.", nil
				}
			}}

			res, err := newTestConversationUsecase(completer, nil).StartConversation(context.Background(), &ConversationRequest{
				Topic:              "API design",
				Participants:       team,
				MaxTurns:           1,
				ConsensusThreshold: tt.threshold,
			})
			require.NoError(t, err)

			agrees := 0
			for _, v := range tt.votes {
				if v == agree {
					agrees++
				}
			}
			assert.Equal(t, float64(agrees)/float64(len(tt.votes)) >= tt.threshold, res.ConsensusReached)
			assert.Equal(t, tt.consensus, res.ConsensusReached)
			assert.InDelta(t, tt.ratio, res.AgreementRatio, 1e-9)
			if tt.consensus {
				assert.Equal(t, "Use REST.", res.FinalResult)
			} else {
				assert.Equal(t, "compiled", res.FinalResult)
				assert.True(t, res.Compiled)
			}
		})
	}
}

func TestStartConversation_SingleParticipantAgreesWithItself(t *testing.T) {
	completer := &fakeCompleter{handle: func(context.Context, *CompletionRequest) (string, error) {
		return "FINAL SOLUTION: done", nil
	}}

	res, err := newTestConversationUsecase(completer, nil).StartConversation(context.Background(), &ConversationRequest{
		Topic:        "Solo",
		Participants: testParticipants[:1],
	})
	require.NoError(t, err)
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, 1.0, res.AgreementRatio)
	assert.Len(t, completer.Requests(), 1)
}

func TestStartConversation_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	completer := &fakeCompleter{handle: func(ctx context.Context, req *CompletionRequest) (string, error) {
		if req.Role == "Architect" {
			cancel()
			return "First thoughts.", nil
		}
		return "", ctx.Err()
	}}
	repo := new(MockTranscriptRepo)

	res, err := newTestConversationUsecase(completer, repo).StartConversation(ctx, &ConversationRequest{
		Topic:        "API design",
		Participants: testParticipants,
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.False(t, res.ConsensusReached)
	assert.Len(t, res.History, 3)
	assert.Len(t, completer.Requests(), 1)
	repo.AssertNotCalled(t, "SaveTranscript", mock.Anything, mock.Anything)
}

func TestStartConversation_Validation(t *testing.T) {
	uc := newTestConversationUsecase(&fakeCompleter{}, nil)
	tests := []struct {
		name   string
		req    *ConversationRequest
		reason string
	}{
		{"nil request", nil, ReasonInvalidRequest},
		{"no participants", &ConversationRequest{Topic: "t"}, ReasonNoParticipants},
		{"participant without model", &ConversationRequest{Topic: "t", Participants: []ParticipantConfig{{Role: "A"}}}, ReasonInvalidRequest},
		{"no topic or prompt", &ConversationRequest{Participants: testParticipants}, ReasonInvalidRequest},
		{"threshold above one", &ConversationRequest{Topic: "t", Participants: testParticipants, ConsensusThreshold: 1.5}, ReasonInvalidRequest},
		{"negative threshold", &ConversationRequest{Topic: "t", Participants: testParticipants, ConsensusThreshold: -0.1}, ReasonInvalidRequest},
		{"negative min turns", &ConversationRequest{Topic: "t", Participants: testParticipants, MinTurns: turns(-1)}, ReasonInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := uc.StartConversation(context.Background(), tt.req)
			assert.Nil(t, res)
			assert.Equal(t, tt.reason, kerrors.Reason(err))
		})
	}
}

func TestParticipantContext_RelabelsOtherSpeakers(t *testing.T) {
	uc := NewConversationUsecase(nil, nil, newCapabilityTable(0, []ModelCapability{
		{Pattern: "qwen/*", PromptSuffix: "Reply in under 200 words."},
	}), nil, log.DefaultLogger)

	conv := &conversation{participants: testParticipants}
	conv.append("system", "This is a collaborative conversation on: t", "")
	conv.append("user", "Go.", "")
	conv.append("assistant", "Use REST.", "Architect")
	conv.append("assistant", "Agreed.", "Developer")

	msgs := uc.participantContext(conv, testParticipants[1])
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[0].Content, "You write code.\n\nReply in under 200 words.\n\nYou are the Developer"))
	assert.Equal(t, openrouter.Message{Role: "user", Content: "Go."}, msgs[1])
	assert.Equal(t, openrouter.Message{Role: "user", Content: "Architect: Use REST."}, msgs[2])
	assert.Equal(t, openrouter.Message{Role: "assistant", Content: "Agreed."}, msgs[3])
}

func TestExtractProposal(t *testing.T) {
	tests := []struct {
		content string
		want    string
		ok      bool
	}{
		{"FINAL SOLUTION: Use REST.", "Use REST.", true},
		{"Reasoning...\nCONSENSUS:  ship it \n", "ship it", true},
		{"CONSENSUS: a FINAL SOLUTION: b", "b", true},
		{"final solution: lower case", "", false},
		{"No marker here.", "", false},
	}
	for _, tt := range tests {
		got, ok := extractProposal(tt.content)
		assert.Equal(t, tt.ok, ok, tt.content)
		assert.Equal(t, tt.want, got, tt.content)
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "abc...", truncateRunes("abcdef", 3))
	assert.Equal(t, "日本...", truncateRunes("日本語です", 2))
}

func TestTranscripts(t *testing.T) {
	repo := new(MockTranscriptRepo)
	repo.On("GetTranscript", mock.Anything, "missing").Return(nil, data.ErrTranscriptNotFound)
	repo.On("GetTranscript", mock.Anything, "conv-1").Return(&model.Transcript{ID: "conv-1"}, nil)
	repo.On("ListTranscripts", mock.Anything, 20).Return([]string{"conv-2", "conv-1"}, nil)

	uc := newTestConversationUsecase(&fakeCompleter{}, repo)

	_, err := uc.GetTranscript(context.Background(), "missing")
	assert.True(t, IsConversationNotFound(err))

	tr, err := uc.GetTranscript(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", tr.ID)

	ids, err := uc.ListTranscripts(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-2", "conv-1"}, ids)

	noRepo := newTestConversationUsecase(&fakeCompleter{}, nil)
	_, err = noRepo.GetTranscript(context.Background(), "conv-1")
	assert.True(t, IsConversationNotFound(err))
	ids, err = noRepo.ListTranscripts(context.Background(), 5)
	assert.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDefaultParticipants(t *testing.T) {
	uc := NewConversationUsecase(&conf.Conversation{Participants: []*conf.Participant{
		{Role: "Architect", Model: "a"},
		nil,
		{Role: "Developer", Model: "b", BackupModels: []string{"c"}},
	}}, nil, nil, nil, log.DefaultLogger)

	got := uc.DefaultParticipants()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"c"}, got[1].BackupModels)

	got[0].Role = "changed"
	assert.Equal(t, "Architect", uc.DefaultParticipants()[0].Role)
}
