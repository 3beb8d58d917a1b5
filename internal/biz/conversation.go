package biz

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"MetaCrew/internal/conf"
	"MetaCrew/internal/data"
	"MetaCrew/internal/model"
	pkglog "MetaCrew/pkg/log"
	"MetaCrew/pkg/openrouter"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Proposal markers and vote keyword recognised in participant output.
const (
	markerFinalSolution = "FINAL SOLUTION:"
	markerConsensus     = "CONSENSUS:"
	voteAgree           = "AGREE"

	facilitatorRole   = "Facilitator"
	facilitatorPrompt = "You are a neutral facilitator tasked with compiling a final result from a collaborative conversation."
	// CompileFailedResult is the final result when the summary call fails.
	CompileFailedResult = "Failed to compile final result due to an error."

	transcriptSource = "collaborative_conversation"
	transcriptType   = "conversation_summary"
)

// Completer is the slice of the adapter the conversation engine needs.
type Completer interface {
	GenerateCompletion(ctx context.Context, req *CompletionRequest) (*openrouter.ChatResponse, error)
}

// ParticipantConfig is one simulated team member. It does not change
// during a conversation.
type ParticipantConfig struct {
	Role         string   `json:"role"`
	Model        string   `json:"model"`
	BackupModels []string `json:"backup_models,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// ConversationRequest starts a conversation. Zero MaxTurns and
// ConsensusThreshold take the configured defaults; a nil MinTurns does too,
// so callers can ask for zero explicitly.
type ConversationRequest struct {
	Topic              string
	Prompt             string
	Participants       []ParticipantConfig
	MaxTurns           int
	MinTurns           *int
	ConsensusThreshold float64
}

// ConversationResult always carries a usable FinalResult once the
// conversation finished, consensus or not.
type ConversationResult struct {
	ID               string             `json:"id"`
	Topic            string             `json:"topic"`
	FinalResult      string             `json:"final_result"`
	ConsensusReached bool               `json:"consensus_reached"`
	AgreementRatio   float64            `json:"agreement_ratio"`
	Proposer         string             `json:"proposer,omitempty"`
	Turns            int                `json:"turns"`
	Compiled         bool               `json:"compiled"`
	History          []model.TurnRecord `json:"history"`
}

// ConversationUsecase runs collaborative conversations. Each call owns its
// history, so one usecase serves concurrent conversations.
type ConversationUsecase struct {
	completer    Completer
	caps         *CapabilityTable
	transcripts  TranscriptRepo
	participants []ParticipantConfig

	maxTurns        int
	minTurns        int
	threshold       float64
	temperature     float64
	maxTokens       int
	summaryTruncate int

	newID func() string
	log   *pkglog.LogHelper
}

// NewConversationUsecase builds the engine. transcripts may be nil.
func NewConversationUsecase(c *conf.Conversation, completer Completer, caps *CapabilityTable, transcripts TranscriptRepo, logger log.Logger) *ConversationUsecase {
	uc := &ConversationUsecase{
		completer:       completer,
		caps:            caps,
		transcripts:     transcripts,
		maxTurns:        10,
		minTurns:        3,
		threshold:       0.8,
		temperature:     0.7,
		maxTokens:       1500,
		summaryTruncate: 200,
		newID:           uuid.NewString,
		log:             pkglog.NewLogHelper(logger),
	}
	if c == nil {
		return uc
	}
	if c.MaxTurns > 0 {
		uc.maxTurns = int(c.MaxTurns)
	}
	if c.MinTurns >= 0 {
		uc.minTurns = int(c.MinTurns)
	}
	if c.ConsensusThreshold > 0 {
		uc.threshold = c.ConsensusThreshold
	}
	if c.Temperature > 0 {
		uc.temperature = c.Temperature
	}
	if c.MaxTokens > 0 {
		uc.maxTokens = int(c.MaxTokens)
	}
	if c.SummaryTruncate > 0 {
		uc.summaryTruncate = int(c.SummaryTruncate)
	}
	for _, p := range c.Participants {
		if p == nil {
			continue
		}
		uc.participants = append(uc.participants, ParticipantConfig{
			Role:         p.Role,
			Model:        p.Model,
			BackupModels: p.BackupModels,
			SystemPrompt: p.SystemPrompt,
		})
	}
	return uc
}

// DefaultParticipants returns the configured team.
func (uc *ConversationUsecase) DefaultParticipants() []ParticipantConfig {
	return append([]ParticipantConfig(nil), uc.participants...)
}

// conversation is the mutable state of one StartConversation call.
type conversation struct {
	id           string
	topic        string
	participants []ParticipantConfig
	threshold    float64
	history      []model.TurnRecord
}

func (c *conversation) append(role, content, speaker string) {
	c.history = append(c.history, model.TurnRecord{Role: role, Content: content, Speaker: speaker})
}

// StartConversation runs the turn loop until consensus after min_turns or
// max_turns, then compiles a result if no consensus stands. On
// cancellation the partial result is returned with ctx.Err().
func (uc *ConversationUsecase) StartConversation(ctx context.Context, req *ConversationRequest) (*ConversationResult, error) {
	if req == nil {
		return nil, newInvalidRequestError("request is required")
	}
	if len(req.Participants) == 0 {
		return nil, newNoParticipantsError()
	}
	for i, p := range req.Participants {
		if strings.TrimSpace(p.Role) == "" || strings.TrimSpace(p.Model) == "" {
			return nil, newInvalidRequestError("participant %d needs a role and a model", i)
		}
	}
	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = req.Topic
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, newInvalidRequestError("topic or prompt is required")
	}

	maxTurns, minTurns, threshold := uc.maxTurns, uc.minTurns, uc.threshold
	if req.MaxTurns > 0 {
		maxTurns = req.MaxTurns
	}
	if req.MinTurns != nil {
		if *req.MinTurns < 0 {
			return nil, newInvalidRequestError("min turns %d must not be negative", *req.MinTurns)
		}
		minTurns = *req.MinTurns
	}
	if req.ConsensusThreshold != 0 {
		threshold = req.ConsensusThreshold
	}
	if threshold <= 0 || threshold > 1 {
		return nil, newInvalidRequestError("consensus threshold %.2f outside (0, 1]", threshold)
	}
	if minTurns > maxTurns {
		minTurns = maxTurns
	}

	conv := &conversation{
		id:           uc.newID(),
		topic:        req.Topic,
		participants: req.Participants,
		threshold:    threshold,
	}
	conv.append("system", "This is a collaborative conversation on: "+req.Topic, "")
	conv.append("user", prompt, "")

	ctx = pkglog.WithConversation(ctx, conv.id)
	uc.log.Conversation(ctx, "conversation started",
		"topic", req.Topic, "participants", len(req.Participants), "max_turns", maxTurns, "min_turns", minTurns)

	res := &ConversationResult{ID: conv.id, Topic: req.Topic}
	turn := 0
	consensus := false

	for turn < maxTurns && (turn < minTurns || !consensus) {
		for _, p := range conv.participants {
			if err := ctx.Err(); err != nil {
				return uc.partial(res, conv, turn, consensus), err
			}
			content, err := uc.respond(ctx, p, uc.participantContext(conv, p))
			if err != nil {
				if isContextError(err) {
					return uc.partial(res, conv, turn, consensus), err
				}
				uc.log.CompletionFailed(ctx, "participant skipped this turn", "participant", p.Role, "turn", turn+1, "error", err.Error())
				continue
			}
			conv.append("assistant", content, p.Role)

			proposal, ok := extractProposal(content)
			if !ok {
				continue
			}
			reached, ratio, err := uc.checkConsensus(ctx, conv, proposal, p.Role)
			if err != nil {
				return uc.partial(res, conv, turn, consensus), err
			}
			res.AgreementRatio = ratio
			consensus = reached
			if reached {
				res.FinalResult = proposal
				res.Proposer = p.Role
				uc.log.Consensus(ctx, fmt.Sprintf("consensus reached with %.0f%% agreement after %d turns", ratio*100, turn+1),
					"proposer", p.Role, "ratio", ratio)
				break
			}
		}
		turn++
		uc.log.Conversation(ctx, fmt.Sprintf("completed conversation turn %d/%d", turn, maxTurns), "consensus", consensus)
	}

	if !consensus {
		uc.log.Summary(ctx, fmt.Sprintf("max turns (%d) reached without consensus, compiling final result", maxTurns))
		res.FinalResult = uc.compileFinalResult(ctx, conv)
		res.Compiled = true
		res.Proposer = ""
	}

	res.ConsensusReached = consensus
	res.Turns = turn
	res.History = append([]model.TurnRecord(nil), conv.history...)
	uc.saveTranscript(ctx, res)
	return res, nil
}

func (uc *ConversationUsecase) partial(res *ConversationResult, conv *conversation, turn int, consensus bool) *ConversationResult {
	res.ConsensusReached = consensus
	res.Turns = turn
	res.History = append([]model.TurnRecord(nil), conv.history...)
	return res
}

// participantContext builds p's private view: its own system prompt, then
// the shared history with other participants' turns relabelled as
// "<role>: <content>" user messages.
func (uc *ConversationUsecase) participantContext(conv *conversation, p ParticipantConfig) []openrouter.Message {
	var sb strings.Builder
	sb.WriteString(uc.systemPrompt(p))
	sb.WriteString("\n\nYou are the ")
	sb.WriteString(p.Role)
	sb.WriteString(" in this collaborative conversation. ")
	sb.WriteString("Review the conversation history and contribute your expertise. ")
	sb.WriteString("You can ask questions to other participants, build upon their ideas, or propose solutions.")

	msgs := make([]openrouter.Message, 0, len(conv.history)+1)
	msgs = append(msgs, openrouter.Message{Role: "system", Content: sb.String()})
	for _, t := range conv.history {
		switch {
		case t.Role == "system":
			continue
		case t.Role == "assistant" && t.Speaker != "" && t.Speaker != p.Role:
			msgs = append(msgs, openrouter.Message{Role: "user", Content: t.Speaker + ": " + t.Content})
		case t.Role == "assistant":
			msgs = append(msgs, openrouter.Message{Role: "assistant", Content: t.Content})
		default:
			msgs = append(msgs, openrouter.Message{Role: t.Role, Content: t.Content})
		}
	}
	return msgs
}

// systemPrompt appends the capability prompt suffix for p's model.
func (uc *ConversationUsecase) systemPrompt(p ParticipantConfig) string {
	suffix := ""
	if uc.caps != nil {
		suffix = uc.caps.PromptSuffix(p.Model)
	}
	switch {
	case suffix == "":
		return p.SystemPrompt
	case p.SystemPrompt == "":
		return suffix
	default:
		return p.SystemPrompt + "\n\n" + suffix
	}
}

func (uc *ConversationUsecase) respond(ctx context.Context, p ParticipantConfig, msgs []openrouter.Message) (string, error) {
	resp, err := uc.completer.GenerateCompletion(pkglog.WithRole(ctx, p.Role), &CompletionRequest{
		Model:        p.Model,
		BackupModels: p.BackupModels,
		Messages:     msgs,
		Temperature:  uc.temperature,
		MaxTokens:    uc.maxTokens,
		Role:         p.Role,
	})
	if err != nil {
		return "", err
	}
	content, ok := resp.Content()
	if !ok {
		return "", newMalformedResponseError(p.Model, "no choices in response")
	}
	return content, nil
}

// extractProposal returns the text after the first proposal marker.
func extractProposal(content string) (string, bool) {
	for _, marker := range []string{markerFinalSolution, markerConsensus} {
		if _, after, found := strings.Cut(content, marker); found {
			return strings.TrimSpace(after), true
		}
	}
	return "", false
}

// checkConsensus asks every participant except the proposer to vote.
// Failed votes count as disagreement. Only a context error is returned.
func (uc *ConversationUsecase) checkConsensus(ctx context.Context, conv *conversation, proposal, proposer string) (bool, float64, error) {
	var voters []ParticipantConfig
	for _, p := range conv.participants {
		if p.Role != proposer {
			voters = append(voters, p)
		}
	}
	if len(voters) == 0 {
		return true, 1.0, nil
	}

	agreements := 0
	for _, v := range voters {
		if err := ctx.Err(); err != nil {
			return false, 0, err
		}
		prompt := fmt.Sprintf("A solution has been proposed by %s:\n\n%s\n\n"+
			"As the %s, do you agree with this solution? "+
			"Respond with 'AGREE' or 'DISAGREE' followed by your reasoning.", proposer, proposal, v.Role)

		msgs := make([]openrouter.Message, 0, 2)
		if sp := uc.systemPrompt(v); sp != "" {
			msgs = append(msgs, openrouter.Message{Role: "system", Content: sp})
		}
		msgs = append(msgs, openrouter.Message{Role: "user", Content: prompt})

		vote, err := uc.respond(ctx, v, msgs)
		if err != nil {
			if isContextError(err) {
				return false, 0, err
			}
			uc.log.Vote(ctx, "vote failed, counted as disagreement", "voter", v.Role, "error", err.Error())
			continue
		}
		conv.append("assistant", vote, v.Role)
		agree := strings.HasPrefix(strings.TrimSpace(vote), voteAgree)
		if agree {
			agreements++
		}
		uc.log.Vote(ctx, "vote received", "voter", v.Role, "agree", agree)
	}

	ratio := float64(agreements) / float64(len(voters))
	return ratio >= conv.threshold, ratio, nil
}

// compileFinalResult asks the first participant's model, as a neutral
// facilitator, to summarise the truncated history. It never fails.
func (uc *ConversationUsecase) compileFinalResult(ctx context.Context, conv *conversation) string {
	var sb strings.Builder
	sb.WriteString("The conversation has reached the maximum number of turns without consensus. ")
	sb.WriteString("Please compile a final result that incorporates the most valuable insights ")
	sb.WriteString("and contributions from all participants. Focus on areas of agreement ")
	sb.WriteString("and resolve conflicts where possible.\n\n")
	sb.WriteString("Conversation history:\n")
	for _, t := range conv.history {
		if t.Role != "assistant" || t.Speaker == "" {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(t.Speaker)
		sb.WriteString(": ")
		sb.WriteString(truncateRunes(t.Content, uc.summaryTruncate))
	}

	summarizer := conv.participants[0]
	summary, err := uc.respond(ctx, ParticipantConfig{
		Role:         facilitatorRole,
		Model:        summarizer.Model,
		BackupModels: summarizer.BackupModels,
	}, []openrouter.Message{
		{Role: "system", Content: facilitatorPrompt},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		uc.log.CompletionFailed(ctx, "final result compilation failed", "model", summarizer.Model, "error", err.Error())
		return CompileFailedResult
	}
	return summary
}

// truncateRunes cuts s to n characters and marks the cut with "...".
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func (uc *ConversationUsecase) saveTranscript(ctx context.Context, res *ConversationResult) {
	if uc.transcripts == nil {
		return
	}
	t := &model.Transcript{
		ID:               res.ID,
		Topic:            res.Topic,
		Result:           res.FinalResult,
		ConsensusReached: res.ConsensusReached,
		Turns:            res.Turns,
		History:          res.History,
		Metadata: map[string]string{
			"source": transcriptSource,
			"topic":  res.Topic,
			"type":   transcriptType,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := uc.transcripts.SaveTranscript(ctx, t); err != nil {
		uc.log.Warnw("msg", "failed to save conversation transcript", "conversation_id", res.ID, "error", err)
	}
}

// GetTranscript loads a stored conversation.
func (uc *ConversationUsecase) GetTranscript(ctx context.Context, id string) (*model.Transcript, error) {
	if uc.transcripts == nil {
		return nil, NewConversationNotFoundError(id)
	}
	t, err := uc.transcripts.GetTranscript(ctx, id)
	if stderrors.Is(err, data.ErrTranscriptNotFound) {
		return nil, NewConversationNotFoundError(id)
	}
	return t, err
}

// ListTranscripts returns the ids of the most recent conversations.
func (uc *ConversationUsecase) ListTranscripts(ctx context.Context, limit int) ([]string, error) {
	if uc.transcripts == nil {
		return []string{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return uc.transcripts.ListTranscripts(ctx, limit)
}
