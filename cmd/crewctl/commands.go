package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"MetaCrew/internal/biz"
	"MetaCrew/internal/model"
	"MetaCrew/internal/service"
	"MetaCrew/pkg/crypto"
	"MetaCrew/pkg/openrouter"
)

// ConverseCmd starts a conversation and prints its final result.
type ConverseCmd struct {
	Topic        string   `long:"topic" required:"yes" description:"conversation topic"`
	Prompt       string   `long:"prompt" description:"opening prompt, defaults to the topic"`
	Participants []string `short:"p" long:"participant" description:"role=model[,backup...]; repeat for each participant"`
	MaxTurns     int      `long:"max-turns" description:"maximum turns"`
	MinTurns     *int     `long:"min-turns" description:"minimum turns before consensus may end the conversation"`
	Threshold    float64  `long:"threshold" description:"agreement ratio needed for consensus"`
	JSON         bool     `long:"json" description:"print the full result as JSON"`

	opts *Options
}

func (c *ConverseCmd) Execute(_ []string) error {
	participants, err := parseParticipants(c.Participants)
	if err != nil {
		return err
	}
	var out biz.ConversationResult
	err = c.opts.invoke(http.MethodPost, "/v1/conversations", &service.StartConversationRequest{
		Topic:              c.Topic,
		Prompt:             c.Prompt,
		Participants:       participants,
		MaxTurns:           c.MaxTurns,
		MinTurns:           c.MinTurns,
		ConsensusThreshold: c.Threshold,
	}, &out)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(out)
	}
	status := "no consensus, compiled by facilitator"
	if out.ConsensusReached {
		status = fmt.Sprintf("consensus %.0f%%, proposed by %s", out.AgreementRatio*100, out.Proposer)
	}
	fmt.Fprintf(stdout, "conversation %s: %d turns, %s\n\n%s\n", out.ID, out.Turns, status, out.FinalResult)
	return nil
}

// parseParticipants reads "role=model,backup1,backup2" specs.
func parseParticipants(specs []string) ([]biz.ParticipantConfig, error) {
	var out []biz.ParticipantConfig
	for _, spec := range specs {
		role, models, ok := strings.Cut(spec, "=")
		role = strings.TrimSpace(role)
		if !ok || role == "" || strings.TrimSpace(models) == "" {
			return nil, fmt.Errorf("invalid participant %q, want role=model[,backup...]", spec)
		}
		ids := strings.Split(models, ",")
		for i := range ids {
			ids[i] = strings.TrimSpace(ids[i])
		}
		out = append(out, biz.ParticipantConfig{Role: role, Model: ids[0], BackupModels: ids[1:]})
	}
	return out, nil
}

// ConversationsCmd prints recent conversation ids, newest first.
type ConversationsCmd struct {
	Limit int `short:"n" long:"limit" default:"20" description:"maximum ids to print"`

	opts *Options
}

func (c *ConversationsCmd) Execute(_ []string) error {
	var out service.ListConversationsResponse
	q := url.Values{"limit": []string{strconv.Itoa(c.Limit)}}
	if err := c.opts.invoke(http.MethodGet, "/v1/conversations?"+q.Encode(), nil, &out); err != nil {
		return err
	}
	for _, id := range out.IDs {
		fmt.Fprintln(stdout, id)
	}
	return nil
}

type TranscriptCmd struct {
	Args struct {
		ID string `positional-arg-name:"id" required:"yes"`
	} `positional-args:"yes"`

	opts *Options
}

func (c *TranscriptCmd) Execute(_ []string) error {
	var out model.Transcript
	if err := c.opts.invoke(http.MethodGet, "/v1/conversations/"+url.PathEscape(c.Args.ID), nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

// CompleteCmd sends one user message and prints the reply.
type CompleteCmd struct {
	Model       string   `short:"m" long:"model" required:"yes" description:"primary model id"`
	Backups     []string `short:"b" long:"backup" description:"backup model id; repeatable"`
	System      string   `long:"system" description:"optional system prompt"`
	Temperature *float64 `long:"temperature" description:"sampling temperature"`
	MaxTokens   int      `long:"max-tokens" description:"completion token limit"`
	Args        struct {
		Message []string `positional-arg-name:"message" required:"yes"`
	} `positional-args:"yes"`

	opts *Options
}

func (c *CompleteCmd) Execute(_ []string) error {
	var msgs []openrouter.Message
	if c.System != "" {
		msgs = append(msgs, openrouter.Message{Role: "system", Content: c.System})
	}
	msgs = append(msgs, openrouter.Message{Role: "user", Content: strings.Join(c.Args.Message, " ")})

	var out openrouter.ChatResponse
	err := c.opts.invoke(http.MethodPost, "/v1/chat/completions", &service.ChatCompletionRequest{
		Model:        c.Model,
		BackupModels: c.Backups,
		Messages:     msgs,
		Temperature:  c.Temperature,
		MaxTokens:    c.MaxTokens,
	}, &out)
	if err != nil {
		return err
	}
	content, ok := out.Content()
	if !ok {
		return fmt.Errorf("server returned no choices")
	}
	fmt.Fprintln(stdout, content)
	return nil
}

type ModelsCmd struct {
	Free bool `long:"free" description:"only zero-priced models"`

	opts *Options
}

func (c *ModelsCmd) Execute(_ []string) error {
	path := "/v1/models"
	if c.Free {
		path = "/v1/models/free"
	}
	var out service.ListModelsResponse
	if err := c.opts.invoke(http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONTEXT\tPROMPT PRICE")
	for _, m := range out.Data {
		fmt.Fprintf(w, "%s\t%d\t%s\n", m.ID, m.ContextLength, m.Pricing.Prompt)
	}
	return w.Flush()
}

type CircuitsCmd struct {
	opts *Options
}

func (c *CircuitsCmd) Execute(_ []string) error {
	var out service.ListCircuitsResponse
	if err := c.opts.invoke(http.MethodGet, "/v1/circuits", nil, &out); err != nil {
		return err
	}
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tSTATE\tFAILURES\tTIMEOUT")
	for _, s := range out.Circuits {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Model, s.State, s.FailureCount, s.CurrentTimeout)
	}
	return w.Flush()
}

type UsageCmd struct {
	Args struct {
		Models []string `positional-arg-name:"model" required:"yes"`
	} `positional-args:"yes"`

	opts *Options
}

func (c *UsageCmd) Execute(_ []string) error {
	q := url.Values{"model": c.Args.Models}
	var out service.GetUsageResponse
	if err := c.opts.invoke(http.MethodGet, "/v1/usage?"+q.Encode(), nil, &out); err != nil {
		return err
	}
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tRPM\tTPM\t429")
	for _, u := range out.Usage {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", u.Model, u.RequestsPerMinute, u.TokensPerMinute, u.RateLimited)
	}
	return w.Flush()
}

// SealCmd prints "enc:<base64>" for use as an api_key config value.
type SealCmd struct {
	Key  string `short:"k" long:"key" env:"METACREW_OPENROUTER_ENCRYPTION_KEY" required:"yes" description:"32-byte encryption key, raw or base64"`
	Args struct {
		Value string `positional-arg-name:"api-key" required:"yes"`
	} `positional-args:"yes"`
}

func (c *SealCmd) Execute(_ []string) error {
	sealer, err := crypto.NewSealer(c.Key)
	if err != nil {
		return err
	}
	sealed, err := sealer.SealValue(c.Args.Value)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, sealed)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
