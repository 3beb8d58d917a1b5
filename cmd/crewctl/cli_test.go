package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"MetaCrew/internal/biz"
	"MetaCrew/pkg/crypto"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := stdout
	stdout = buf
	t.Cleanup(func() { stdout = prev })
	return buf
}

func TestParseParticipants(t *testing.T) {
	got, err := parseParticipants([]string{"Architect=anthropic/claude-3.5-sonnet, openai/gpt-4o", "Developer=qwen/qwen-2.5-coder"})
	require.NoError(t, err)
	assert.Equal(t, []biz.ParticipantConfig{
		{Role: "Architect", Model: "anthropic/claude-3.5-sonnet", BackupModels: []string{"openai/gpt-4o"}},
		{Role: "Developer", Model: "qwen/qwen-2.5-coder", BackupModels: []string{}},
	}, got)

	for _, bad := range []string{"Architect", "=model", "Role="} {
		_, err := parseParticipants([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestRun_Converse(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/conversations", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(biz.ConversationResult{
			ID: "conv-1", FinalResult: "Use REST.", ConsensusReached: true, AgreementRatio: 1, Proposer: "Architect", Turns: 1,
		})
	}))
	defer srv.Close()
	out := captureStdout(t)

	code := Run([]string{"-s", srv.URL, "-t", "tok", "converse", "--topic", "API design", "-p", "Architect=a/b"})
	assert.Equal(t, 0, code)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "API design", gotBody["topic"])
	assert.Contains(t, out.String(), "conversation conv-1: 1 turns, consensus 100%, proposed by Architect")
	assert.True(t, strings.HasSuffix(out.String(), "Use REST.\n"))
}

func TestRun_ServerError(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(nethttp.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":404,"reason":"CONVERSATION_NOT_FOUND","message":"conversation x not found"}`))
	}))
	defer srv.Close()
	captureStdout(t)

	assert.Equal(t, 1, Run([]string{"--server", srv.URL, "transcript", "x"}))
}

func TestRun_Circuits(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"circuits":[{"model":"openai/gpt-4o","state":"open","failure_count":5,"current_timeout":30000000000}]}`))
	}))
	defer srv.Close()
	out := captureStdout(t)

	assert.Equal(t, 0, Run([]string{"circuits", "--server", srv.URL}))
	assert.Contains(t, out.String(), "openai/gpt-4o")
	assert.Contains(t, out.String(), "open")
	assert.Contains(t, out.String(), "30s")
}

func TestRun_Seal(t *testing.T) {
	const key = "0123456789abcdef0123456789abcdef"
	out := captureStdout(t)

	require.Equal(t, 0, Run([]string{"seal", "--key", key, "sk-or-secret"}))
	sealed := strings.TrimSpace(out.String())
	assert.True(t, crypto.IsSealed(sealed))

	sealer, err := crypto.NewSealer(key)
	require.NoError(t, err)
	plain, err := crypto.OpenValue(sealer, sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-or-secret", plain)

	assert.Equal(t, 1, Run([]string{"seal", "--key", "short", "sk-or-secret"}))
}

func TestRun_UnknownCommand(t *testing.T) {
	captureStdout(t)
	assert.Equal(t, 1, Run([]string{"bogus"}))
}

func TestDescribe(t *testing.T) {
	err := kerrors.NotFound("CONVERSATION_NOT_FOUND", "conversation x not found")
	assert.Equal(t, "CONVERSATION_NOT_FOUND: conversation x not found", describe(err))
	assert.Equal(t, "boom", describe(fmt.Errorf("boom")))
}

func TestRun_Usage(t *testing.T) {
	var gotQuery []string
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotQuery = r.URL.Query()["model"]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":[{"model":"openai/gpt-4o","requests_per_minute":7,"tokens_per_minute":900,"rate_limited":1}]}`))
	}))
	defer srv.Close()
	out := captureStdout(t)

	assert.Equal(t, 0, Run([]string{"-s", srv.URL, "usage", "openai/gpt-4o", "qwen/qwen-2.5-coder"}))
	assert.Equal(t, []string{"openai/gpt-4o", "qwen/qwen-2.5-coder"}, gotQuery)
	assert.Contains(t, out.String(), "openai/gpt-4o")
	assert.Contains(t, out.String(), "900")
}
