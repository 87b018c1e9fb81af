package anthropic

import (
	"context"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentPay-Chain/internal/llm"
)

type fakeMessages struct {
	params sdk.MessageNewParams
	msg    *sdk.Message
	err    error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	return f.msg, f.err
}

func TestCompleteJoinsTextBlocks(t *testing.T) {
	fake := &fakeMessages{msg: &sdk.Message{Content: []sdk.ContentBlockUnion{
		{Type: "text", Text: "BTC is up 2%."},
		{Type: "tool_use"},
		{Type: "text", Text: "Volume is rising."},
	}}}
	client, err := New(fake, "claude-test", 512)
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), "you are an analyst", "how is btc?")
	require.NoError(t, err)
	assert.Equal(t, "BTC is up 2%.\nVolume is rising.", out)
	assert.Equal(t, "anthropic", client.Name())

	assert.Equal(t, sdk.Model("claude-test"), fake.params.Model)
	assert.Equal(t, int64(512), fake.params.MaxTokens)
	require.Len(t, fake.params.System, 1)
	assert.Equal(t, "you are an analyst", fake.params.System[0].Text)
	assert.Len(t, fake.params.Messages, 1)
}

func TestCompleteOmitsEmptySystemPrompt(t *testing.T) {
	fake := &fakeMessages{msg: &sdk.Message{}}
	client, err := New(fake, "", 0)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "  ", "hi")
	require.NoError(t, err)
	assert.Empty(t, fake.params.System)
	assert.Equal(t, sdk.Model(defaultModel), fake.params.Model)
	assert.Equal(t, int64(defaultMaxTokens), fake.params.MaxTokens)
}

func TestCompleteClassifiesAPIErrors(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	require.NoError(t, err)

	cases := []struct {
		name   string
		status int
		class  llm.Class
	}{
		{"overloaded", 529, llm.Transient},
		{"rate limited", http.StatusTooManyRequests, llm.Transient},
		{"server error", http.StatusInternalServerError, llm.Transient},
		{"bad request", http.StatusBadRequest, llm.Fatal},
		{"unauthorized", http.StatusUnauthorized, llm.Fatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := &sdk.Error{StatusCode: tc.status, Request: req, Response: &http.Response{StatusCode: tc.status}}
			client, err := New(&fakeMessages{err: apiErr}, "", 0)
			require.NoError(t, err)

			_, err = client.Complete(context.Background(), "", "hi")
			var typed *llm.Error
			require.True(t, errors.As(err, &typed))
			assert.Equal(t, tc.class, typed.Class)
			assert.Equal(t, tc.status, typed.StatusCode)
			assert.Equal(t, "anthropic", typed.Provider)
		})
	}
}

func TestCompleteTransportErrorIsTransient(t *testing.T) {
	client, err := New(&fakeMessages{err: errors.New("connection reset")}, "", 0)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "", "hi")
	typed := llm.AsError(err)
	assert.Equal(t, llm.Transient, typed.Class)
}

func TestConstructorValidation(t *testing.T) {
	_, err := New(nil, "", 0)
	assert.Error(t, err)
	_, err = NewFromConfig(Config{})
	assert.Error(t, err)

	client, err := NewFromConfig(Config{APIKey: "sk-test", BaseURL: "http://localhost:1"})
	require.NoError(t, err)
	assert.NotNil(t, client)
}
