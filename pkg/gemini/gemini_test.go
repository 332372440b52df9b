package gemini

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
	"google.golang.org/genai"

	"github.com/balakunbot/balakun/pkg/circuit"
	"github.com/balakunbot/balakun/pkg/types/chat"
)

func newTestClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:      cfg,
		breaker:  circuit.New(cfg.Breaker),
		embedSem: semaphore.NewWeighted(cfg.EmbedConcurrency),
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestGeneratePlainReply(t *testing.T) {
	client := newTestClient(Config{RetryAttempts: 1})
	client.callModel = func(_ context.Context, _ []*genai.Content, _ *genai.GenerateContentConfig) (*modelResponse, error) {
		return &modelResponse{text: "  hello there \n"}, nil
	}

	reply, err := client.Generate(context.Background(), GenerateRequest{
		UserParts: []Part{TextPart("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)
}

func TestGenerateToolLoop(t *testing.T) {
	client := newTestClient(Config{RetryAttempts: 1})

	var exchanges [][]*genai.Content
	client.callModel = func(_ context.Context, contents []*genai.Content, _ *genai.GenerateContentConfig) (*modelResponse, error) {
		exchanges = append(exchanges, contents)
		if len(exchanges) == 1 {
			return &modelResponse{toolCalls: []toolCall{{
				name: "search_messages",
				args: map[string]any{"query": "pizza"},
			}}}, nil
		}
		return &modelResponse{text: "found it"}, nil
	}

	var gotArgs map[string]any
	reply, err := client.Generate(context.Background(), GenerateRequest{
		UserParts: []Part{TextPart("what did we say about pizza?")},
		Tools: []Tool{{
			Name: "search_messages",
			Callback: func(_ context.Context, args map[string]any) (string, error) {
				gotArgs = args
				return "three matching messages", nil
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "found it", reply)
	assert.Equal(t, map[string]any{"query": "pizza"}, gotArgs)

	// second exchange sees the model's tool call turn plus the result turn
	require.Len(t, exchanges, 2)
	assert.Len(t, exchanges[1], len(exchanges[0])+2)

	last := exchanges[1][len(exchanges[1])-1]
	require.Len(t, last.Parts, 1)
	require.NotNil(t, last.Parts[0].FunctionResponse)
	assert.Equal(t, "search_messages", last.Parts[0].FunctionResponse.Name)
	assert.Equal(t, "three matching messages", last.Parts[0].FunctionResponse.Response["result"])
	assert.Equal(t, false, last.Parts[0].FunctionResponse.Response["error"])
}

func TestGenerateToolLoopBounded(t *testing.T) {
	client := newTestClient(Config{RetryAttempts: 1, MaxToolRounds: 4})

	var exchanges int
	client.callModel = func(_ context.Context, _ []*genai.Content, _ *genai.GenerateContentConfig) (*modelResponse, error) {
		exchanges++
		return &modelResponse{toolCalls: []toolCall{{name: "loop", args: map[string]any{}}}}, nil
	}

	calls := 0
	_, err := client.Generate(context.Background(), GenerateRequest{
		UserParts: []Part{TextPart("go")},
		Tools: []Tool{{
			Name: "loop",
			Callback: func(_ context.Context, _ map[string]any) (string, error) {
				calls++
				return "again", nil
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, exchanges)
	assert.Equal(t, 4, calls)
}

func TestGenerateUnknownToolFeedsError(t *testing.T) {
	client := newTestClient(Config{RetryAttempts: 1})

	var exchanges [][]*genai.Content
	client.callModel = func(_ context.Context, contents []*genai.Content, _ *genai.GenerateContentConfig) (*modelResponse, error) {
		exchanges = append(exchanges, contents)
		if len(exchanges) == 1 {
			return &modelResponse{toolCalls: []toolCall{{name: "no_such_tool", args: map[string]any{}}}}, nil
		}
		return &modelResponse{text: "ok"}, nil
	}

	reply, err := client.Generate(context.Background(), GenerateRequest{
		UserParts: []Part{TextPart("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)

	last := exchanges[1][len(exchanges[1])-1]
	require.NotNil(t, last.Parts[0].FunctionResponse)
	assert.Equal(t, true, last.Parts[0].FunctionResponse.Response["error"])
}

func TestGenerateClassifiesErrors(t *testing.T) {
	t.Run("transport failure", func(t *testing.T) {
		client := newTestClient(Config{RetryAttempts: 1})
		client.callModel = func(_ context.Context, _ []*genai.Content, _ *genai.GenerateContentConfig) (*modelResponse, error) {
			return nil, pkgerrors.New("400 bad request")
		}

		_, err := client.Generate(context.Background(), GenerateRequest{UserParts: []Part{TextPart("hi")}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUpstream)
	})

	t.Run("timeout", func(t *testing.T) {
		client := newTestClient(Config{RetryAttempts: 1})
		client.callModel = func(ctx context.Context, _ []*genai.Content, _ *genai.GenerateContentConfig) (*modelResponse, error) {
			return nil, context.DeadlineExceeded
		}

		_, err := client.Generate(context.Background(), GenerateRequest{UserParts: []Part{TextPart("hi")}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUpstreamTimeout)
	})
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	client := newTestClient(Config{
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	})

	attempts := 0
	client.callModel = func(_ context.Context, _ []*genai.Content, _ *genai.GenerateContentConfig) (*modelResponse, error) {
		attempts++
		if attempts == 1 {
			return nil, pkgerrors.New("429 rate limit exceeded")
		}
		return &modelResponse{text: "recovered"}, nil
	}

	reply, err := client.Generate(context.Background(), GenerateRequest{UserParts: []Part{TextPart("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
	assert.Equal(t, 2, attempts)
}

func TestGenerateBreakerFailsFast(t *testing.T) {
	client := newTestClient(Config{
		RetryAttempts: 1,
		Breaker:       circuit.Config{MaxFailures: 2, Window: time.Minute, Cooldown: time.Minute},
	})

	calls := 0
	client.callModel = func(_ context.Context, _ []*genai.Content, _ *genai.GenerateContentConfig) (*modelResponse, error) {
		calls++
		return nil, pkgerrors.New("400 bad request")
	}

	req := GenerateRequest{UserParts: []Part{TextPart("hi")}}
	for i := 0; i < 2; i++ {
		_, err := client.Generate(context.Background(), req)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUpstream)
	}

	_, err := client.Generate(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, circuit.ErrOpen)
	assert.Equal(t, 2, calls)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(context.Canceled))
	assert.False(t, isRetryableError(context.DeadlineExceeded))
	assert.False(t, isRetryableError(pkgerrors.New("invalid argument")))
	assert.True(t, isRetryableError(pkgerrors.New("503 Service Unavailable")))
	assert.True(t, isRetryableError(pkgerrors.New("connection refused")))
	assert.True(t, isRetryableError(pkgerrors.New("Quota Exceeded for project")))
}

func TestHistoryContents(t *testing.T) {
	history := []chat.Turn{
		{
			Role: chat.RoleUser,
			Text: "the oven broke again",
			Metadata: chat.Metadata{
				AuthorName: "Petro",
			},
		},
		{
			Role: chat.RoleModel,
			Text: "sounds rough",
		},
		{
			Role:  chat.RoleUser,
			Media: []chat.Media{{Kind: chat.MediaPhoto, Mime: "image/jpeg"}},
			Metadata: chat.Metadata{
				AuthorName: "Olha",
			},
		},
		{
			Role: chat.RoleUser, // fully empty, dropped
		},
	}

	contents := historyContents(history)
	require.Len(t, contents, 3)

	assert.Equal(t, "user", string(contents[0].Role))
	assert.Equal(t, "Petro: the oven broke again", contents[0].Parts[0].Text)

	assert.Equal(t, "model", string(contents[1].Role))
	assert.Equal(t, "sounds rough", contents[1].Parts[0].Text)

	assert.Contains(t, contents[2].Parts[0].Text, "photo (image/jpeg)")
}

func TestUserParts(t *testing.T) {
	parts := userParts([]Part{
		TextPart("look at this"),
		BlobPart("image/png", []byte{1, 2, 3}),
		{}, // empty, dropped
	})
	require.Len(t, parts, 2)
	assert.Equal(t, "look at this", parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MIMEType)
	assert.Equal(t, []byte{1, 2, 3}, parts[1].InlineData.Data)
}

type searchInput struct {
	Query      string `json:"query" jsonschema:"required,description=Text to search for"`
	ThreadOnly bool   `json:"thread_only,omitempty" jsonschema:"description=Restrict to the current thread"`
}

func TestToGenAITools(t *testing.T) {
	tools := []Tool{{
		Name:        "search_messages",
		Description: "search chat history",
		Schema:      Schema[searchInput](),
	}}

	converted := toGenAITools(tools, false)
	require.Len(t, converted, 1)
	require.Len(t, converted[0].FunctionDeclarations, 1)

	decl := converted[0].FunctionDeclarations[0]
	assert.Equal(t, "search_messages", decl.Name)
	require.NotNil(t, decl.Parameters)
	assert.Equal(t, genai.TypeObject, decl.Parameters.Type)
	require.Contains(t, decl.Parameters.Properties, "query")
	assert.Equal(t, genai.TypeString, decl.Parameters.Properties["query"].Type)
	require.Contains(t, decl.Parameters.Properties, "thread_only")
	assert.Equal(t, genai.TypeBoolean, decl.Parameters.Properties["thread_only"].Type)
	assert.Contains(t, decl.Parameters.Required, "query")
}

func TestToGenAIToolsSearchGrounding(t *testing.T) {
	converted := toGenAITools(nil, true)
	require.Len(t, converted, 1)
	assert.NotNil(t, converted[0].GoogleSearch)

	converted = toGenAITools([]Tool{{Name: "noop", Schema: Schema[searchInput]()}}, true)
	require.Len(t, converted, 2)
	assert.NotNil(t, converted[0].FunctionDeclarations)
	assert.NotNil(t, converted[1].GoogleSearch)
}

func TestEmbedTextBlankInput(t *testing.T) {
	client := newTestClient(Config{})
	calls := 0
	client.callEmbed = func(_ context.Context, _ string) ([]float32, error) {
		calls++
		return []float32{1}, nil
	}

	assert.Nil(t, client.EmbedText(context.Background(), ""))
	assert.Nil(t, client.EmbedText(context.Background(), "   \n\t"))
	assert.Equal(t, 0, calls)
}

func TestEmbedTextSwallowsErrors(t *testing.T) {
	client := newTestClient(Config{})
	client.callEmbed = func(_ context.Context, _ string) ([]float32, error) {
		return nil, pkgerrors.New("connection reset by peer")
	}

	assert.Nil(t, client.EmbedText(context.Background(), "some text"))
}

func TestEmbedTextSuccess(t *testing.T) {
	client := newTestClient(Config{})
	client.callEmbed = func(_ context.Context, text string) ([]float32, error) {
		assert.Equal(t, "some text", text)
		return []float32{0.1, 0.2, 0.3}, nil
	}

	assert.Equal(t, []float32{0.1, 0.2, 0.3}, client.EmbedText(context.Background(), "some text"))
}

func TestEmbedTextConcurrencyLimit(t *testing.T) {
	client := newTestClient(Config{EmbedConcurrency: 2})

	var active, peak atomic.Int32
	client.callEmbed = func(_ context.Context, _ string) ([]float32, error) {
		current := active.Add(1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return []float32{1}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.EmbedText(context.Background(), "payload")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}
