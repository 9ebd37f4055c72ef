package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	intakeerrors "intake/internal/errors"
	"intake/internal/logging"
	"intake/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestClassifyKeywords(t *testing.T) {
	require.Equal(t, task.PriorityHigh, Classify("Fix urgent bug in login"))
	require.Equal(t, task.PriorityLow, Classify("minor cosmetic cleanup"))
	require.Equal(t, task.PriorityMedium, Classify("update docs"))
	require.Equal(t, task.PriorityLow, Classify("Do this when possible"))
	require.Equal(t, task.PriorityHigh, Classify("ASAP: minor typo"))
}

func TestHeuristicTemplates(t *testing.T) {
	h := NewHeuristic("")

	short, err := h.Enhance(context.Background(), "update docs")
	require.NoError(t, err)
	require.Equal(t, "Task: update docs\n\nThis requires attention to detail and careful implementation.", short.Enhanced)
	require.Equal(t, DefaultProject, short.Project)

	long := h.Fallback("wire the slack notifier into the release pipeline", "")
	require.Equal(t, "slack-integration", long.Project)
	require.Equal(t,
		"Enhanced: wire the slack notifier into the release pipeline\n\nThis task involves working with the slack-integration system.",
		long.Enhanced)
}

func TestHeuristicProjectRouting(t *testing.T) {
	h := NewHeuristic("ops")
	require.Equal(t, "github-tools", h.Project("Review GitHub actions", ""))
	require.Equal(t, "billing", h.Project("Review GitHub actions", "billing"))
	require.Equal(t, "billing", h.Project("update docs", " billing "))
	require.Equal(t, "ops", h.Project("update docs", ""))
}

func TestNewPicksHeuristicWithoutCredentials(t *testing.T) {
	_, ok := New(Config{Enabled: true}, logging.Nop(), nil).(*Heuristic)
	require.True(t, ok)

	_, ok = New(Config{Enabled: false, APIKey: "sk-test"}, nil, nil).(*Heuristic)
	require.True(t, ok)

	_, ok = New(Config{Enabled: true, APIKey: "sk-test"}, nil, nil).(*Remote)
	require.True(t, ok)

	_, ok = New(Config{Enabled: true, APIKey: "sk-test", RateLimit: 1}, nil, nil).(*rateLimited)
	require.True(t, ok)

	_, ok = New(Config{Enabled: true, APIKey: "sk-test", CacheSize: 8}, nil, nil).(*cached)
	require.True(t, ok)
}

func chatServer(t *testing.T, answers map[string]string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) || !assert.Len(t, req.Messages, 2) {
			return
		}

		answer := ""
		for prefix, a := range answers {
			if strings.HasPrefix(req.Messages[1].Content, prefix) {
				answer = a
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": answer}}},
		})
	}))
}

func TestRemoteEnhance(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, map[string]string{
		"Enhance this task":  "  Fix the login race in the session store  ",
		"Classify priority":  "Critical",
		"Which project does": `"auth-service"`,
	}, &calls)
	defer srv.Close()

	rec := &kindRecorder{}
	r := NewRemote(Config{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "m"}, logging.Nop(), rec)
	res, err := r.Enhance(context.Background(), "Fix urgent bug in login")
	require.NoError(t, err)
	require.Equal(t, "Fix the login race in the session store", res.Enhanced)
	require.Equal(t, task.PriorityCritical, res.Priority)
	require.Equal(t, "auth-service", res.Project)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, []string{"m/enhance/success", "m/priority/success", "m/project/success"}, rec.calls)
}

type kindRecorder struct {
	calls []string
}

func (k *kindRecorder) RecordLLMRequest(_ context.Context, model, kind, status string, _ time.Duration) {
	k.calls = append(k.calls, model+"/"+kind+"/"+status)
}

func TestRemoteNormalisesOddAnswers(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, map[string]string{
		"Enhance this task":  "enhanced",
		"Classify priority":  "somewhat important",
		"Which project does": `""`,
	}, &calls)
	defer srv.Close()

	r := NewRemote(Config{BaseURL: srv.URL, APIKey: "sk-test", DefaultProject: "ops"}, nil, nil)
	res, err := r.Enhance(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, task.PriorityMedium, res.Priority)
	require.Equal(t, "ops", res.Project)
}

func TestRemoteErrorsWrapEnrichment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer srv.Close()

	_, err := NewRemote(Config{BaseURL: srv.URL, APIKey: "sk-test"}, nil, nil).Enhance(context.Background(), "x")
	require.ErrorIs(t, err, intakeerrors.ErrEnrichment)
	require.Equal(t, intakeerrors.ErrorTypePermanent, intakeerrors.GetErrorType(err))
	require.Contains(t, err.Error(), "bad key")
}

func TestRemoteOversizedResponseIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"far too long"}}]}`))
	}))
	defer srv.Close()

	r := NewRemote(Config{BaseURL: srv.URL, APIKey: "sk-test"}, nil, nil)
	r.bodyLimit = 16
	_, err := r.Enhance(context.Background(), "x")
	require.ErrorIs(t, err, intakeerrors.ErrEnrichment)
	require.Equal(t, intakeerrors.ErrorTypePermanent, intakeerrors.GetErrorType(err))
	require.Contains(t, err.Error(), "exceeded limit of 16 bytes")
}

func TestRemoteEmptyChoicesIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewRemote(Config{BaseURL: srv.URL, APIKey: "sk-test"}, nil, nil).Enhance(context.Background(), "x")
	require.ErrorIs(t, err, intakeerrors.ErrEnrichment)
	require.True(t, intakeerrors.IsTransient(err))
}

type countingGateway struct{ calls atomic.Int32 }

func (g *countingGateway) Enhance(context.Context, string) (Result, error) {
	g.calls.Add(1)
	return Result{Priority: task.PriorityLow}, nil
}

func TestRateLimitRejectsBeyondBurst(t *testing.T) {
	base := &countingGateway{}
	gw := WithRateLimit(base, rate.Every(1e12), 0)

	_, err := gw.Enhance(context.Background(), "a")
	require.NoError(t, err)
	_, err = gw.Enhance(context.Background(), "b")
	require.ErrorIs(t, err, ErrRateLimited)
	require.ErrorIs(t, err, intakeerrors.ErrEnrichment)
	require.Equal(t, int32(1), base.calls.Load())

	require.Same(t, Gateway(base), WithRateLimit(base, 0, 1))
}

type flakyGateway struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (g *flakyGateway) Enhance(_ context.Context, description string) (Result, error) {
	g.calls.Add(1)
	if g.fail.Load() {
		return Result{}, intakeerrors.Enrichment(errors.New("backend down"))
	}
	return Result{Enhanced: "enhanced " + description, Priority: task.PriorityHigh}, nil
}

func TestCacheServesRepeatedDescriptions(t *testing.T) {
	base := &flakyGateway{}
	gw := WithCache(base, 2)

	first, err := gw.Enhance(context.Background(), "fix login")
	require.NoError(t, err)
	again, err := gw.Enhance(context.Background(), "  fix login ")
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, int32(1), base.calls.Load())

	// Evicts "fix login" once two newer entries are added.
	_, _ = gw.Enhance(context.Background(), "b")
	_, _ = gw.Enhance(context.Background(), "c")
	require.Equal(t, 2, gw.(*cached).Len())
	_, _ = gw.Enhance(context.Background(), "fix login")
	require.Equal(t, int32(4), base.calls.Load())
}

func TestCacheSkipsFailures(t *testing.T) {
	base := &flakyGateway{}
	base.fail.Store(true)
	gw := WithCache(base, 4)

	_, err := gw.Enhance(context.Background(), "deploy")
	require.ErrorIs(t, err, intakeerrors.ErrEnrichment)
	base.fail.Store(false)
	res, err := gw.Enhance(context.Background(), "deploy")
	require.NoError(t, err)
	require.Equal(t, "enhanced deploy", res.Enhanced)
	require.Equal(t, int32(2), base.calls.Load())

	require.Same(t, Gateway(base), WithCache(base, 0))
}
