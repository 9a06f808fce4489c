package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	mu      sync.Mutex
	calls   int
	systems []string
	replies []string
	errs    []error
	delay   time.Duration
}

func (f *fakeCompleter) complete(ctx context.Context, system, _ string) (string, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.systems = append(f.systems, system)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return "", nil
}

func TestCleanerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	backend := &fakeCompleter{
		errs:    []error{errors.New("rate limited"), nil},
		replies: []string{"", "one\n" + Separator + "\ntwo"},
	}
	c := newCleaner(backend, Config{MaxRetries: 3}, nil)
	c.retry = noDelayPolicy(3)

	out, err := c.Clean(context.Background(), "raw text", "de")
	require.NoError(t, err)
	require.Contains(t, out, Separator)
	require.Equal(t, 2, backend.calls)
	require.Equal(t, CleaningPrompt("de"), backend.systems[0])
}

func TestCleanerGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	backend := &fakeCompleter{errs: []error{boom, boom, boom, boom}}
	c := newCleaner(backend, Config{MaxRetries: 2}, nil)
	c.retry = noDelayPolicy(2)

	_, err := c.Clean(context.Background(), "raw", "en")
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, backend.calls)
}

func TestCleanerEmptyResponseIsNotRetried(t *testing.T) {
	t.Parallel()

	backend := &fakeCompleter{replies: []string{"   "}}
	c := newCleaner(backend, Config{MaxRetries: 5}, nil)
	c.retry = noDelayPolicy(5)

	_, err := c.Clean(context.Background(), "raw", "en")
	require.ErrorIs(t, err, ErrEmptyResponse)
	require.Equal(t, 1, backend.calls)
}

func TestCleanerHonorsTimeout(t *testing.T) {
	t.Parallel()

	backend := &fakeCompleter{delay: time.Second}
	c := newCleaner(backend, Config{MaxRetries: 3, Timeout: 20 * time.Millisecond}, nil)

	_, err := c.Clean(context.Background(), "raw", "en")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, backend.calls)
}

func TestCleanerSkipsBlankInput(t *testing.T) {
	t.Parallel()

	backend := &fakeCompleter{}
	c := newCleaner(backend, Config{}, nil)
	out, err := c.Clean(context.Background(), " \n ", "en")
	require.NoError(t, err)
	require.Empty(t, out)
	require.Zero(t, backend.calls)
}

func TestNewCleanerProviders(t *testing.T) {
	t.Parallel()

	c, err := NewCleaner(context.Background(), Config{Provider: ProviderNone}, nil)
	require.NoError(t, err)
	out, err := c.Clean(context.Background(), "keep me", "en")
	require.NoError(t, err)
	require.Equal(t, "keep me", out)

	_, err = NewCleaner(context.Background(), Config{Provider: "mystery"}, nil)
	require.Error(t, err)

	_, err = NewCleaner(context.Background(), Config{Provider: ProviderAnthropic}, nil)
	require.Error(t, err, "anthropic needs an api key")

	c, err = NewCleaner(context.Background(), Config{Provider: ProviderOpenAI, BaseURL: "http://localhost:1/v1"}, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestCleaningPromptFallsBackToEnglish(t *testing.T) {
	t.Parallel()

	require.Equal(t, CleaningPrompt("en"), CleaningPrompt("pt"))
	require.Equal(t, CleaningPrompt("fr"), CleaningPrompt("FR-ca"))
	require.NotEqual(t, CleaningPrompt("en"), CleaningPrompt("de"))
	for _, lang := range []string{"en", "de", "fr"} {
		require.True(t, strings.Contains(CleaningPrompt(lang), Separator), lang)
		require.True(t, SupportedLanguage(lang))
	}
	require.False(t, SupportedLanguage("pt"))
}
