package captcha

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctflab/ctfdeployer/pkg/types"
)

// answerFor reaches into the table for the stored answer; tests cannot
// OCR the image.
func answerFor(b *Broker, id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[id].answer
}

func TestGenerateAndVerify(t *testing.T) {
	b := New(time.Minute, false)

	id, uri, err := b.Generate()
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	answer := answerFor(b, id)
	assert.NoError(t, b.Verify(context.Background(), id, answer))
}

func TestVerifyWrongAnswer(t *testing.T) {
	b := New(time.Minute, false)

	id, _, err := b.Generate()
	require.NoError(t, err)

	err = b.Verify(context.Background(), id, "definitely wrong")
	assert.ErrorIs(t, err, types.ErrCaptchaInvalid)
}

// A captcha is single-use: even a correct answer cannot be replayed.
func TestVerifyConsumesEntry(t *testing.T) {
	b := New(time.Minute, false)

	id, _, err := b.Generate()
	require.NoError(t, err)
	answer := answerFor(b, id)

	require.NoError(t, b.Verify(context.Background(), id, answer))
	err = b.Verify(context.Background(), id, answer)
	assert.ErrorIs(t, err, types.ErrCaptchaInvalid)
}

func TestVerifyUnknownID(t *testing.T) {
	b := New(time.Minute, false)
	err := b.Verify(context.Background(), "no-such-id", "1")
	assert.ErrorIs(t, err, types.ErrCaptchaInvalid)
}

func TestVerifyExpired(t *testing.T) {
	b := New(time.Minute, false)

	id, _, err := b.Generate()
	require.NoError(t, err)
	answer := answerFor(b, id)

	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	err = b.Verify(context.Background(), id, answer)
	assert.ErrorIs(t, err, types.ErrCaptchaInvalid)
}

func TestVerifyTrimsWhitespace(t *testing.T) {
	b := New(time.Minute, false)

	id, _, err := b.Generate()
	require.NoError(t, err)
	answer := answerFor(b, id)

	assert.NoError(t, b.Verify(context.Background(), id, "  "+answer+"\n"))
}

func TestBypass(t *testing.T) {
	b := New(time.Minute, true)
	assert.NoError(t, b.Verify(context.Background(), "anything", "anything"))
}

func TestAnswersAreSmallNonNegativeIntegers(t *testing.T) {
	b := New(time.Minute, false)

	for i := 0; i < 50; i++ {
		id, _, err := b.Generate()
		require.NoError(t, err)
		answer := answerFor(b, id)

		var n int
		_, err = fmt.Sscanf(answer, "%d", &n)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 0)
		assert.LessOrEqual(t, n, 18)
	}
}

func TestPrune(t *testing.T) {
	b := New(time.Minute, false)

	fresh, _, err := b.Generate()
	require.NoError(t, err)
	stale, _, err := b.Generate()
	require.NoError(t, err)

	b.mu.Lock()
	e := b.entries[stale]
	e.expiresAt = time.Now().Add(-time.Second)
	b.entries[stale] = e
	b.mu.Unlock()

	assert.Equal(t, 1, b.Prune())

	b.mu.Lock()
	_, hasFresh := b.entries[fresh]
	_, hasStale := b.entries[stale]
	b.mu.Unlock()
	assert.True(t, hasFresh)
	assert.False(t, hasStale)
}
