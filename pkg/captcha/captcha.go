// Package captcha issues single-use arithmetic challenges rendered as
// PNG data URIs. The table is process-local and protected by a mutex;
// entries never survive a restart, which is fine because the client
// fetches a fresh captcha per deploy attempt.
package captcha

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/metrics"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

type entry struct {
	answer    string
	expiresAt time.Time
}

// Broker generates and verifies captchas.
type Broker struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	bypass  bool
	rand    *rand.Rand

	now func() time.Time
}

// New builds a Broker. With bypass enabled Verify always succeeds,
// which is intended for automated test deployments only.
func New(ttl time.Duration, bypass bool) *Broker {
	return &Broker{
		entries: make(map[string]entry),
		ttl:     ttl,
		bypass:  bypass,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// Generate creates a new challenge and returns its id and the rendered
// image as a data URI.
func (b *Broker) Generate() (id, imageURI string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Abandoned entries from earlier page loads die here, not only on
	// the janitor's schedule.
	b.pruneLocked()

	a := b.rand.Intn(9) + 1
	c := b.rand.Intn(9) + 1
	var question string
	var answer int
	if b.rand.Intn(2) == 0 {
		question = fmt.Sprintf("%d + %d = ?", a, c)
		answer = a + c
	} else {
		// Keep subtraction results non-negative.
		if c > a {
			a, c = c, a
		}
		question = fmt.Sprintf("%d - %d = ?", a, c)
		answer = a - c
	}

	uri, err := renderDataURI(question, b.rand)
	if err != nil {
		return "", "", fmt.Errorf("failed to render captcha: %w", err)
	}

	id = uuid.New().String()
	b.entries[id] = entry{
		answer:    fmt.Sprintf("%d", answer),
		expiresAt: b.now().Add(b.ttl),
	}

	metrics.CaptchaGenerated.Inc()
	return id, uri, nil
}

// Verify consumes the entry for id. Any outcome removes the entry:
// a captcha is single-use whether the answer was right, wrong, late or
// for an unknown id.
func (b *Broker) Verify(ctx context.Context, id, answer string) error {
	metrics.CaptchaValidations.Inc()

	if b.bypass {
		return nil
	}

	b.mu.Lock()
	e, ok := b.entries[id]
	delete(b.entries, id)
	b.mu.Unlock()

	if !ok {
		return types.ErrCaptchaInvalid
	}
	if b.now().After(e.expiresAt) {
		log.WithComponent("captcha").Debug().Str("captcha_id", id).Msg("Captcha expired")
		return types.ErrCaptchaInvalid
	}
	if strings.TrimSpace(answer) != e.answer {
		return types.ErrCaptchaInvalid
	}
	return nil
}

// Prune drops expired entries. Called by the janitor so abandoned
// captchas do not accumulate.
func (b *Broker) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pruneLocked()
}

func (b *Broker) pruneLocked() int {
	now := b.now()
	n := 0
	for id, e := range b.entries {
		if now.After(e.expiresAt) {
			delete(b.entries, id)
			n++
		}
	}
	return n
}
