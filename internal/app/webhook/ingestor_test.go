package webhook

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/areahq/area-pipeline/internal/domain/execution"
	"github.com/areahq/area-pipeline/internal/infra/eventbus/memory"
	execmemory "github.com/areahq/area-pipeline/internal/infra/storage/execution/memory"
	"github.com/areahq/area-pipeline/internal/logger"
)

const testStream = "areas:events"

type fakeDedup struct {
	mu    sync.Mutex
	seen  map[string]bool
	calls int
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: make(map[string]bool)} }

func (d *fakeDedup) ClaimDelivery(_ context.Context, provider, deliveryID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if deliveryID == "" {
		return false, nil
	}
	key := provider + ":" + deliveryID
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

type fakeSecrets map[string]string

func (s fakeSecrets) WebhookSecret(provider string) string { return s[provider] }

type fakeRegistrations struct {
	regs map[string][]Registration
}

func (r *fakeRegistrations) Resolve(_ context.Context, provider, resource, _ string) ([]Registration, error) {
	return r.regs[provider+"/"+resource], nil
}

type ingestorMetricsStub struct {
	mu       sync.Mutex
	received int
	rejected map[string]int
}

func (m *ingestorMetricsStub) IncWebhookReceived(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received++
}

func (m *ingestorMetricsStub) IncWebhookRejected(_ context.Context, _ string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected == nil {
		m.rejected = make(map[string]int)
	}
	m.rejected[reason]++
}

func (m *ingestorMetricsStub) ObserveWebhookProcessingTime(context.Context, string, time.Duration) {}

type ingestorFixture struct {
	ingestor   *Ingestor
	dedup      *fakeDedup
	bus        *memory.Bus
	executions *execmemory.Store
	metrics    *ingestorMetricsStub
}

func newIngestorFixture(t *testing.T, regs map[string][]Registration) *ingestorFixture {
	t.Helper()

	dedup := newFakeDedup()
	bus := memory.NewBus()
	executions := execmemory.NewStore()
	metrics := new(ingestorMetricsStub)
	log := logger.New(io.Discard, logger.LevelError, "test", nil)

	ingestor, err := NewIngestor(
		NewSignatureValidator(),
		dedup,
		NewNormalizer(&fakeRegistrations{regs: regs}),
		executions,
		bus,
		testStream,
		fakeSecrets{"github": "s3cret"},
		log,
		metrics,
	)
	require.NoError(t, err)

	return &ingestorFixture{
		ingestor:   ingestor,
		dedup:      dedup,
		bus:        bus,
		executions: executions,
		metrics:    metrics,
	}
}

func singleRegistration() (map[string][]Registration, Registration) {
	reg := Registration{
		UserID:           "user-1",
		AreaID:           uuid.New(),
		ActionInstanceID: uuid.New(),
	}
	return map[string][]Registration{"github/push": {reg}}, reg
}

func githubRequest(body []byte, deliveryID string) http.Header {
	header := http.Header{}
	header.Set(headerGitHubSignature, githubSignature("s3cret", body))
	header.Set(headerGitHubDelivery, deliveryID)
	return header
}

func TestIngestRejectsBadSignature(t *testing.T) {
	t.Parallel()

	regs, _ := singleRegistration()
	f := newIngestorFixture(t, regs)

	body := []byte(`{"action":"push"}`)
	header := http.Header{}
	header.Set(headerGitHubSignature, "sha256=deadbeef")
	header.Set(headerGitHubDelivery, "d-1")

	_, err := f.ingestor.Ingest(context.Background(), "github", "push", "", body, header)
	require.ErrorIs(t, err, ErrBadSignature)

	assert.Zero(t, f.dedup.calls, "rejected delivery must not touch the deduplicator")
	assert.Zero(t, f.bus.Info(context.Background(), testStream).Length)
	assert.Equal(t, 1, f.metrics.rejected["bad_signature"])
}

func TestIngestDuplicateDelivery(t *testing.T) {
	t.Parallel()

	regs, _ := singleRegistration()
	f := newIngestorFixture(t, regs)
	ctx := context.Background()

	body := []byte(`{"action":"push"}`)
	header := githubRequest(body, "delivery-1")

	first, err := f.ingestor.Ingest(ctx, "github", "push", "", body, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, first.Outcome)
	require.Len(t, first.ExecutionIDs, 1)

	second, err := f.ingestor.Ingest(ctx, "github", "push", "", body, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Empty(t, second.ExecutionIDs)

	assert.Equal(t, int64(1), f.bus.Info(ctx, testStream).Length, "exactly one event published")
}

func TestIngestHandshake(t *testing.T) {
	t.Parallel()

	regs, _ := singleRegistration()
	f := newIngestorFixture(t, regs)

	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	header := githubRequest(body, "d-handshake")

	res, err := f.ingestor.Ingest(context.Background(), "github", "push", "", body, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandshake, res.Outcome)
	assert.Equal(t, "abc123", res.Challenge)
	assert.Zero(t, f.bus.Info(context.Background(), testStream).Length)
}

func TestIngestUnresolvedOwner(t *testing.T) {
	t.Parallel()

	f := newIngestorFixture(t, map[string][]Registration{})

	body := []byte(`{"action":"push"}`)
	header := githubRequest(body, "d-2")

	_, err := f.ingestor.Ingest(context.Background(), "github", "push", "", body, header)
	require.ErrorIs(t, err, ErrUnresolvedOwner)
	assert.Zero(t, f.bus.Info(context.Background(), testStream).Length)
	assert.Equal(t, 1, f.metrics.rejected["unresolved_owner"])
}

func TestIngestFansOutPerRegistration(t *testing.T) {
	t.Parallel()

	regs := map[string][]Registration{
		"github/push": {
			{UserID: "user-1", AreaID: uuid.New(), ActionInstanceID: uuid.New()},
			{UserID: "user-2", AreaID: uuid.New(), ActionInstanceID: uuid.New()},
			{UserID: "user-3", AreaID: uuid.New(), ActionInstanceID: uuid.New()},
		},
	}
	f := newIngestorFixture(t, regs)
	ctx := context.Background()

	body := []byte(`{"action":"push"}`)
	res, err := f.ingestor.Ingest(ctx, "github", "push", "", body, githubRequest(body, "d-3"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, res.Outcome)
	require.Len(t, res.ExecutionIDs, 3)
	assert.Equal(t, int64(3), f.bus.Info(ctx, testStream).Length)

	for _, id := range res.ExecutionIDs {
		exec, err := f.executions.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, execution.StatusQueued, exec.Status())
	}
}

func TestIngestEmptyDeliveryIDTreatedAsDuplicate(t *testing.T) {
	t.Parallel()

	regs, _ := singleRegistration()
	f := newIngestorFixture(t, regs)

	body := []byte(`{"action":"push"}`)
	header := http.Header{}
	header.Set(headerGitHubSignature, githubSignature("s3cret", body))

	res, err := f.ingestor.Ingest(context.Background(), "github", "push", "", body, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Zero(t, f.bus.Info(context.Background(), testStream).Length)
}
