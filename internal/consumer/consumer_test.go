package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/mail-dispatch/internal/broker"
	"github.com/jwalitptl/mail-dispatch/internal/idempotency"
	"github.com/jwalitptl/mail-dispatch/internal/model"
	"github.com/jwalitptl/mail-dispatch/internal/sender"
	"github.com/jwalitptl/mail-dispatch/pkg/crypto"
	apperrors "github.com/jwalitptl/mail-dispatch/pkg/errors"
	"github.com/jwalitptl/mail-dispatch/pkg/logger"
	"github.com/jwalitptl/mail-dispatch/pkg/metrics"
)

type fakeAcknowledger struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type stubSender struct {
	err    error
	calls  int
	inputs []sender.EmailInput
}

func (s *stubSender) Send(_ context.Context, input sender.EmailInput) error {
	s.calls++
	s.inputs = append(s.inputs, input)
	if s.err != nil {
		return apperrors.ClassifyTransport(s.err)
	}
	return nil
}

func (s *stubSender) SendBulk(ctx context.Context, inputs []sender.EmailInput) error {
	for _, input := range inputs {
		if err := s.Send(ctx, input); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubSender) HealthCheck(context.Context) error { return nil }

type stubRenderer struct {
	err      error
	lastVars map[string]interface{}
}

func (r *stubRenderer) Render(name string, vars map[string]interface{}) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.lastVars = vars
	return "<p>rendered</p>", nil
}

type retryPublish struct {
	msg  *model.DispatchMessage
	tier int
}

type stubRouter struct {
	retries  []retryPublish
	dlq      []*model.DLQRecord
	retryErr error
	dlqErr   error
}

func (r *stubRouter) PublishRetry(_ context.Context, msg *model.DispatchMessage, tier int) error {
	if r.retryErr != nil {
		return r.retryErr
	}
	r.retries = append(r.retries, retryPublish{msg: msg, tier: tier})
	return nil
}

func (r *stubRouter) PublishDLQ(_ context.Context, record *model.DLQRecord) error {
	if r.dlqErr != nil {
		return r.dlqErr
	}
	r.dlq = append(r.dlq, record)
	return nil
}

type failingStore struct{}

func (failingStore) Claim(context.Context, string) (bool, error) {
	return false, errors.New("store unreachable")
}

func (failingStore) ClaimRetry(context.Context, string) (bool, error) {
	return false, errors.New("store unreachable")
}

func (failingStore) SetStatus(context.Context, string, model.IdempotencyStatus) error {
	return errors.New("store unreachable")
}

func (failingStore) GetStatus(context.Context, string) (model.IdempotencyStatus, bool, error) {
	return "", false, errors.New("store unreachable")
}

type harness struct {
	consumer *Consumer
	store    idempotency.Store
	sender   *stubSender
	renderer *stubRenderer
	router   *stubRouter
	metrics  *metrics.Metrics
	cipher   *crypto.PayloadCipher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cipher, err := crypto.NewPayloadCipher("test-secret", "key-1")
	require.NoError(t, err)

	h := &harness{
		store:    idempotency.NewMemoryStore(idempotency.Config{TTL: time.Minute}),
		sender:   &stubSender{},
		renderer: &stubRenderer{},
		router:   &stubRouter{},
		metrics:  metrics.NewUnregistered("test"),
		cipher:   cipher,
	}

	log := logger.NewLogger(&logger.Config{Level: zerolog.Disabled})
	h.consumer = New(
		broker.NewConnection("amqp://localhost"),
		broker.NewTopology(broker.TopologyConfig{}),
		h.store,
		cipher,
		h.renderer,
		h.sender,
		h.router,
		h.metrics,
		log,
		Config{MaxRetries: 3},
	)
	return h
}

func (h *harness) useStore(s idempotency.Store) {
	h.store = s
	h.consumer.store = s
}

func testMessage() *model.DispatchMessage {
	return &model.DispatchMessage{
		MessageID: "msg-1",
		EventType: model.EventTypeWelcome,
		To:        []string{"a@x.com"},
		Subject:   "Hi",
		Template:  "welcome.html",
		Payload:   map[string]interface{}{"user_name": "Ann"},
		Metadata: model.Metadata{
			SourceService: "user-service",
			CreatedAt:     time.Now().UTC(),
		},
	}
}

func deliver(t *testing.T, h *harness, msg *model.DispatchMessage) *fakeAcknowledger {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return deliverRaw(h, body)
}

func deliverRaw(h *harness, body []byte) *fakeAcknowledger {
	ack := &fakeAcknowledger{}
	h.consumer.process(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
	})
	return ack
}

func TestSuccessfulDelivery(t *testing.T) {
	h := newHarness(t)

	ack := deliver(t, h, testMessage())

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
	assert.Equal(t, 1, h.sender.calls)
	assert.Empty(t, h.router.retries)
	assert.Empty(t, h.router.dlq)

	s := h.metrics.GetSnapshot()
	assert.Equal(t, int64(1), s.Received)
	assert.Equal(t, int64(1), s.Sent)

	status, ok, err := h.store.GetStatus(context.Background(), "msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusSent, status)
}

func TestDuplicateDeliveryIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Claim(ctx, "msg-1")
	require.NoError(t, err)
	require.NoError(t, h.store.SetStatus(ctx, "msg-1", model.StatusSent))

	ack := deliver(t, h, testMessage())

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, h.sender.calls, "sender must not run twice for one message_id")
	assert.Equal(t, int64(0), h.metrics.GetSnapshot().Sent)
}

func TestInFlightDuplicateIsSkipped(t *testing.T) {
	h := newHarness(t)

	_, err := h.store.Claim(context.Background(), "msg-1")
	require.NoError(t, err)

	ack := deliver(t, h, testMessage())

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, h.sender.calls)
}

func TestRetryCopyIsNotADuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Claim(ctx, "msg-1")
	require.NoError(t, err)
	require.NoError(t, h.store.SetStatus(ctx, "msg-1", model.StatusRetrying))

	msg := testMessage()
	msg.RetryCount = 1
	ack := deliver(t, h, msg)

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 1, h.sender.calls)
}

// A redelivered retry copy (same message_id, broker redelivery after a delay
// queue hiccup) must be admitted exactly once.
func TestDuplicateRetryCopySendsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Claim(ctx, "msg-1")
	require.NoError(t, err)
	require.NoError(t, h.store.SetStatus(ctx, "msg-1", model.StatusRetrying))

	msg := testMessage()
	msg.RetryCount = 1

	first := deliver(t, h, msg)
	second := deliver(t, h, msg)

	assert.Equal(t, 1, first.acks)
	assert.Equal(t, 1, second.acks)
	assert.Equal(t, 1, h.sender.calls, "only one delivery may win the retry admission")
}

// A message with no template variables loses its payload field to omitempty
// on the wire; it must still be accepted and sent.
func TestEmptyPayloadMessageIsDelivered(t *testing.T) {
	h := newHarness(t)

	msg := testMessage()
	msg.Payload = map[string]interface{}{}

	ack := deliver(t, h, msg)

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 1, h.sender.calls)
	assert.Empty(t, h.router.dlq)
}

func TestRunReconnectsUntilCanceled(t *testing.T) {
	h := newHarness(t)
	h.consumer.conn = broker.NewConnection("amqp://localhost:1/")
	h.consumer.cfg.ReconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := h.consumer.Run(ctx)
	require.Error(t, err, "a dead broker must never look like a clean shutdown")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryableFailureRoutesToDelayTier(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("dial tcp: connection timeout")

	ack := deliver(t, h, testMessage())

	assert.Equal(t, 1, ack.acks, "original delivery is acked after rerouting")
	require.Len(t, h.router.retries, 1)
	assert.Equal(t, 0, h.router.retries[0].tier)
	assert.Equal(t, 1, h.router.retries[0].msg.RetryCount)
	assert.Empty(t, h.router.dlq)
	assert.Equal(t, int64(1), h.metrics.GetSnapshot().Retried)

	status, ok, err := h.store.GetStatus(context.Background(), "msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusRetrying, status)
}

// Drives a message through the whole retry ladder: each rerouted copy is fed
// back to the consumer as the broker would after its delay expires.
func TestRetryLadderEndsInDeadLetter(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("dial tcp: connection timeout")

	msg := testMessage()
	wantTiers := []int{0, 1, 2}

	for attempt := 0; ; attempt++ {
		deliver(t, h, msg)
		if len(h.router.retries) == attempt {
			break
		}
		require.Less(t, attempt, 10, "retry ladder did not terminate")
		last := h.router.retries[len(h.router.retries)-1]
		assert.Equal(t, wantTiers[attempt], last.tier)
		msg = last.msg
	}

	assert.Equal(t, 3, len(h.router.retries))
	require.Len(t, h.router.dlq, 1)
	record := h.router.dlq[0]
	assert.Equal(t, model.FailureTypeExhausted, record.FailureType)
	assert.Contains(t, record.Reason, "max retries exceeded")
	assert.Equal(t, "msg-1", record.MessageID)
	assert.Equal(t, 4, record.Attempts)

	s := h.metrics.GetSnapshot()
	assert.Equal(t, int64(3), s.Retried)
	assert.Equal(t, int64(1), s.Failed)

	status, ok, err := h.store.GetStatus(context.Background(), "msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusDeadLettered, status)
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("550 no such user")

	ack := deliver(t, h, testMessage())

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 1, h.sender.calls)
	assert.Empty(t, h.router.retries, "permanent failures are never delayed")
	require.Len(t, h.router.dlq, 1)
	assert.Equal(t, model.FailureTypePermanent, h.router.dlq[0].FailureType)
	assert.Equal(t, int64(1), h.metrics.GetSnapshot().Failed)

	status, _, err := h.store.GetStatus(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeadLettered, status)
}

func TestMalformedBodyDeadLetters(t *testing.T) {
	h := newHarness(t)

	ack := deliverRaw(h, []byte("{not json"))

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, h.sender.calls)
	require.Len(t, h.router.dlq, 1)
	record := h.router.dlq[0]
	assert.Equal(t, model.FailureTypeValidation, record.FailureType)
	assert.Empty(t, record.MessageID)
	assert.Equal(t, "{not json", record.OriginalBody)
}

func TestSchemaViolationDeadLetters(t *testing.T) {
	h := newHarness(t)

	msg := testMessage()
	msg.To = nil
	ack := deliver(t, h, msg)

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, h.sender.calls)
	require.Len(t, h.router.dlq, 1)
	assert.Equal(t, model.FailureTypeValidation, h.router.dlq[0].FailureType)
}

func TestTemplateNotFoundDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.renderer.err = apperrors.NewTemplateNotFound("nonexistent.html")

	msg := testMessage()
	msg.Template = "nonexistent.html"
	ack := deliver(t, h, msg)

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, h.sender.calls)
	assert.Empty(t, h.router.retries, "template errors never retry")
	require.Len(t, h.router.dlq, 1)
	record := h.router.dlq[0]
	assert.Equal(t, model.FailureTypeTemplate, record.FailureType)
	assert.Contains(t, record.Reason, "not found")
}

func TestEncryptedPayloadIsDecrypted(t *testing.T) {
	h := newHarness(t)

	sealed, err := h.cipher.EncryptPayload(map[string]interface{}{"user_name": "Ann"})
	require.NoError(t, err)

	msg := testMessage()
	msg.Payload = nil
	msg.PayloadEncrypted = sealed
	msg.Encryption = &model.Encryption{Algorithm: crypto.Algorithm, KeyID: "key-1"}

	ack := deliver(t, h, msg)

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 1, h.sender.calls)
	assert.Equal(t, map[string]interface{}{"user_name": "Ann"}, h.renderer.lastVars)
}

func TestDecryptionFailureDeadLetters(t *testing.T) {
	h := newHarness(t)

	msg := testMessage()
	msg.Payload = nil
	msg.PayloadEncrypted = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	msg.Encryption = &model.Encryption{Algorithm: crypto.Algorithm, KeyID: "key-1"}

	ack := deliver(t, h, msg)

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, h.sender.calls)
	assert.Empty(t, h.router.retries, "decryption failures never retry")
	require.Len(t, h.router.dlq, 1)
	assert.Equal(t, model.FailureTypeDecryption, h.router.dlq[0].FailureType)
}

func TestStoreOutageFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.useStore(failingStore{})

	ack := deliver(t, h, testMessage())

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 1, h.sender.calls, "sending is preferred over dedup when the store is down")
	assert.Equal(t, int64(1), h.metrics.GetSnapshot().Sent)
}

func TestDLQPublishFailureRejectsWithoutRequeue(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("550 no such user")
	h.router.dlqErr = errors.New("broker gone")

	ack := deliver(t, h, testMessage())

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeued, "requeueing would loop; the queue DLX is the backstop")
}

func TestRetryPublishFailureRejectsWithoutRequeue(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("dial tcp: connection timeout")
	h.router.retryErr = errors.New("broker gone")

	ack := deliver(t, h, testMessage())

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeued)
	assert.Equal(t, int64(0), h.metrics.GetSnapshot().Retried)
}

func TestAttachmentsAreDecoded(t *testing.T) {
	h := newHarness(t)

	msg := testMessage()
	msg.Attachments = []model.Attachment{
		{Filename: "hello.txt", ContentType: "text/plain", Content: "aGVsbG8="},
	}

	ack := deliver(t, h, msg)

	assert.Equal(t, 1, ack.acks)
	require.Len(t, h.sender.inputs, 1)
	require.Len(t, h.sender.inputs[0].Attachments, 1)
	assert.Equal(t, []byte("hello"), h.sender.inputs[0].Attachments[0].Content)
}

func TestUndecodableAttachmentDeadLetters(t *testing.T) {
	h := newHarness(t)

	msg := testMessage()
	msg.Attachments = []model.Attachment{
		{Filename: "bad.bin", Content: "%%%not-base64%%%"},
	}

	ack := deliver(t, h, msg)

	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, h.router.retries)
	require.Len(t, h.router.dlq, 1)
}
