package email

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalemusser/mailaddr/pantry/email/address"
	"github.com/dalemusser/mailaddr/pantry/retry"
)

// fakeSender fails the first failures calls, then succeeds.
type fakeSender struct {
	mu       sync.Mutex
	failures int
	sent     []Message
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("smtp unavailable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func testMessage(to string) Message {
	return Message{
		To:       []address.Address{address.MustCreate(to)},
		Subject:  "queued",
		TextBody: "body",
	}
}

func storesUnderTest() map[string]func() QueueStore {
	return map[string]func() QueueStore{
		"memory": func() QueueStore { return NewMemoryQueueStore() },
		"redis": func() QueueStore {
			return NewRedisQueueStore(RedisQueueConfig{Client: newFakeRedis()})
		},
	}
}

func TestQueue_SendsAndMarksSent(t *testing.T) {
	for name, newStore := range storesUnderTest() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sender := &fakeSender{}
			var sentIDs []string
			q := NewQueue(QueueConfig{
				Sender: sender,
				Store:  newStore(),
				OnSent: func(e *QueuedEmail) { sentIDs = append(sentIDs, e.ID) },
			})

			id, err := q.EnqueueMessage(ctx, testMessage(`"Ada" <ada@example.com>`))
			require.NoError(t, err)

			assert.True(t, q.ProcessNext(ctx))
			assert.False(t, q.ProcessNext(ctx))

			got, err := q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, EmailStatusSent, got.Status)
			assert.Equal(t, 1, got.Attempts)
			assert.Equal(t, []string{id}, sentIDs)

			require.Len(t, sender.sent, 1)
			name, _ := sender.sent[0].To[0].Name()
			assert.Equal(t, "Ada", name)

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Sent)
			assert.Equal(t, int64(1), stats.Total)
		})
	}
}

func TestQueue_RetriesThenFails(t *testing.T) {
	for name, newStore := range storesUnderTest() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var failed error
			q := NewQueue(QueueConfig{
				Sender:   &fakeSender{failures: 10},
				Store:    newStore(),
				OnFailed: func(e *QueuedEmail, err error) { failed = err },
			})

			email := &QueuedEmail{Message: testMessage("ada@example.com"), MaxRetries: 2}
			require.NoError(t, q.Enqueue(ctx, email))

			assert.True(t, q.ProcessNext(ctx))
			got, err := q.Get(ctx, email.ID)
			require.NoError(t, err)
			assert.Equal(t, EmailStatusPending, got.Status)
			assert.Equal(t, "smtp unavailable", got.LastError)

			assert.True(t, q.ProcessNext(ctx))
			got, err = q.Get(ctx, email.ID)
			require.NoError(t, err)
			assert.Equal(t, EmailStatusFailed, got.Status)
			assert.Equal(t, 2, got.Attempts)
			assert.Error(t, failed)

			assert.False(t, q.ProcessNext(ctx))
		})
	}
}

func TestQueue_ScheduledNotSentEarly(t *testing.T) {
	for name, newStore := range storesUnderTest() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sender := &fakeSender{}
			q := NewQueue(QueueConfig{Sender: sender, Store: newStore()})

			email := &QueuedEmail{Message: testMessage("ada@example.com")}
			require.NoError(t, q.Schedule(ctx, email, time.Now().Add(time.Hour)))

			assert.False(t, q.ProcessNext(ctx))
			assert.Empty(t, sender.sent)

			got, err := q.Get(ctx, email.ID)
			require.NoError(t, err)
			assert.Equal(t, EmailStatusScheduled, got.Status)
		})
	}
}

func TestQueue_Cancel(t *testing.T) {
	for name, newStore := range storesUnderTest() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := NewQueue(QueueConfig{Sender: &fakeSender{}, Store: newStore()})

			id, err := q.EnqueueMessage(ctx, testMessage("ada@example.com"))
			require.NoError(t, err)
			require.NoError(t, q.Cancel(ctx, id))

			_, err = q.Get(ctx, id)
			assert.ErrorIs(t, err, ErrNotQueued)

			sent, err := q.EnqueueMessage(ctx, testMessage("bob@example.com"))
			require.NoError(t, err)
			require.True(t, q.ProcessNext(ctx))
			assert.Error(t, q.Cancel(ctx, sent))
		})
	}
}

func TestMemoryQueueStore_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	q := NewQueue(QueueConfig{Sender: sender, Store: NewMemoryQueueStore()})

	now := time.Now()
	require.NoError(t, q.Enqueue(ctx, &QueuedEmail{Message: testMessage("low@example.com"), CreatedAt: now.Add(-time.Minute)}))
	require.NoError(t, q.Enqueue(ctx, &QueuedEmail{Message: testMessage("high@example.com"), CreatedAt: now, Priority: 5}))

	for q.ProcessNext(ctx) {
	}

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "high@example.com", sender.sent[0].To[0].Email())
	assert.Equal(t, "low@example.com", sender.sent[1].To[0].Email())
}

func TestMemoryQueueStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryQueueStore()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, s.Enqueue(ctx, &QueuedEmail{ID: "a", Status: EmailStatusSent, CreatedAt: old}))
	require.NoError(t, s.Enqueue(ctx, &QueuedEmail{ID: "b", Status: EmailStatusPending, CreatedAt: old}))
	require.NoError(t, s.Enqueue(ctx, &QueuedEmail{ID: "c", Status: EmailStatusFailed, CreatedAt: time.Now()}))

	assert.Equal(t, 1, s.Cleanup(ctx, 24*time.Hour))
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
}

func TestQueue_StartStop(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	done := make(chan struct{})
	q := NewQueue(QueueConfig{
		Sender:       sender,
		Store:        NewMemoryQueueStore(),
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		OnSent:       func(*QueuedEmail) { close(done) },
	})

	_, err := q.EnqueueMessage(ctx, testMessage("ada@example.com"))
	require.NoError(t, err)

	q.Start()
	q.Start() // no-op

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued email was not sent")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(stopCtx))
	require.NoError(t, q.Stop(stopCtx))
}

// fakeRedis is an in-memory RedisQueueClient.
type fakeRedis struct {
	mu   sync.Mutex
	kv   map[string]string
	sets map[string]map[string]float64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{kv: map[string]string{}, sets: map[string]map[string]float64{}}
}

func (f *fakeRedis) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = value
	return nil
}

func (f *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	if !ok {
		return "", ErrNotQueued
	}
	return v, nil
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.kv, k)
	}
	return nil
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = map[string]float64{}
	}
	f.sets[key][member] = score
	return nil
}

func (f *fakeRedis) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var members []string
	for m, s := range f.sets[key] {
		if s >= min && s <= max {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := f.sets[key][members[i]], f.sets[key][members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})

	if offset >= int64(len(members)) {
		return nil, nil
	}
	members = members[offset:]
	if count > 0 && count < int64(len(members)) {
		members = members[:count]
	}
	return members, nil
}

func (f *fakeRedis) ZRem(ctx context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sets[key][member]; !ok {
		return false, nil
	}
	delete(f.sets[key], member)
	return true, nil
}

func (f *fakeRedis) ZCard(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.sets[key])), nil
}

func TestFormatScore(t *testing.T) {
	assert.Equal(t, "-inf", formatScore(math.Inf(-1)))
	assert.Equal(t, "+inf", formatScore(math.Inf(1)))
	assert.Equal(t, "1700000000", formatScore(1700000000))
}

type permanentSender struct{}

func (permanentSender) Send(ctx context.Context, msg Message) error {
	return retry.PermanentError(ErrNoSender)
}

func TestQueue_BackoffReschedules(t *testing.T) {
	for name, newStore := range storesUnderTest() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := NewQueue(QueueConfig{
				Sender:  &fakeSender{failures: 1},
				Store:   newStore(),
				Backoff: &retry.Backoff{Initial: time.Hour, Max: time.Hour},
			})

			id, err := q.EnqueueMessage(ctx, testMessage("ada@example.com"))
			require.NoError(t, err)

			before := time.Now()
			assert.True(t, q.ProcessNext(ctx))
			assert.False(t, q.ProcessNext(ctx))

			got, err := q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, EmailStatusScheduled, got.Status)
			require.NotNil(t, got.ScheduledAt)
			assert.True(t, got.ScheduledAt.After(before.Add(59*time.Minute)))
		})
	}
}

func TestQueue_PermanentErrorFailsAtOnce(t *testing.T) {
	for name, newStore := range storesUnderTest() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var failed error
			q := NewQueue(QueueConfig{
				Sender:   permanentSender{},
				Store:    newStore(),
				OnFailed: func(e *QueuedEmail, err error) { failed = err },
			})

			id, err := q.EnqueueMessage(ctx, testMessage("ada@example.com"))
			require.NoError(t, err)
			assert.True(t, q.ProcessNext(ctx))

			got, err := q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, EmailStatusFailed, got.Status)
			assert.Equal(t, 1, got.Attempts)
			assert.ErrorIs(t, failed, ErrNoSender)
		})
	}
}

func TestRedisQueueStore_KeepsFactoryAcceptedAddresses(t *testing.T) {
	ctx := context.Background()
	lenient := address.NewFactory(address.CheckerFunc(func(value, rules string) bool { return value != "" }))
	s := newTestSender(&captureDialer{}, WithFactory(lenient))

	to, err := s.ParseRecipients(`"Ops" <ops@localhost>`)
	require.NoError(t, err)

	store := NewRedisQueueStore(RedisQueueConfig{Client: newFakeRedis(), Factory: lenient})
	q := NewQueue(QueueConfig{Sender: s, Store: store})

	id, err := q.EnqueueMessage(ctx, Message{To: to, Subject: "disk full", TextBody: "x"})
	require.NoError(t, err)
	require.True(t, q.ProcessNext(ctx))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, EmailStatusSent, got.Status)
	require.Len(t, got.Message.To, 1)
	assert.Equal(t, `"Ops" <ops@localhost>`, got.Message.To[0].String())
	assert.Nil(t, got.Message.From)
	assert.Equal(t, "disk full", got.Message.Subject)
}

func TestRedisQueueStore_UndecodableGoesToFailed(t *testing.T) {
	ctx := context.Background()
	lenient := address.NewFactory(address.CheckerFunc(func(value, rules string) bool { return value != "" }))
	client := newFakeRedis()

	// Written by a lenient store, read back by one using the default validator.
	writer := NewRedisQueueStore(RedisQueueConfig{Client: client, Factory: lenient})
	ops, err := lenient.Create("ops@localhost")
	require.NoError(t, err)
	require.NoError(t, writer.Enqueue(ctx, &QueuedEmail{
		ID:        "bad",
		Message:   Message{To: []address.Address{ops}, TextBody: "x"},
		Status:    EmailStatusPending,
		CreatedAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, writer.Enqueue(ctx, &QueuedEmail{
		ID:        "good",
		Message:   testMessage("ada@example.com"),
		Status:    EmailStatusPending,
		CreatedAt: time.Now(),
	}))

	reader := NewRedisQueueStore(RedisQueueConfig{Client: client})
	got, err := reader.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "good", got.ID)

	stats, err := reader.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Sending)
}

// stealingRedis loses the first pending claim to another worker.
type stealingRedis struct {
	*fakeRedis
	stolen bool
}

func (r *stealingRedis) ZRem(ctx context.Context, key, member string) (bool, error) {
	if !r.stolen && strings.HasSuffix(key, "queue:pending") {
		r.stolen = true
		_, _ = r.fakeRedis.ZRem(ctx, key, member)
		return false, nil
	}
	return r.fakeRedis.ZRem(ctx, key, member)
}

func TestRedisQueueStore_LostClaimTriesNext(t *testing.T) {
	ctx := context.Background()
	store := NewRedisQueueStore(RedisQueueConfig{Client: &stealingRedis{fakeRedis: newFakeRedis()}})

	now := time.Now()
	require.NoError(t, store.Enqueue(ctx, &QueuedEmail{ID: "first", Message: testMessage("a@example.com"), Status: EmailStatusPending, CreatedAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Enqueue(ctx, &QueuedEmail{ID: "second", Message: testMessage("b@example.com"), Status: EmailStatusPending, CreatedAt: now}))

	got, err := store.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.ID)
	assert.Equal(t, EmailStatusSending, got.Status)
}

// blockingSender holds every send until its context is cancelled.
type blockingSender struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingSender) Send(ctx context.Context, msg Message) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestQueue_StopCancelsInFlightSend(t *testing.T) {
	ctx := context.Background()
	sender := &blockingSender{started: make(chan struct{})}
	store := NewMemoryQueueStore()
	q := NewQueue(QueueConfig{
		Sender:       sender,
		Store:        store,
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
	})

	id, err := q.EnqueueMessage(ctx, testMessage("ada@example.com"))
	require.NoError(t, err)

	q.Start()
	select {
	case <-sender.started:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not start")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(stopCtx), context.DeadlineExceeded)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, EmailStatusPending, got.Status)
	assert.Equal(t, context.Canceled.Error(), got.LastError)
}
