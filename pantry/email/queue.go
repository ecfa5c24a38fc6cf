// pantry/email/queue.go
// Queue integration for async email sending.
package email

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dalemusser/mailaddr/pantry/retry"
)

// QueuedEmail represents an email queued for async delivery.
type QueuedEmail struct {
	ID          string            `json:"id"`
	Message     Message           `json:"message"`
	Priority    int               `json:"priority,omitempty"`     // higher = more urgent
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"` // nil = immediately
	MaxRetries  int               `json:"max_retries,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	Status      EmailStatus       `json:"status"`
}

// ErrNotQueued is returned by stores for unknown email IDs.
var ErrNotQueued = errors.New("email: email not found in queue")

// EmailStatus represents the delivery status of a queued email.
type EmailStatus string

const (
	EmailStatusPending   EmailStatus = "pending"
	EmailStatusScheduled EmailStatus = "scheduled"
	EmailStatusSending   EmailStatus = "sending"
	EmailStatusSent      EmailStatus = "sent"
	EmailStatusFailed    EmailStatus = "failed"
)

var allStatuses = []EmailStatus{
	EmailStatusPending, EmailStatusScheduled, EmailStatusSending, EmailStatusSent, EmailStatusFailed,
}

// MessageSender delivers a single message. *Sender satisfies it.
type MessageSender interface {
	Send(ctx context.Context, msg Message) error
}

// QueueStore is the interface for persistent email queue storage.
type QueueStore interface {
	// Enqueue adds an email to the queue.
	Enqueue(ctx context.Context, email *QueuedEmail) error

	// Dequeue claims the next email ready to send and marks it sending.
	// Returns nil if no emails are ready.
	Dequeue(ctx context.Context) (*QueuedEmail, error)

	// Update stores an email's new state.
	Update(ctx context.Context, email *QueuedEmail) error

	// Get retrieves an email by ID.
	Get(ctx context.Context, id string) (*QueuedEmail, error)

	// Delete removes an email from the queue.
	Delete(ctx context.Context, id string) error

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*QueueStats, error)
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Pending   int64
	Scheduled int64
	Sending   int64
	Sent      int64
	Failed    int64
	Total     int64
}

func (s *QueueStats) add(status EmailStatus, n int64) {
	switch status {
	case EmailStatusPending:
		s.Pending += n
	case EmailStatusScheduled:
		s.Scheduled += n
	case EmailStatusSending:
		s.Sending += n
	case EmailStatusSent:
		s.Sent += n
	case EmailStatusFailed:
		s.Failed += n
	}
	s.Total += n
}

// QueueConfig configures the email queue.
type QueueConfig struct {
	Sender  MessageSender
	Store   QueueStore
	Logger  *zap.Logger
	Metrics *Metrics

	// Workers is the number of concurrent senders. Default: 2.
	Workers int

	// PollInterval is how often each worker checks for ready emails. Default: 5s.
	PollInterval time.Duration

	// Backoff, if set, reschedules a failed email for later instead of
	// returning it to pending for the next poll.
	Backoff *retry.Backoff

	// OnSent is called when an email is sent successfully.
	OnSent func(*QueuedEmail)

	// OnFailed is called when an email fails permanently.
	OnFailed func(*QueuedEmail, error)
}

// Queue provides async email delivery.
type Queue struct {
	sender       MessageSender
	store        QueueStore
	logger       *zap.Logger
	metrics      *Metrics
	workers      int
	pollInterval time.Duration
	backoff      *retry.Backoff

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onSent   func(*QueuedEmail)
	onFailed func(*QueuedEmail, error)
}

// NewQueue creates a new email queue.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	return &Queue{
		sender:       cfg.Sender,
		store:        cfg.Store,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		backoff:      cfg.Backoff,
		stopCh:       make(chan struct{}),
		onSent:       cfg.OnSent,
		onFailed:     cfg.OnFailed,
	}
}

// Enqueue adds an email to the queue for async delivery.
func (q *Queue) Enqueue(ctx context.Context, email *QueuedEmail) error {
	if email.ID == "" {
		email.ID = generateEmailID()
	}
	if email.CreatedAt.IsZero() {
		email.CreatedAt = time.Now()
	}
	if email.MaxRetries == 0 {
		email.MaxRetries = 3
	}
	if email.Status == "" {
		if email.ScheduledAt != nil && email.ScheduledAt.After(time.Now()) {
			email.Status = EmailStatusScheduled
		} else {
			email.Status = EmailStatusPending
		}
	}

	if err := q.store.Enqueue(ctx, email); err != nil {
		return fmt.Errorf("email: failed to enqueue: %w", err)
	}

	q.logger.Debug("email queued",
		zap.String("id", email.ID),
		zap.Int("recipients", len(email.Message.To)),
	)

	return nil
}

// EnqueueMessage queues a message and returns its ID.
func (q *Queue) EnqueueMessage(ctx context.Context, msg Message) (string, error) {
	email := &QueuedEmail{Message: msg}
	if err := q.Enqueue(ctx, email); err != nil {
		return "", err
	}
	return email.ID, nil
}

// Schedule queues an email for delivery at a specific time.
func (q *Queue) Schedule(ctx context.Context, email *QueuedEmail, at time.Time) error {
	email.ScheduledAt = &at
	email.Status = EmailStatusScheduled
	return q.Enqueue(ctx, email)
}

// Get retrieves a queued email by ID.
func (q *Queue) Get(ctx context.Context, id string) (*QueuedEmail, error) {
	return q.store.Get(ctx, id)
}

// Cancel removes a queued email that hasn't been sent.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	email, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if email.Status == EmailStatusSent || email.Status == EmailStatusSending {
		return fmt.Errorf("email: cannot cancel email with status %s", email.Status)
	}

	return q.store.Delete(ctx, id)
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	return q.store.Stats(ctx)
}

// Start begins processing the email queue.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	stop := q.stopCh
	q.mu.Unlock()

	q.logger.Info("starting email queue", zap.Int("workers", q.workers))

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, stop)
	}
}

// Stop gracefully stops the queue processor. Workers finish the email in
// hand; if ctx ends first, in-flight sends are cancelled and ctx.Err() is
// returned once the workers have exited.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.stopCh)
	cancel := q.cancel
	q.mu.Unlock()

	defer cancel()
	q.logger.Info("stopping email queue")

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("email queue stopped")
		return nil
	case <-ctx.Done():
		q.logger.Warn("email queue shutdown timed out; cancelling in-flight sends")
		cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context, stop <-chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// select picks randomly when both are ready; stop wins.
			select {
			case <-stop:
				return
			default:
			}
			q.ProcessNext(ctx)
		}
	}
}

// ProcessNext claims and sends one ready email. It reports whether an email
// was processed, so callers can drain the queue in a loop.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	email, err := q.store.Dequeue(ctx)
	if err != nil {
		q.logger.Error("failed to dequeue email", zap.Error(err))
		return false
	}
	if email == nil {
		return false
	}

	email.Attempts++
	q.update(ctx, email)

	err = q.sender.Send(ctx, email.Message)
	if err == nil {
		email.Status = EmailStatusSent
		email.LastError = ""
		q.update(ctx, email)

		q.logger.Info("queued email sent",
			zap.String("id", email.ID),
			zap.Int("attempts", email.Attempts),
		)
		if q.onSent != nil {
			q.onSent(email)
		}
		return true
	}

	email.LastError = err.Error()

	if email.Attempts >= email.MaxRetries || retry.IsPermanent(err) {
		email.Status = EmailStatusFailed
		q.update(ctx, email)

		q.logger.Error("queued email failed permanently",
			zap.String("id", email.ID),
			zap.Int("attempts", email.Attempts),
			zap.Error(err),
		)
		if q.onFailed != nil {
			q.onFailed(email, err)
		}
		return true
	}

	email.Status = EmailStatusPending
	if q.backoff != nil {
		at := time.Now().Add(q.backoff.Delay(email.Attempts))
		email.ScheduledAt = &at
		email.Status = EmailStatusScheduled
	}
	q.update(ctx, email)
	q.metrics.observeEmail(emailStatusRetried)

	q.logger.Warn("queued email failed, will retry",
		zap.String("id", email.ID),
		zap.Int("attempt", email.Attempts),
		zap.Int("max_retries", email.MaxRetries),
		zap.Error(err),
	)
	return true
}

// update records email's state even when ctx was cancelled mid-send.
func (q *Queue) update(ctx context.Context, email *QueuedEmail) {
	ctx = context.WithoutCancel(ctx)
	if err := q.store.Update(ctx, email); err != nil {
		q.logger.Error("failed to update queued email",
			zap.String("id", email.ID),
			zap.String("status", string(email.Status)),
			zap.Error(err),
		)
	}
}

var emailSeq atomic.Uint64

// generateEmailID generates a unique email ID.
func generateEmailID() string {
	return fmt.Sprintf("email_%d_%d", time.Now().UnixNano(), emailSeq.Add(1))
}

// MemoryQueueStore is an in-memory queue store for testing and development.
type MemoryQueueStore struct {
	mu     sync.Mutex
	emails map[string]*QueuedEmail
}

// NewMemoryQueueStore creates a new in-memory queue store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{
		emails: make(map[string]*QueuedEmail),
	}
}

// cloneQueued copies e deeply enough that callers cannot mutate stored state.
// Address values are immutable, so slices of them are copied shallowly.
func cloneQueued(e *QueuedEmail) *QueuedEmail {
	cp := *e
	cp.Message.To = append(cp.Message.To[:0:0], e.Message.To...)
	cp.Message.Cc = append(cp.Message.Cc[:0:0], e.Message.Cc...)
	cp.Message.Bcc = append(cp.Message.Bcc[:0:0], e.Message.Bcc...)
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Enqueue adds an email to the queue.
func (s *MemoryQueueStore) Enqueue(ctx context.Context, email *QueuedEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[email.ID] = cloneQueued(email)
	return nil
}

// Dequeue claims the highest-priority, then oldest, ready email.
func (s *MemoryQueueStore) Dequeue(ctx context.Context) (*QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var ready []*QueuedEmail
	for _, email := range s.emails {
		if email.Status != EmailStatusPending && email.Status != EmailStatusScheduled {
			continue
		}
		if email.ScheduledAt != nil && email.ScheduledAt.After(now) {
			continue
		}
		ready = append(ready, email)
	}
	if len(ready) == 0 {
		return nil, nil
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	next := ready[0]
	next.Status = EmailStatusSending
	return cloneQueued(next), nil
}

// Update updates an email's state.
func (s *MemoryQueueStore) Update(ctx context.Context, email *QueuedEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.emails[email.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotQueued, email.ID)
	}
	s.emails[email.ID] = cloneQueued(email)
	return nil
}

// Get retrieves an email by ID.
func (s *MemoryQueueStore) Get(ctx context.Context, id string) (*QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, exists := s.emails[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	return cloneQueued(email), nil
}

// Delete removes an email from the queue.
func (s *MemoryQueueStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.emails[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	delete(s.emails, id)
	return nil
}

// Stats returns queue statistics.
func (s *MemoryQueueStore) Stats(ctx context.Context) (*QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &QueueStats{}
	for _, email := range s.emails {
		stats.add(email.Status, 1)
	}
	return stats, nil
}

// Cleanup removes sent and failed emails older than maxAge.
func (s *MemoryQueueStore) Cleanup(ctx context.Context, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for id, email := range s.emails {
		if (email.Status == EmailStatusSent || email.Status == EmailStatusFailed) &&
			email.CreatedAt.Before(cutoff) {
			delete(s.emails, id)
			removed++
		}
	}

	return removed
}
