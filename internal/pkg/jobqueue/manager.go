package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/webhooklog"
	"github.com/gofiber/fiber/v2/log"
)

// Options configures the worker count and the sweep schedule.
type Options struct {
	Workers        int
	RetryInterval  time.Duration
	ExpiryInterval time.Duration
	PendingTTL     time.Duration
	ExpiryBatch    int
}

func OptionsFromEnv() Options {
	return Options{
		Workers:        env.GetEnvInt("JOB_QUEUE_WORKERS", 2),
		RetryInterval:  env.GetEnvDuration("WEBHOOK_RETRY_INTERVAL", 2*time.Minute),
		ExpiryInterval: env.GetEnvDuration("PAYMENT_EXPIRY_INTERVAL", 5*time.Minute),
		PendingTTL:     env.GetEnvDuration("PAYMENT_PENDING_TTL", 24*time.Hour),
		ExpiryBatch:    env.GetEnvInt("PAYMENT_EXPIRY_BATCH", 100),
	}
}

// Manager manages the job queue and the periodic sweeps feeding it
type Manager struct {
	queue        *Queue
	webhooks     *webhooklog.Service
	payments     *billing.Service
	opts         Options
	retryTicker  *time.Ticker
	expiryTicker *time.Ticker
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

// NewManager registers the sweep handlers on the queue.
func NewManager(queue *Queue, webhooks *webhooklog.Service, payments *billing.Service, opts Options) *Manager {
	m := &Manager{
		queue:    queue,
		webhooks: webhooks,
		payments: payments,
		opts:     opts,
		stopCh:   make(chan struct{}),
	}
	queue.Register(JobTypeWebhookRetry, m.handleWebhookRetry)
	queue.Register(JobTypeStuckRecovery, m.handleStuckRecovery)
	queue.Register(JobTypePaymentExpiry, m.handlePaymentExpiry)
	return m
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.retryTicker = time.NewTicker(m.opts.RetryInterval)
	m.wg.Add(1)
	go m.retryWorker(m.stopCh)

	m.expiryTicker = time.NewTicker(m.opts.ExpiryInterval)
	m.wg.Add(1)
	go m.expiryWorker(m.stopCh)

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.retryTicker != nil {
		m.retryTicker.Stop()
	}
	if m.expiryTicker != nil {
		m.expiryTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// retryWorker periodically queues stuck-event recovery followed by a retry
// sweep of failed webhook events
func (m *Manager) retryWorker(stop <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started webhook retry worker (interval: %s)", m.opts.RetryInterval)

	for {
		select {
		case <-stop:
			log.Info("[JobQueue Manager] Webhook retry worker stopping")
			return
		case <-m.retryTicker.C:
			ctx := context.Background()
			if _, err := m.queue.EnqueueJob(ctx, JobTypeStuckRecovery, nil); err != nil {
				log.Errorf("[JobQueue Manager] Error queueing stuck recovery: %v", err)
			}
			if _, err := m.queue.EnqueueJob(ctx, JobTypeWebhookRetry, WebhookRetryJobPayload{}.ToMap()); err != nil {
				log.Errorf("[JobQueue Manager] Error queueing webhook retry: %v", err)
			}
		}
	}
}

// expiryWorker periodically queues cancellation of abandoned payments
func (m *Manager) expiryWorker(stop <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started payment expiry worker (interval: %s, ttl: %s)", m.opts.ExpiryInterval, m.opts.PendingTTL)

	for {
		select {
		case <-stop:
			log.Info("[JobQueue Manager] Payment expiry worker stopping")
			return
		case <-m.expiryTicker.C:
			if _, err := m.queue.EnqueueJob(context.Background(), JobTypePaymentExpiry, nil); err != nil {
				log.Errorf("[JobQueue Manager] Error queueing payment expiry: %v", err)
			}
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Enqueue queues a job for the workers, e.g. an operator-triggered retry.
func (m *Manager) Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	return m.queue.EnqueueJob(ctx, jobType, payload)
}

// RunOnce executes a job inline, without Redis. Used by the operator CLI.
func (m *Manager) RunOnce(ctx context.Context, jobType JobType, payload map[string]interface{}) (map[string]interface{}, error) {
	job := &Job{Type: jobType, Status: JobStatusPending, Payload: payload, MaxRetries: 1}
	if err := m.queue.execute(ctx, job); err != nil {
		return nil, err
	}
	return job.Result, nil
}

func (m *Manager) handleWebhookRetry(ctx context.Context, job *Job) (map[string]interface{}, error) {
	payload, err := WebhookRetryJobPayloadFromMap(job.Payload)
	if err != nil {
		return nil, err
	}
	result, err := m.webhooks.RetryFailed(ctx, payload.BotID)
	if errors.Is(err, webhooklog.ErrSweepRunning) {
		return map[string]interface{}{"skipped": true}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	}, nil
}

func (m *Manager) handleStuckRecovery(ctx context.Context, _ *Job) (map[string]interface{}, error) {
	recovered, err := m.webhooks.RecoverStuck(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"recovered": recovered}, nil
}

func (m *Manager) handlePaymentExpiry(ctx context.Context, job *Job) (map[string]interface{}, error) {
	payload, err := PaymentExpiryJobPayloadFromMap(job.Payload)
	if err != nil {
		return nil, err
	}
	ttl := m.opts.PendingTTL
	if payload.TTLSeconds > 0 {
		ttl = time.Duration(payload.TTLSeconds) * time.Second
	}
	expired, err := m.payments.ExpireStalePayments(ctx, ttl, m.opts.ExpiryBatch)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"expired": expired}, nil
}
