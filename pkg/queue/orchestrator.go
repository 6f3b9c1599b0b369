package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

type queue struct {
	cfg     QueueConfig
	handler Handler
	ready   chan string
	limiter *rate.Limiter
	active  atomic.Int64

	mu         sync.Mutex
	partitions map[string]*sync.Mutex
}

func (q *queue) partitionLock(key string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.partitions[key]
	if !ok {
		m = &sync.Mutex{}
		q.partitions[key] = m
	}
	return m
}

type recurringEntry struct {
	spec    string
	entryID cron.EntryID
}

// Orchestrator owns the named queues, their worker pools and the recurring
// schedule. Construct one with NewOrchestrator and pass it to whatever
// schedules work.
type Orchestrator struct {
	store   *store
	clockMu sync.RWMutex
	now     func() time.Time

	mu        sync.Mutex
	queues    map[string]*queue
	cron      *cron.Cron
	recurring map[string]recurringEntry
	timers    map[string]*time.Timer

	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cleanupEvery time.Duration
	pollEvery    time.Duration
}

// NewOrchestrator creates an orchestrator persisting its jobs in db.
func NewOrchestrator(db *gorm.DB) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:        &store{db: db},
		now:          time.Now,
		queues:       make(map[string]*queue),
		cron:         cron.New(),
		recurring:    make(map[string]recurringEntry),
		timers:       make(map[string]*time.Timer),
		ctx:          ctx,
		cancel:       cancel,
		cleanupEvery: 10 * time.Minute,
		pollEvery:    15 * time.Second,
	}
}

func (o *Orchestrator) clock() time.Time {
	o.clockMu.RLock()
	defer o.clockMu.RUnlock()
	return o.now()
}

// Migrate creates the job table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&JobRecord{})
}

// Register adds a queue. Queues must be registered before Start.
func (o *Orchestrator) Register(cfg QueueConfig, handler Handler) error {
	cfg.applyDefaults()
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.queues[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, cfg.Name)
	}
	if o.started {
		return fmt.Errorf("register %s: orchestrator already started", cfg.Name)
	}
	o.queues[cfg.Name] = &queue{
		cfg:        cfg,
		handler:    handler,
		ready:      make(chan string, 1024),
		limiter:    cfg.RateLimit.limiter(),
		partitions: make(map[string]*sync.Mutex),
	}
	return nil
}

func (o *Orchestrator) queue(name string) (*queue, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

func encodePayload(payload interface{}) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "{}", nil
	case json.RawMessage:
		return string(p), nil
	case []byte:
		return string(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// Enqueue schedules a job under an idempotency key. It is a no-op, reported
// by enqueued=false, when the key is still queued, running or retrying, or
// finished inside the queue's retention window for its outcome. Completed
// and failed records older than that are re-armed.
func (o *Orchestrator) Enqueue(ctx context.Context, queueName, name, key string, payload interface{}, opts EnqueueOptions) (*JobRecord, bool, error) {
	q, err := o.queue(queueName)
	if err != nil {
		return nil, false, err
	}
	body, err := encodePayload(payload)
	if err != nil {
		return nil, false, err
	}

	now := o.clock().UTC()
	runAt := now.Add(opts.Delay)
	rec := &JobRecord{
		Key:         key,
		Queue:       queueName,
		Name:        name,
		Payload:     body,
		Status:      StatusQueued,
		MaxAttempts: q.cfg.Retry.MaxAttempts,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inserted, err := o.store.insertIfAbsent(rec)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", key, err)
	}
	if !inserted {
		existing, err := o.store.find(key)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("enqueue %s: record vanished", key)
		}
		if !o.rearmable(q, existing, now) {
			return existing, false, nil
		}
		ok, err := o.store.rearm(existing, name, body, q.cfg.Retry.MaxAttempts, runAt, now)
		if err != nil {
			return nil, false, fmt.Errorf("re-arm %s: %w", key, err)
		}
		if !ok {
			current, _ := o.store.find(key)
			return current, false, nil
		}
		rec.CreatedAt = existing.CreatedAt
	}

	o.schedule(q, key, runAt)
	return rec, true, nil
}

func (o *Orchestrator) rearmable(q *queue, rec *JobRecord, now time.Time) bool {
	var keep time.Duration
	switch rec.Status {
	case StatusCompleted:
		keep = q.cfg.Retention.Completed
	case StatusFailed:
		keep = q.cfg.Retention.Failed
	default:
		return false
	}
	if rec.FinishedAt == nil {
		return true
	}
	return now.Sub(*rec.FinishedAt) >= keep
}

// schedule hands key to the queue's workers at runAt. Before Start the
// record just waits in the store.
func (o *Orchestrator) schedule(q *queue, key string, runAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.stopped {
		return
	}
	delay := runAt.Sub(o.clock())
	if delay <= 0 {
		o.dispatchLocked(q, key)
		return
	}
	if t, ok := o.timers[key]; ok {
		t.Stop()
	}
	o.timers[key] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.timers, key)
		if o.stopped {
			return
		}
		o.dispatchLocked(q, key)
	})
}

// dispatchLocked never blocks while o.mu is held.
func (o *Orchestrator) dispatchLocked(q *queue, key string) {
	select {
	case q.ready <- key:
	default:
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			select {
			case q.ready <- key:
			case <-o.ctx.Done():
			}
		}()
	}
}

// Start launches the worker pools and the recurring schedule, and
// redispatches every record a previous process left open.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	o.started = true
	names := make([]string, 0, len(o.queues))
	for name, q := range o.queues {
		names = append(names, name)
		for i := 0; i < q.cfg.Concurrency; i++ {
			o.wg.Add(1)
			go o.worker(q)
		}
		log.Printf("[Queue:%s] Started %d workers", name, q.cfg.Concurrency)
	}
	o.mu.Unlock()

	sort.Strings(names)
	if len(names) > 0 {
		now := o.clock().UTC()
		if n, err := o.store.recoverRunning(names, now); err != nil {
			return fmt.Errorf("recover running jobs: %w", err)
		} else if n > 0 {
			log.Printf("[Queue] Recovered %d jobs interrupted by a previous shutdown", n)
		}
		open, err := o.store.open(names)
		if err != nil {
			return fmt.Errorf("load open jobs: %w", err)
		}
		for _, rec := range open {
			q, err := o.queue(rec.Queue)
			if err != nil {
				continue
			}
			o.schedule(q, rec.Key, rec.RunAt)
		}
		if len(open) > 0 {
			log.Printf("[Queue] Redispatched %d open jobs", len(open))
		}
	}

	o.cron.Start()
	o.wg.Add(2)
	go o.cleanupLoop()
	go o.pollLoop(names)
	return nil
}

// Stop stops dispatching and waits for running jobs to finish. Jobs still
// waiting stay in the store for the next Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	for key, t := range o.timers {
		t.Stop()
		delete(o.timers, key)
	}
	o.mu.Unlock()

	<-o.cron.Stop().Done()
	o.cancel()
	o.wg.Wait()
	log.Println("[Queue] All workers stopped")
}

func (o *Orchestrator) worker(q *queue) {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case key := <-q.ready:
			if q.limiter != nil {
				if err := q.limiter.Wait(o.ctx); err != nil {
					return
				}
			}
			o.process(q, key)
		}
	}
}

func (o *Orchestrator) process(q *queue, key string) {
	rec, err := o.store.claim(key, o.clock().UTC())
	if err != nil {
		log.Printf("[Queue:%s] Failed to claim job %s: %v", q.cfg.Name, key, err)
		return
	}
	if rec == nil {
		return
	}

	job := &Job{
		Key:         rec.Key,
		Queue:       rec.Queue,
		Name:        rec.Name,
		Payload:     json.RawMessage(rec.Payload),
		Attempt:     rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
	}

	q.active.Add(1)
	err = o.run(q, job)
	q.active.Add(-1)

	now := o.clock().UTC()
	if err == nil {
		if err := o.store.complete(key, now); err != nil {
			log.Printf("[Queue:%s] Failed to mark job %s completed: %v", q.cfg.Name, key, err)
		}
		return
	}

	if IsRetryable(err) && job.Attempt < job.MaxAttempts {
		delay := q.cfg.Retry.Backoff.Delay(job.Attempt)
		log.Printf("[Queue:%s] Job %s attempt %d/%d failed, retrying in %s: %v", q.cfg.Name, key, job.Attempt, job.MaxAttempts, delay, err)
		runAt := now.Add(delay)
		if err := o.store.retry(key, runAt, err.Error(), now); err != nil {
			log.Printf("[Queue:%s] Failed to schedule retry of %s: %v", q.cfg.Name, key, err)
			return
		}
		o.schedule(q, key, runAt)
		return
	}

	log.Printf("[Queue:%s] Job %s failed after %d attempts: %v", q.cfg.Name, key, job.Attempt, err)
	if err := o.store.fail(key, err.Error(), now); err != nil {
		log.Printf("[Queue:%s] Failed to mark job %s failed: %v", q.cfg.Name, key, err)
	}
	if q.cfg.OnExhausted != nil {
		q.cfg.OnExhausted(context.WithoutCancel(o.ctx), job, &JobExhaustedError{
			Queue:    q.cfg.Name,
			Key:      key,
			Attempts: job.Attempt,
			Err:      err,
		})
	}
}

// run executes one attempt. Running jobs are never cancelled by Stop.
func (o *Orchestrator) run(q *queue, job *Job) (err error) {
	if q.cfg.Partition != nil {
		if p := q.cfg.Partition(job); p != "" {
			m := q.partitionLock(p)
			m.Lock()
			defer m.Unlock()
		}
	}

	ctx := context.WithoutCancel(o.ctx)
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = Fatal(fmt.Errorf("panic: %v", r))
		}
	}()
	return q.handler(ctx, job)
}

// AddRecurring registers a cron schedule that enqueues a job on every tick.
// keyFn derives the idempotency key from the tick time. Registering an id
// again replaces the previous schedule.
func (o *Orchestrator) AddRecurring(id, spec, queueName, name string, keyFn func(time.Time) string, payload interface{}) error {
	if _, err := o.queue(queueName); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.recurring[id]; ok {
		if prev.spec == spec {
			return nil
		}
		o.cron.Remove(prev.entryID)
	}
	entryID, err := o.cron.AddFunc(spec, func() {
		key := keyFn(o.clock().UTC())
		if _, _, err := o.Enqueue(o.ctx, queueName, name, key, payload, EnqueueOptions{}); err != nil {
			log.Printf("[Queue:%s] Recurring %s failed to enqueue: %v", queueName, id, err)
		}
	})
	if err != nil {
		return fmt.Errorf("recurring %s: invalid schedule %q: %w", id, spec, err)
	}
	o.recurring[id] = recurringEntry{spec: spec, entryID: entryID}
	return nil
}

// RemoveRecurring drops a schedule. It reports whether id was registered.
func (o *Orchestrator) RemoveRecurring(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.recurring[id]
	if !ok {
		return false
	}
	o.cron.Remove(entry.entryID)
	delete(o.recurring, id)
	return true
}

// Recurring lists registered schedule ids.
func (o *Orchestrator) Recurring() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.recurring))
	for id := range o.recurring {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats reports the backlog of every registered queue.
func (o *Orchestrator) Stats() (map[string]QueueStats, error) {
	rows, err := o.store.counts(o.clock().UTC())
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	stats := make(map[string]QueueStats, len(o.queues))
	for name, q := range o.queues {
		stats[name] = QueueStats{Active: q.active.Load()}
	}
	o.mu.Unlock()

	for _, row := range rows {
		s, ok := stats[row.Queue]
		if !ok {
			continue
		}
		switch row.Status {
		case StatusQueued:
			if row.IsDelayed == 1 {
				s.Delayed += row.N
			} else {
				s.Waiting += row.N
			}
		case StatusRetrying:
			s.Delayed += row.N
		case StatusCompleted:
			s.Completed += row.N
		case StatusFailed:
			s.Failed += row.N
		}
		stats[row.Queue] = s
	}
	return stats, nil
}

// Job returns the stored record of key, or nil.
func (o *Orchestrator) Job(key string) (*JobRecord, error) {
	return o.store.find(key)
}

// Cleanup prunes terminal records past their queue's retention.
func (o *Orchestrator) Cleanup(ctx context.Context) (int64, error) {
	o.mu.Lock()
	queues := make([]*queue, 0, len(o.queues))
	for _, q := range o.queues {
		queues = append(queues, q)
	}
	o.mu.Unlock()

	now := o.clock().UTC()
	var total int64
	for _, q := range queues {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := o.store.prune(q.cfg.Name, StatusCompleted, now.Add(-q.cfg.Retention.Completed))
		if err != nil {
			return total, err
		}
		total += n
		n, err = o.store.prune(q.cfg.Name, StatusFailed, now.Add(-q.cfg.Retention.Failed))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (o *Orchestrator) cleanupLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := o.Cleanup(o.ctx)
			if err != nil {
				log.Printf("[Queue] Cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("[Queue] Pruned %d expired job records", n)
			}
		case <-o.ctx.Done():
			return
		}
	}
}

// pollLoop picks up due records written by other processes, such as the
// CLI. Dispatching a key twice is harmless: only one claim succeeds.
func (o *Orchestrator) pollLoop(names []string) {
	defer o.wg.Done()
	if len(names) == 0 {
		return
	}
	ticker := time.NewTicker(o.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			recs, err := o.store.due(names, o.clock().UTC())
			if err != nil {
				log.Printf("[Queue] Poll failed: %v", err)
				continue
			}
			for _, rec := range recs {
				q, err := o.queue(rec.Queue)
				if err != nil {
					continue
				}
				o.schedule(q, rec.Key, rec.RunAt)
			}
		case <-o.ctx.Done():
			return
		}
	}
}
