package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gate-service/internal/bucketing"
	"gate-service/internal/client"
	"gate-service/internal/identity"
	"gate-service/internal/util"
)

const (
	decisionsInsert    = "INSERT INTO gate_decisions (date_bucket, identity_hash, outcome, detail, recorded_at)"
	securityEventIndex = "gate-security-events"

	decisionBufferSize = 1024
	decisionBatchSize  = 64
	flushInterval      = time.Second
	flushTimeout       = 10 * time.Second
)

// Gate decision outcomes as recorded for analytics.
const (
	OutcomeAdmitted      = "admitted"
	OutcomeJobPending    = "job_pending"
	OutcomeChallenged    = "challenged"
	OutcomeCodeStillLive = "code_still_live"
	OutcomeRateLimited   = "rate_limited"
	OutcomeVideoLimit    = "video_limit"
	OutcomeVerified      = "verified"
	OutcomeVerifyFailed  = "verify_failed"
	OutcomeResent        = "resent"
)

// Security event types worth an analyst's attention.
const (
	EventAttemptsExceeded = "attempts_exceeded"
	EventInvalidCode      = "invalid_code"
	EventRateLimited      = "rate_limited"
	EventExpiredCode      = "expired_code"
)

// Recorder ships gate outcomes to the analytics stores. Every write is
// asynchronous and best effort: an audit failure never blocks or fails a
// gate decision. Either sink may be nil when not configured.
//
// Decisions are buffered and flushed to ClickHouse in batches; a full buffer
// drops the row rather than stall the caller.
type Recorder struct {
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	buckets    *bucketing.Manager

	decisions chan decisionRow
	done      chan struct{}
	closeOnce sync.Once
}

type decisionRow struct {
	dateBucket   string
	identityHash string
	outcome      string
	detail       string
	recordedAt   time.Time
}

func (d decisionRow) values() []interface{} {
	return []interface{}{d.dateBucket, d.identityHash, d.outcome, d.detail, d.recordedAt}
}

func NewRecorder(ch *client.ClickHouseClient, es *client.ESClient, buckets *bucketing.Manager) *Recorder {
	r := &Recorder{
		clickhouse: ch,
		es:         es,
		buckets:    buckets,
		decisions:  make(chan decisionRow, decisionBufferSize),
		done:       make(chan struct{}),
	}
	if ch != nil {
		go r.flushLoop()
	}
	return r
}

// RecordDecision queues one decision row for the next ClickHouse batch.
func (r *Recorder) RecordDecision(id identity.Identity, outcome, detail string) {
	if r == nil || r.clickhouse == nil {
		return
	}

	now := time.Now().UTC()
	row := decisionRow{
		dateBucket:   r.buckets.DateBucket(now),
		identityHash: id.String(),
		outcome:      outcome,
		detail:       detail,
		recordedAt:   now,
	}

	select {
	case r.decisions <- row:
	default:
		util.Warn("Decision buffer full, dropping audit row",
			zap.String("outcome", outcome))
	}
}

func (r *Recorder) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([][]interface{}, 0, decisionBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := r.clickhouse.BatchInsert(ctx, decisionsInsert, batch); err != nil {
			util.Warn("Failed to flush gate decisions",
				zap.Int("rows", len(batch)),
				zap.Error(err))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case row := <-r.decisions:
			batch = append(batch, row.values())
			if len(batch) >= decisionBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			for {
				select {
				case row := <-r.decisions:
					batch = append(batch, row.values())
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close drains the decision buffer and stops the flusher.
func (r *Recorder) Close() {
	if r == nil || r.clickhouse == nil {
		return
	}
	r.closeOnce.Do(func() { close(r.done) })
}

// SecurityEvent is the document indexed for investigation tooling.
type SecurityEvent struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	IdentityHash string    `json:"identity_hash"`
	Detail       string    `json:"detail"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// RecordSecurityEvent indexes one security event into Elasticsearch.
func (r *Recorder) RecordSecurityEvent(id identity.Identity, eventType, detail string) {
	if r == nil || r.es == nil {
		return
	}

	event := SecurityEvent{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		IdentityHash: id.String(),
		Detail:       detail,
		OccurredAt:   time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res, err := r.es.IndexDocument(ctx, securityEventIndex, event.EventID, event)
		if err != nil {
			util.Warn("Failed to index security event",
				zap.String("event_type", eventType),
				zap.Error(err))
			return
		}
		defer res.Body.Close()

		if res.IsError() {
			util.Warn("Security event rejected by Elasticsearch",
				zap.String("event_type", eventType),
				zap.String("status", res.Status()))
		}
	}()
}
