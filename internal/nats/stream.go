package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/pkg/metrics"
)

const (
	// StreamName is the name of the chat session audit stream.
	StreamName = "CHAT_SESSIONS"

	// SubjectPrefix is the prefix for all audit subjects.
	SubjectPrefix = "chat"

	// unassigned stands in for the conversation of a session that has not
	// received its metadata yet.
	unassigned = "_"

	maxReplayBatch = 500
)

// StreamManager publishes and replays session audit records.
type StreamManager struct {
	client *Client
	maxAge time.Duration
}

// NewStreamManager creates a new stream manager. Records older than maxAge
// are discarded by the server; zero keeps them for 30 days.
func NewStreamManager(client *Client, maxAge time.Duration) *StreamManager {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &StreamManager{client: client, maxAge: maxAge}
}

// EnsureStream ensures the audit stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.maxAge,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyPurge:   true,
		Description: "Relayed chat stream events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	m.client.logger.Info("created audit stream", zap.String("stream", StreamName))
	return nil
}

// Subject returns the subject a record is published on.
func Subject(conversationID string, kind model.EventKind) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, subjectToken(conversationID), kind)
}

// ConversationFilter returns the filter subject for all records of a
// conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, subjectToken(conversationID))
}

// subjectToken maps an id onto a single subject token.
func subjectToken(id string) string {
	if id == "" {
		return unassigned
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}

// Publish appends a record to the audit stream and returns its sequence.
func (m *StreamManager) Publish(ctx context.Context, rec *model.AuditRecord) (uint64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal audit record: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, Subject(rec.ConversationID, rec.Kind), data,
		jetstream.WithMsgID(rec.ID),
	)
	if err != nil {
		metrics.AuditEventsPublished.WithLabelValues(string(rec.Kind), "error").Inc()
		return 0, fmt.Errorf("failed to publish audit record: %w", err)
	}

	metrics.AuditEventsPublished.WithLabelValues(string(rec.Kind), "ok").Inc()
	return ack.Sequence, nil
}

// Replay returns up to limit records of a conversation with a stream
// sequence greater than afterSequence.
func (m *StreamManager) Replay(ctx context.Context, conversationID string, afterSequence uint64, limit int) (*model.ReplayResponse, error) {
	if limit <= 0 || limit > maxReplayBatch {
		limit = maxReplayBatch
	}
	js := m.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     ConversationFilter(conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		name := consumer.CachedInfo().Name
		if err := js.DeleteConsumer(context.WithoutCancel(ctx), StreamName, name); err != nil {
			m.client.logger.Debug("failed to delete replay consumer", zap.String("consumer", name), zap.Error(err))
		}
	}()

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}

	resp := &model.ReplayResponse{Records: []model.AuditRecord{}}
	for msg := range batch.Messages() {
		var rec model.AuditRecord
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			m.client.logger.Warn("skipping malformed audit record", zap.String("subject", msg.Subject()), zap.Error(err))
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			rec.Sequence = meta.Sequence.Stream
			resp.LastSequence = meta.Sequence.Stream
		}
		resp.Records = append(resp.Records, rec)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	resp.HasMore = len(resp.Records) == limit
	return resp, nil
}
