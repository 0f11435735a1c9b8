package kafka

import (
	"context"
	"errors"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
)

const (
	HeaderPartnerID   = "partner-id"
	HeaderContentType = "content-type"
	HeaderFeedVersion = "feed-version"
	HeaderMode        = "mode"
)

// FeedMessage is a partner feed delivered over the feed topic.
type FeedMessage struct {
	PartnerID   string
	ContentType string
	FeedVersion string
	Mode        string
	Payload     []byte
	Offset      int64
}

type FeedHandler func(ctx context.Context, msg FeedMessage) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a handler error that redelivery cannot fix; the message is
// committed instead of being retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(brokers []string, topic string, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader}
}

func FeedFromMessage(message kafka.Message) FeedMessage {
	msg := FeedMessage{Payload: message.Value, Offset: message.Offset}
	for _, header := range message.Headers {
		value := strings.TrimSpace(string(header.Value))
		switch strings.ToLower(header.Key) {
		case HeaderPartnerID:
			msg.PartnerID = value
		case HeaderContentType:
			msg.ContentType = value
		case HeaderFeedVersion:
			msg.FeedVersion = value
		case HeaderMode:
			msg.Mode = value
		}
	}
	if msg.PartnerID == "" {
		msg.PartnerID = string(message.Key)
	}
	return msg
}

// Consume blocks until ctx is done. Messages whose handler fails with a
// non-permanent error are left uncommitted and redelivered after a rebalance
// or restart.
func (c *Consumer) Consume(ctx context.Context, handler FeedHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			continue
		}

		feed := FeedFromMessage(message)
		if err := handler(ctx, feed); err != nil {
			entry := logger.Log.WithError(err).WithFields(map[string]interface{}{
				"partner_id": feed.PartnerID,
				"offset":     message.Offset,
			})
			if !IsPermanent(err) {
				// Don't commit on error, will retry
				entry.Error("Failed to process feed message")
				continue
			}
			entry.Warn("Dropping unprocessable feed message")
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			logger.Log.WithError(err).Error("Failed to commit message")
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
