package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/goliatone/go-fulfillment/core"
)

const EmailJobType = "fulfillment.email.send"

type AMQPPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type emailJob struct {
	To         string         `json:"to"`
	Name       string         `json:"name,omitempty"`
	TemplateID string         `json:"template_id"`
	Language   string         `json:"language,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// AMQPEmailSender hands email jobs to a mail worker through a durable queue.
type AMQPEmailSender struct {
	Publisher AMQPPublisher
	Exchange  string
	Queue     string
	Logger    core.Logger
	Now       func() time.Time

	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPEmailSender(publisher AMQPPublisher, queue string, logger core.Logger) *AMQPEmailSender {
	return &AMQPEmailSender{
		Publisher: publisher,
		Queue:     strings.TrimSpace(queue),
		Logger:    glog.Ensure(logger),
		Now:       time.Now,
	}
}

// DialAMQPEmailSender opens a connection and declares the durable queue.
func DialAMQPEmailSender(url string, queue string, logger core.Logger) (*AMQPEmailSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("transport: declare queue %s: %w", queue, err)
	}
	sender := NewAMQPEmailSender(ch, queue, logger)
	sender.conn = conn
	sender.channel = ch
	return sender, nil
}

func (s *AMQPEmailSender) Send(ctx context.Context, msg core.EmailMessage) error {
	if s == nil || s.Publisher == nil {
		return fmt.Errorf("transport: amqp publisher is not configured")
	}
	if strings.TrimSpace(msg.To) == "" {
		return core.NewBadInputError("transport: email recipient is required")
	}
	if strings.TrimSpace(s.Queue) == "" {
		return core.NewBadInputError("transport: email queue is required")
	}
	body, err := json.Marshal(emailJob{
		To:         msg.To,
		Name:       msg.Name,
		TemplateID: msg.TemplateID,
		Language:   msg.Language,
		Params:     msg.Params,
	})
	if err != nil {
		return fmt.Errorf("transport: encode email job: %w", err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	messageID := uuid.NewString()
	err = s.Publisher.PublishWithContext(ctx, s.Exchange, s.Queue, false, false, amqp.Publishing{
		MessageId:    messageID,
		Type:         EmailJobType,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("transport: publish email job: %w", err)
	}
	glog.Ensure(s.Logger).WithContext(ctx).Debug("email job published",
		"message_id", messageID,
		"queue", s.Queue,
		"template_id", msg.TemplateID,
	)
	return nil
}

func (s *AMQPEmailSender) Close() error {
	if s == nil {
		return nil
	}
	var firstErr error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogEmailSender writes email jobs to the log instead of delivering them.
type LogEmailSender struct {
	Logger core.Logger
}

func NewLogEmailSender(logger core.Logger) *LogEmailSender {
	return &LogEmailSender{Logger: glog.Ensure(logger)}
}

func (s *LogEmailSender) Send(ctx context.Context, msg core.EmailMessage) error {
	if strings.TrimSpace(msg.To) == "" {
		return core.NewBadInputError("transport: email recipient is required")
	}
	var logger core.Logger
	if s != nil {
		logger = s.Logger
	}
	glog.Ensure(logger).WithContext(ctx).Info("email send skipped, log sender configured",
		"to", msg.To,
		"template_id", msg.TemplateID,
		"language", msg.Language,
	)
	return nil
}

var (
	_ core.EmailSender = (*AMQPEmailSender)(nil)
	_ core.EmailSender = (*LogEmailSender)(nil)
)
