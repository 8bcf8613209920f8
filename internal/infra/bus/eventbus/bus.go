// Package eventbus defines the pipeline message bus and its memory and Redis transports.
package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus routes messages by kind to consumer groups. Every group receives each message;
// subscribers sharing a group compete for it.
type Bus interface {
	Publish(ctx context.Context, msg *schema.Message) error
	Subscribe(ctx context.Context, kind schema.Kind, group string) (SubscriptionID, <-chan *Delivery, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// Delivery is one attempt at handing a message to a consumer. Exactly one of Ack or Nack
// takes effect; later calls are ignored.
type Delivery struct {
	Message *schema.Message
	Group   string
	Attempt int

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, cause error) error
	once sync.Once
}

// Ack settles the delivery.
func (d *Delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		if d.ack != nil {
			err = d.ack(ctx)
		}
	})
	return err
}

// Nack hands the message back for redelivery, or dead-letters it when attempts are spent.
func (d *Delivery) Nack(ctx context.Context, cause error) error {
	var err error
	d.once.Do(func() {
		if d.nack != nil {
			err = d.nack(ctx, cause)
		}
	})
	return err
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize      int
	FanoutWorkers   int
	MaxDeliveries   int
	RedeliveryDelay time.Duration
	// DeadLetter is invoked when a message exhausts MaxDeliveries.
	DeadLetter func(d *Delivery, cause error)
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 10
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = 2 * time.Second
	}
	return c
}

func validateSubscription(component string, kind schema.Kind, group string) error {
	if err := kind.Validate(); err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("unknown message kind"), errs.WithCause(err))
	}
	if strings.TrimSpace(group) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("consumer group required"))
	}
	return nil
}

func validateMessage(component string, msg *schema.Message) error {
	if msg == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("nil message"))
	}
	if err := msg.Kind.Validate(); err != nil {
		return err
	}
	return nil
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
