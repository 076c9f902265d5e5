// Package notify publishes order updates and payment assignments to the
// broker on behalf of the backend.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"carwash/internal/model"
	"carwash/internal/monitor"
	"carwash/pkg/log"
	"carwash/pkg/topic"
)

var ErrEmptyDeviceID = errors.New("device id is required")

// Transport is implemented by transport.Connector
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Publisher encodes wire envelopes and sends them through a connector
type Publisher struct {
	conn    Transport
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	logger  *logrus.Entry
}

// NewPublisher creates a publisher
func NewPublisher(conn Transport, metrics *monitor.Metrics, tracer *monitor.Tracer) *Publisher {
	return &Publisher{
		conn:    conn,
		metrics: metrics,
		tracer:  tracer,
		logger:  log.Component("notify"),
	}
}

// PublishOrder sends the snapshot on order_<id>
func (p *Publisher) PublishOrder(ctx context.Context, snap *model.OrderSnapshot) error {
	payload, err := model.EncodeOrderEvent(snap)
	if err != nil {
		return err
	}

	t := topic.Order(snap.ID)
	if err := p.publish(ctx, "order", t, payload); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"order_id": snap.ID,
		"status":   snap.Status,
		"topic":    t,
	}).Info("order update published")
	return nil
}

// AssignPayment sends the payment session on kiosk_payment_<deviceId>
func (p *Publisher) AssignPayment(ctx context.Context, deviceID string, ps *model.PaymentSession) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}
	payload, err := model.EncodePaymentAssignment(ps)
	if err != nil {
		return err
	}

	t := topic.KioskPayment(deviceID)
	if err := p.publish(ctx, "kiosk_payment", t, payload); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"order_id":   ps.OrderID,
		"expired_at": ps.ExpiredAt,
		"topic":      t,
	}).Info("payment session assigned")
	return nil
}

func (p *Publisher) publish(ctx context.Context, family, t string, payload []byte) error {
	ctx, span := p.tracer.StartMessageSpan(ctx, "publish", t)
	defer span.End()

	err := p.conn.Publish(ctx, t, payload)
	p.metrics.IncPublish(family, err)
	if err != nil {
		p.tracer.RecordError(span, err)
		return fmt.Errorf("notify %s: %w", family, err)
	}
	return nil
}
