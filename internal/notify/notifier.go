// Package notify emails customers on order status changes. Strictly
// fire-and-forget: a failed send is logged and the event is still committed,
// it must never roll back or block the state transition that caused it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/wneessen/go-mail"

	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

type Mailer struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func (m *Mailer) Send(to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return err
	}
	if err := msg.To(to); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := mail.NewClient(m.Host,
		mail.WithPort(m.Port),
		mail.WithSMTPAuth(mail.SMTPAuthLogin),
		mail.WithUsername(m.User),
		mail.WithPassword(m.Pass),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return err
	}
	return client.DialAndSend(msg)
}

type Sender interface {
	Send(to, subject, body string) error
}

type Notifier struct {
	Mailer  Sender
	Redis   *redis.Client
	Service string
}

// HandleStatusChanged is the order.status.changed consumer handler. It always
// returns nil for send failures so the offset commits and the stream moves on.
func (n *Notifier) HandleStatusChanged(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventOrderStatusChanged {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, "notify", env.EventID)
	exists, _ := redisx.Exists(ctx, n.Redis, dkey)
	if exists {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
	if err != nil {
		return err
	}
	if p.Email != "" {
		subject := fmt.Sprintf("Your order %s is now %s", p.TrackingNumber, p.To)
		body := fmt.Sprintf("Order %s changed from %s to %s at %s.\n",
			p.TrackingNumber, p.From, p.To, p.At.Format("2006-01-02 15:04"))
		if err := n.Mailer.Send(p.Email, subject, body); err != nil {
			log.Printf("notify order %s: send to %s: %v", p.OrderID, p.Email, err)
		}
	}

	// marked only once the event is handled; an earlier error path retries
	_ = n.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	return nil
}
