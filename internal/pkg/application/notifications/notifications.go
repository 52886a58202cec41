package notifications

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

const eventSource string = "github.com/diwise/iot-lock-mgmt"

// Event is a notification that can be published on the message bus as well as
// delivered as a cloud event to configured subscribers.
type Event interface {
	messaging.TopicMessage
	EventType() string
	EventID() string
	EventTime() time.Time
}

//go:generate moq -rm -out notifier_mock.go . Notifier

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type notifier struct {
	messenger   messaging.MsgContext
	subscribers map[string][]SubscriberConfig
}

func New(messenger messaging.MsgContext, cfg *Config) Notifier {
	n := &notifier{
		messenger:   messenger,
		subscribers: make(map[string][]SubscriberConfig),
	}

	if cfg != nil {
		for _, s := range cfg.Notifications {
			n.subscribers[s.Type] = append(n.subscribers[s.Type], s.Subscribers...)
		}
	}

	return n
}

func (n *notifier) Notify(ctx context.Context, event Event) error {
	var errs []error

	if n.messenger != nil {
		if err := n.messenger.PublishOnTopic(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish %s: %w", event.TopicName(), err))
		}
	}

	if err := n.send(ctx, event); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (n *notifier) send(ctx context.Context, e Event) error {
	subscribers, ok := n.subscribers[e.EventType()]
	if !ok || len(subscribers) == 0 {
		return nil
	}

	var err error

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return err
	}

	event := cloudevents.NewEvent()
	event.SetID(e.EventID())
	event.SetTime(e.EventTime())
	event.SetSource(eventSource)
	event.SetType(e.EventType())

	err = event.SetData(cloudevents.ApplicationJSON, e)
	if err != nil {
		return err
	}

	logger := logging.GetFromContext(ctx)

	for _, s := range subscribers {
		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.Endpoint)

		result := c.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error().Err(result).Msgf("failed to send event to %s", s.Endpoint)
			err = fmt.Errorf("%w", result)
		}
	}

	return err
}

type SubscriberConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type Notification struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

type Config struct {
	Notifications []Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
