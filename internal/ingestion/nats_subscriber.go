package ingestion

import (
	"StakeLedger/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// CommandStream is the default JetStream stream carrying inbound commands.
const CommandStream = "STAKE_COMMANDS"

// NATSSubscriber consumes command subjects from JetStream and hands raw
// messages to the router.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an unparsed command together with what the transport knows
// about it.
type RawEvent struct {
	Subject   string
	EventType string
	// Roles granted by the subject the message arrived on. Publishing to the
	// relay and admin subjects is restricted by NATS account permissions.
	Roles     event.Role
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed or permanently rejected
	NakFunc   func() // redeliver
	TermFunc  func() // never redeliver
}

// SubjectConfig maps one command subject to its event type and the roles its
// publishers hold.
type SubjectConfig struct {
	Subject      string
	EventType    string
	Roles        event.Role
	ConsumerName string
}

// DefaultSubjects lists the command subjects, one durable consumer each so a
// burst of user requests cannot starve the relay's era signal.
func DefaultSubjects(group string) []SubjectConfig {
	subjects := []SubjectConfig{
		{Subject: "stake.requests.stake", EventType: "StakeRequested", ConsumerName: "stake"},
		{Subject: "stake.requests.unstake", EventType: "UnstakeRequested", ConsumerName: "unstake"},
		{Subject: "stake.requests.insurance", EventType: "InsuranceAdded", ConsumerName: "insurance"},
		{Subject: "stake.requests.withdraw", EventType: "AssetWithdrawn", ConsumerName: "withdraw"},
		{Subject: "stake.era.settle", EventType: "EraSettled", Roles: event.RoleRelay, ConsumerName: "era"},
		{Subject: "stake.relay.in.deposit", EventType: "AssetDeposited", Roles: event.RoleRelay, ConsumerName: "deposit"},
		{Subject: "stake.relay.in.bonding", EventType: "BondingCommand", Roles: event.RoleRelay, ConsumerName: "bonding"},
		{Subject: "stake.relay.in.slash", EventType: "SlashPayout", Roles: event.RoleRelay, ConsumerName: "slash"},
		{Subject: "stake.admin.reserve_factor", EventType: "ReserveFactorUpdate", Roles: event.RoleUpdate, ConsumerName: "reserve-factor"},
		{Subject: "stake.admin.pool_capacity", EventType: "PoolCapacityUpdate", Roles: event.RoleUpdate, ConsumerName: "pool-capacity"},
		{Subject: "stake.admin.bonding_fees", EventType: "BondingFeesUpdate", Roles: event.RoleUpdate, ConsumerName: "bonding-fees"},
		{Subject: "stake.admin.external_weights", EventType: "ExternalWeightsUpdate", Roles: event.RoleUpdate, ConsumerName: "external-weights"},
		{Subject: "stake.admin.currency", EventType: "CurrencyUpdate", Roles: event.RoleUpdate, ConsumerName: "currency"},
	}
	for i := range subjects {
		subjects[i].ConsumerName = group + "-" + subjects[i].ConsumerName
	}
	return subjects
}

// CommandSubjects are the wildcards the command stream captures.
var CommandSubjects = []string{
	"stake.requests.>",
	"stake.era.>",
	"stake.relay.in.>",
	"stake.admin.>",
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates a durable consumer per subject on stream. Consumers use
// explicit ack, max_deliver=5 and ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, stream string, subjects []SubjectConfig, fetchBatch int) error {
	if fetchBatch <= 0 {
		fetchBatch = 256
	}
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: cfg.EventType,
				Roles:     cfg.Roles,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
				TermFunc:  func() { _ = msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		}, jetstream.PullMaxMessages(fetchBatch))
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureCommandStream creates the inbound command stream if it does not exist.
func EnsureCommandStream(ctx context.Context, js jetstream.JetStream, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   CommandSubjects,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("stakeledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
