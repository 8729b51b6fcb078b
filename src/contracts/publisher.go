package contracts

import (
	"context"
	"encoding/json"
	"time"

	"changes-agent/src/broker"
	"changes-agent/src/logger"
	"changes-agent/src/model"
)

// Publisher sends entity updates to listeners. Delivery is fire-and-forget:
// failures are logged and never returned to the caller.
type Publisher struct {
	broker broker.Broker
	log    logger.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher. A nil broker yields a publisher that
// drops everything.
func NewPublisher(b broker.Broker, log logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	return &Publisher{broker: b, log: log, now: time.Now}
}

func (p *Publisher) PublishBuild(ctx context.Context, b *model.Build) {
	p.publish(ctx, TopicBuilds, b.ID, BuildUpdate{Build: b, Published: p.now()})
}

func (p *Publisher) PublishJob(ctx context.Context, j *model.Job) {
	p.publish(ctx, TopicJobs, j.ID, JobUpdate{Job: j, Published: p.now()})
}

func (p *Publisher) PublishPhase(ctx context.Context, ph *model.JobPhase) {
	p.publish(ctx, TopicPhases, ph.JobID, PhaseUpdate{Phase: ph, Published: p.now()})
}

func (p *Publisher) PublishTest(ctx context.Context, tc *model.TestCase) {
	p.publish(ctx, TopicTests, tc.JobID, TestUpdate{Test: tc, Published: p.now()})
}

// PublishSignal announces a terminal transition.
func (p *Publisher) PublishSignal(ctx context.Context, name, entityID, projectID string, result model.Result) {
	p.publish(ctx, TopicSignals, entityID, Signal{
		Name:      name,
		EntityID:  entityID,
		ProjectID: projectID,
		Result:    result,
		Published: p.now(),
	})
}

func (p *Publisher) publish(ctx context.Context, topic, key string, v interface{}) {
	if p.broker == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("[Publisher] failed to encode %s update for %s: %v", topic, key, err)
		return
	}
	if err := p.broker.Publish(ctx, topic, key, data); err != nil {
		p.log.Warn("[Publisher] failed to publish %s update for %s: %v", topic, key, err)
	}
}
