package contracts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"changes-agent/src/broker"
	"changes-agent/src/model"
)

func TestPublisher_PublishJob(t *testing.T) {
	b := broker.NewInMemoryBroker()
	defer b.Close()

	ctx := context.Background()
	ch, err := b.Subscribe(ctx, TopicJobs, "test")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	p := NewPublisher(b, nil)
	p.PublishJob(ctx, &model.Job{ID: "job-1", Status: model.StatusFinished, Result: model.ResultFailed})

	select {
	case msg := <-ch:
		if msg.Key != "job-1" {
			t.Errorf("Expected key job-1, got %s", msg.Key)
		}
		var update JobUpdate
		if err := json.Unmarshal(msg.Value, &update); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if update.Job.Result != model.ResultFailed {
			t.Errorf("Expected result failed, got %s", update.Job.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for update")
	}
}

func TestPublisher_ClosedBrokerDoesNotFail(t *testing.T) {
	b := broker.NewInMemoryBroker()
	b.Close()

	p := NewPublisher(b, nil)
	p.PublishSignal(context.Background(), SignalJobFinished, "job-1", "proj-1", model.ResultPassed)
}

func TestPublisher_NilBroker(t *testing.T) {
	NewPublisher(nil, nil).PublishBuild(context.Background(), &model.Build{ID: "b"})
}
