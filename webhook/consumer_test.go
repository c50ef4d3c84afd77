package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/micromdm/nanolib/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

func TestConsumerForwardsQueuedCompletion(t *testing.T) {
	doer := &mockDoer{}
	queue := &mockPublisher{}
	f := New("http://icg.example.com/certs", WithDoer(doer), WithPublisher(queue))
	c := NewConsumer(f, log.NopLogger)

	body, err := json.Marshal(&Event{
		Topic:     EventType,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CourseCompleted: &CourseCompleted{
			Username: "john_doe",
			CourseID: "course-v1:Org+Num+Run",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Handle(amqp.Delivery{Body: body}); err != nil {
		t.Fatal(err)
	}

	if doer.req == nil || doer.req.URL.String() != "http://icg.example.com/certs" {
		t.Fatalf("delivery request: %+v", doer.req)
	}
	if string(doer.body) != string(body) {
		t.Error("delivered body differs from queued body")
	}
	// consumed events must not be republished
	if queue.body != nil {
		t.Error("queued event republished to the queue")
	}
}

func TestConsumerRejectsBadDeliveries(t *testing.T) {
	doer := &mockDoer{}
	c := NewConsumer(New("http://icg.example.com/certs", WithDoer(doer)), log.NopLogger)

	for _, test := range []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"no payload", `{"topic":"edxmfe.course-completed"}`},
		{"missing username", `{"course_completed":{"courseId":"c"}}`},
		{"missing course", `{"course_completed":{"username":"u"}}`},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := c.Handle(amqp.Delivery{Body: []byte(test.body)}); err == nil {
				t.Error("expected error")
			}
		})
	}
	if doer.req != nil {
		t.Error("bad delivery reached the HTTP target")
	}
}
