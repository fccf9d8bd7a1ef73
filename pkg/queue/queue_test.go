package queue

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/logger"
)

func TestJobValidate(t *testing.T) {
	good := NewJob([]string{"a.step"}, Target{Path: "a.stl"})

	tests := []struct {
		name    string
		mutate  func(*Job)
		wantErr bool
	}{
		{"valid", func(*Job) {}, false},
		{"no id", func(j *Job) { j.ID = "" }, true},
		{"no inputs", func(j *Job) { j.Inputs = nil }, true},
		{"target without path", func(j *Job) { j.Targets = []Target{{Format: "stl"}} }, true},
		{"bad target format", func(j *Job) { j.Targets = []Target{{Path: "x", Format: "dwg"}} }, true},
		{"explicit target format", func(j *Job) { j.Targets = []Target{{Path: "x", Format: "OBJ"}} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := good
			tt.mutate(&j)
			if err := j.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	j := NewJob([]string{"s3://parts/a.step"}, Target{Path: "out/a.glb", Overrides: map[string]string{"format": "binary"}})
	j.AllOrNothing = true
	body, err := Encode(j)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != j.ID || !got.AllOrNothing || got.Targets[0].Overrides["format"] != "binary" {
		t.Errorf("Decode = %+v", got)
	}

	if _, err := Decode([]byte(`{"id":"x"}`)); err == nil {
		t.Error("Decode accepted a job without inputs")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Decode accepted malformed JSON")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{cferrors.UnknownFormat("a.bin"), false},
		{cferrors.NoSupportingWriter("dxf", "a.dxf"), false},
		{cferrors.InvalidValue("scaling", -1, "below minimum"), false},
		{cferrors.FileReadProblem("s3://b/a.obj", "obj", errors.New("connection reset")), true},
		{cferrors.Cancelled("import", "a.obj"), true},
		{errors.New("plain"), true},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDeliverSettlesMessages(t *testing.T) {
	body, _ := Encode(NewJob([]string{"a.obj"}))

	tests := []struct {
		name        string
		body        []byte
		redelivered bool
		err         error
		want        string
	}{
		{"success", body, false, nil, "ack"},
		{"malformed", []byte("{"), false, nil, "drop"},
		{"transient", body, false, cferrors.FileReadProblem("a.obj", "obj", errors.New("timeout")), "requeue"},
		{"transient twice", body, true, cferrors.FileReadProblem("a.obj", "obj", errors.New("timeout")), "drop"},
		{"permanent", body, false, cferrors.UnknownFormat("a.obj"), "drop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			msg := amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: tt.body, Redelivered: tt.redelivered}
			q := &RabbitMQ{logger: logger.Discard()}

			called := false
			q.deliver(context.Background(), msg, func(ctx context.Context, j Job) error {
				called = true
				return tt.err
			})

			if ack.outcome != tt.want {
				t.Errorf("outcome = %q, want %q", ack.outcome, tt.want)
			}
			if tt.name == "malformed" && called {
				t.Error("handler ran for a malformed message")
			}
		})
	}
}

// --- Mock implementations ---

type fakeAcknowledger struct {
	outcome string
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.outcome = "ack"
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	if requeue {
		f.outcome = "requeue"
	} else {
		f.outcome = "drop"
	}
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}
