package queue

import (
	"testing"
	"time"
)

func TestBackoffDelay_Exponential(t *testing.T) {
	base := time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(1s, %d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelay_Capped(t *testing.T) {
	if got := backoffDelay(time.Second, 30); got != maxBackoff {
		t.Fatalf("expected cap %v, got %v", maxBackoff, got)
	}
}

func TestBackoffDelay_Defaults(t *testing.T) {
	if got := backoffDelay(0, 1); got != DefaultBackoffBase {
		t.Fatalf("zero base should fall back to default, got %v", got)
	}
	if got := backoffDelay(time.Second, 0); got != time.Second {
		t.Fatalf("attempt below 1 should behave like first attempt, got %v", got)
	}
}

func TestAmqpPriority_InvertsScale(t *testing.T) {
	// 任务优先级 0 最高，对应 AMQP 最大值
	if got := amqpPriority(0); got != maxPriority {
		t.Fatalf("priority 0 should map to %d, got %d", maxPriority, got)
	}
	if got := amqpPriority(maxPriority); got != 0 {
		t.Fatalf("priority %d should map to 0, got %d", maxPriority, got)
	}
	// 越界值被钳位
	if got := amqpPriority(-5); got != maxPriority {
		t.Fatalf("negative priority should clamp, got %d", got)
	}
	if got := amqpPriority(100); got != 0 {
		t.Fatalf("oversized priority should clamp, got %d", got)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	body, err := encodeEnvelope(envelope{JobID: "j1", Type: "content-processing", Attempt: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.JobID != "j1" || env.Attempt != 2 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestDecodeEnvelope_Garbage(t *testing.T) {
	if _, err := decodeEnvelope([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed body")
	}
}
