package dlq

import "testing"

// New dials Kafka synchronously, so only its pre-dial validation is covered
// here; Forward's retry/circuit-breaker behavior against a live broker is
// exercised by integration testing, not this package's unit tests.
func TestNewRequiresAtLeastOneBroker(t *testing.T) {
	_, err := New(Config{Topic: "dead-letter"})
	if err == nil {
		t.Fatal("expected an error when no brokers are configured")
	}
}
