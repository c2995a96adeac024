package peer

import "testing"

func TestSubjectFor(t *testing.T) {
	if got := subjectFor(Stratifier); got != SubjectStratifier {
		t.Fatalf("expected %q, got %q", SubjectStratifier, got)
	}
	if got := subjectFor(Generator); got != SubjectGenerator {
		t.Fatalf("expected %q, got %q", SubjectGenerator, got)
	}
}

func TestNewNATSClientFailsFastOnUnreachableURL(t *testing.T) {
	_, err := NewNATSClient(NATSConfig{
		URL:           "nats://127.0.0.1:1",
		MaxReconnects: 0,
	}, nil)
	if err == nil {
		t.Fatal("expected connecting to an unreachable NATS URL to fail")
	}
}
