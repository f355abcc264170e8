package broker

import "testing"

func TestNew_UnknownAdapter(t *testing.T) {
	if _, err := New("nonexistent", nil); err == nil {
		t.Fatal("expected error for unknown adapter name")
	}
}

func TestNew_KnownAdapters(t *testing.T) {
	for _, name := range []string{"postgres", "amqp", "mqtt"} {
		if _, ok := registry[name]; !ok {
			t.Errorf("adapter %q not registered", name)
		}
	}
}

func TestNewPostgresBroker_RequiresDSN(t *testing.T) {
	if _, err := New("postgres", map[string]any{}); err == nil {
		t.Fatal("expected error for missing dsn")
	}
}

func TestNewAMQPBroker_RequiresURL(t *testing.T) {
	if _, err := New("amqp", map[string]any{}); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestNewMQTTBroker_RequiresURL(t *testing.T) {
	if _, err := New("mqtt", map[string]any{}); err == nil {
		t.Fatal("expected error for missing url")
	}
}
