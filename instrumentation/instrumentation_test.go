package instrumentation

import (
	"context"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.Metrics() == nil {
		t.Fatal("Metrics() returned nil")
	}
	if inst.Meter("storage") == nil {
		t.Error("Meter() returned nil")
	}
	if inst.Tracer("flow") == nil {
		t.Error("Tracer() returned nil")
	}
	if inst.Resource() == nil {
		t.Fatal("Resource() returned nil")
	}
}

func TestNew_ResourceCarriesServiceIdentity(t *testing.T) {
	inst, err := New(Config{ServiceName: "my-service", ServiceVersion: "1.2.3"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	attrs := inst.Resource().Attributes()
	got := map[string]string{}
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["service.name"] != "my-service" {
		t.Errorf("service.name = %q, want %q", got["service.name"], "my-service")
	}
	if got["service.version"] != "1.2.3" {
		t.Errorf("service.version = %q, want %q", got["service.version"], "1.2.3")
	}
}

func TestNoop_RecordingDoesNotPanic(t *testing.T) {
	inst := NewNoop()
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordFlowOperation(ctx, "google", "exchange", true)
	m.RecordTokenOperation(ctx, "authorization_code", false)
	m.RecordStorageOperation(ctx, "save_token", nil, 1.5)
	m.RecordProviderCall(ctx, "github", "userinfo", nil)
	m.RecordInstanceRecreation(ctx)
	m.RecordInstanceEviction(ctx, 3)
	m.RecordRateLimitExceeded(ctx, "registration")
}

func TestRegisterStoreSizeCallbacks(t *testing.T) {
	inst := NewNoop()
	err := inst.RegisterStoreSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		nil, // nil callbacks are skipped
		func() int64 { return 4 },
	)
	if err != nil {
		t.Fatalf("RegisterStoreSizeCallbacks() error = %v", err)
	}
}
