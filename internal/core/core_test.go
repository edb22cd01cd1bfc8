package core

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

type recorder struct {
	events []string
}

func (r *recorder) service(name string, startErr error) Hooks {
	return Hooks{
		OnStart: func() error {
			r.events = append(r.events, "start "+name)
			return startErr
		},
		OnStop: func(context.Context) error {
			r.events = append(r.events, "stop "+name)
			return nil
		},
	}
}

func TestApp_StartStopOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	app := NewApp(nil)
	for _, name := range []string{"ledger", "cron", "gateway"} {
		if err := app.Add(name, rec.service(name, nil)); err != nil {
			t.Fatal(err)
		}
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := app.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"start ledger", "start cron", "start gateway", "stop gateway", "stop cron", "stop ledger"}
	if !slices.Equal(rec.events, want) {
		t.Errorf("events = %v, want %v", rec.events, want)
	}
}

func TestApp_StartFailureRollsBack(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	app := NewApp(nil)
	_ = app.Add("ledger", rec.service("ledger", nil))
	_ = app.Add("gateway", rec.service("gateway", errors.New("address in use")))
	_ = app.Add("cron", rec.service("cron", nil))

	if err := app.Start(); err == nil {
		t.Fatal("expected start error")
	}
	want := []string{"start ledger", "start gateway", "stop ledger"}
	if !slices.Equal(rec.events, want) {
		t.Errorf("events = %v, want %v", rec.events, want)
	}
	// A second Stop is a no-op.
	if err := app.Stop(); err != nil {
		t.Errorf("Stop after rollback: %v", err)
	}
	if len(rec.events) != len(want) {
		t.Errorf("events after Stop = %v", rec.events)
	}
}

func TestApp_StopOnlyService(t *testing.T) {
	t.Parallel()

	stopped := false
	app := NewApp(nil)
	_ = app.Add("flush", Hooks{OnStop: func(context.Context) error {
		stopped = true
		return nil
	}})
	if err := app.Start(); err != nil {
		t.Fatal(err)
	}
	if err := app.Stop(); err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Error("stop hook not called")
	}
}

func TestApp_Add(t *testing.T) {
	t.Parallel()

	app := NewApp(nil)
	if err := app.Add("bad", struct{}{}); err == nil {
		t.Error("expected error for a value with no lifecycle methods")
	}
	if err := app.Add("a", Hooks{}); err != nil {
		t.Fatal(err)
	}
	if err := app.Add("a", Hooks{}); err == nil {
		t.Error("expected duplicate name error")
	}
	if got := app.Services(); !slices.Equal(got, []string{"a"}) {
		t.Errorf("Services() = %v", got)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	app := NewApp(nil)
	_ = app.Add("gateway", rec.service("gateway", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !slices.Equal(rec.events, []string{"start gateway", "stop gateway"}) {
		t.Errorf("events = %v", rec.events)
	}
}
