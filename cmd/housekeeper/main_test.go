package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/housekeeper/internal/channel"
	"github.com/austindbirch/housekeeper/internal/config"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/logging"
	"github.com/austindbirch/housekeeper/internal/metrics"
	"github.com/austindbirch/housekeeper/internal/processor"
)

func quietLogger() *logging.Logger {
	return logging.New("housekeeper-test").SetLevel(logging.LevelFatal)
}

func memoryConfig() config.Config {
	cfg := config.FromEnv()
	cfg.HTTPPort = "127.0.0.1:0"
	cfg.StoreBackend = "memory"
	cfg.Housekeeper.Enabled = true
	cfg.Housekeeper.Channel = "memory"
	return cfg
}

func TestProcessorOptions(t *testing.T) {
	h := config.Housekeeper{
		Workers:         3,
		BatchSize:       16,
		MaxAttempts:     5,
		BackoffSchedule: []time.Duration{time.Second, 2 * time.Second},
		JitterPercent:   0.1,
		TaskTimeout:     time.Minute,
		TaskTimeouts:    map[string]time.Duration{"DELETE_ENTITIES_BY_TYPE": 10 * time.Minute},
		TouchInterval:   30 * time.Second,
	}
	opts := processorOptions(h, processor.LogSink{}, quietLogger())

	if opts.Workers != 3 || opts.BatchSize != 16 || opts.MaxAttempts != 5 {
		t.Errorf("sizes = %d/%d/%d", opts.Workers, opts.BatchSize, opts.MaxAttempts)
	}
	if len(opts.Backoff.Schedule) != 2 || opts.Backoff.JitterPct != 0.1 {
		t.Errorf("backoff = %+v", opts.Backoff)
	}
	if got := opts.Timeouts[housekeeper.DeleteEntitiesByType]; got != 10*time.Minute {
		t.Errorf("bulk timeout = %v, want 10m", got)
	}
	if opts.TouchInterval != 30*time.Second || opts.Timeout != time.Minute {
		t.Errorf("timeouts = %v/%v", opts.Timeout, opts.TouchInterval)
	}
}

func TestOpenChannel(t *testing.T) {
	cfg := memoryConfig()

	cfg.Housekeeper.Enabled = false
	ch, nsqCh, err := openChannel(cfg, quietLogger())
	if err != nil || ch != nil || nsqCh != nil {
		t.Fatalf("disabled pipeline = %v, %v, %v; want no channel", ch, nsqCh, err)
	}

	cfg.Housekeeper.Enabled = true
	ch, nsqCh, err = openChannel(cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ch.(*channel.Memory); !ok || nsqCh != nil {
		t.Errorf("memory channel = %T, nsq = %v", ch, nsqCh)
	}
	_ = ch.Close()
}

func TestOpenBackend_Memory(t *testing.T) {
	be, err := openBackend(context.Background(), memoryConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer be.close()
	if got := len(be.registry.Types()); got != len(entityTypes) {
		t.Errorf("registered types = %d, want %d", got, len(entityTypes))
	}
	if len(be.checks) != 0 {
		t.Errorf("memory backend checks = %d, want none", len(be.checks))
	}
}

func TestOpenBackend_PostgresUnreachable(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreBackend = "postgres"
	cfg.DB.Host = "127.0.0.1"
	cfg.DB.Port = "1"
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := openBackend(ctx, cfg, quietLogger()); err == nil {
		t.Fatal("openBackend() expected error for unreachable database")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- run(ctx, memoryConfig(), quietLogger()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func TestUpdateBacklog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"topics":[
			{"topic_name":"housekeeper_tasks","channels":[{"channel_name":"housekeeper","depth":42}]},
			{"topic_name":"other","channels":[{"channel_name":"housekeeper","depth":7}]}
		]}`))
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	if err := updateBacklog(context.Background(), srv.Client(), addr, "housekeeper_tasks"); err != nil {
		t.Fatalf("updateBacklog() error: %v", err)
	}
	if got := testutil.ToFloat64(metrics.NSQTopicDepth.WithLabelValues("housekeeper_tasks", "housekeeper")); got != 42 {
		t.Errorf("depth = %v, want 42", got)
	}
	if got := testutil.ToFloat64(metrics.NSQTopicDepth.WithLabelValues("other", "housekeeper")); got != 0 {
		t.Errorf("other topic depth = %v, want untouched", got)
	}
}

func TestUpdateBacklog_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "bad status", handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{name: "bad json", handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			err := updateBacklog(context.Background(), srv.Client(), strings.TrimPrefix(srv.URL, "http://"), "housekeeper_tasks")
			if err == nil {
				t.Error("updateBacklog() expected error")
			}
		})
	}
}
