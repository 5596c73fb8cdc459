package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xweirdfor/xweirdfor/internal/config"
	"github.com/xweirdfor/xweirdfor/internal/headers"
)

func TestHolderReloadKeepsPreviousOnFailure(t *testing.T) {
	first, err := NewEngine(Builtin())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	holder := NewHolder(first)

	err = holder.Reload(func() (*Engine, error) { return nil, errors.New("bad rules") }, nil)
	if err == nil {
		t.Fatalf("expected reload error")
	}
	if holder.Engine() != first {
		t.Fatalf("expected previous engine kept")
	}

	second, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := holder.Reload(func() (*Engine, error) { return second, nil }, nil); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if holder.Engine() != second {
		t.Fatalf("expected engine swapped")
	}
	if len(holder.Evaluate(headers.Set{}).Matches) != 0 {
		t.Fatalf("expected empty engine to match nothing")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	write := func(pattern string) {
		body := "rules:\n  - id: custom\n    category: mutation\n    weight: 0.5\n    target: names\n    match: {type: regex, pattern: '" + pattern + "'}\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write rules: %v", err)
		}
	}
	write("^X-One$")

	cfg := config.Default()
	cfg.RulesFile = path
	load := func() (*Engine, error) { return BuildEngine(cfg) }

	engine, err := load()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	holder := NewHolder(engine)

	watcher, err := NewWatcher(holder, path, load, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = watcher.Run(ctx)
		close(done)
	}()

	hs := headers.Set{{Name: "X-Two", Value: "1"}}
	if contains(holder.Evaluate(hs).RuleIDs(), "custom") {
		t.Fatalf("unexpected match before reload")
	}

	write("^X-Two$")
	deadline := time.Now().Add(5 * time.Second)
	for !contains(holder.Evaluate(hs).RuleIDs(), "custom") {
		if time.Now().After(deadline) {
			t.Fatalf("rules were not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-done
}
