package rules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/amplifierd/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var reloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "amplifierd",
	Subsystem: "rules",
	Name:      "reloads_total",
	Help:      "Rule file reload attempts by result",
}, []string{"result"})

type fileStamp struct {
	modTime time.Time
	size    int64
}

func (a fileStamp) same(b fileStamp) bool {
	return a.size == b.size && a.modTime.Equal(b.modTime)
}

type snapshot struct {
	rules *RuleSet
	stamp fileStamp
}

// Engine evaluates notifications against the rule file at path.
//
// Every Evaluate re-stats the file and, when it changed, parses the new
// contents and swaps them in with a single atomic store. Evaluations never
// see a partially applied rule set. A file that fails to parse leaves the
// previous rule set active.
type Engine struct {
	path   string
	logger *zap.Logger

	active atomic.Pointer[snapshot]
	dirty  atomic.Bool

	mu         sync.Mutex // serializes reloads and in-memory updates
	lastFailed fileStamp
}

// NewEngine loads path. An empty path or a missing file starts from
// DefaultRuleSet; a malformed file is an error.
func NewEngine(path string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{path: path, logger: logger}
	e.active.Store(&snapshot{rules: DefaultRuleSet()})

	if path == "" {
		return e, nil
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("rule file not found, using built-in rules", zap.String("path", path))
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat rule file: %w", err)
	}

	rs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	e.active.Store(&snapshot{rules: rs, stamp: stampOf(info)})
	return e, nil
}

// LoadFile reads and parses a rule file.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(data, FormatForPath(path))
}

// Evaluate implements the pipeline's evaluator contract.
func (e *Engine) Evaluate(n *events.Notification, ec EvalContext) events.Decision {
	return Evaluate(e.Current(), n, ec)
}

// Current returns the active rule set after re-checking the file.
// The result must be treated as read-only.
func (e *Engine) Current() *RuleSet {
	e.refresh()
	return e.active.Load().rules
}

func (e *Engine) refresh() {
	if e.path == "" {
		return
	}
	info, err := os.Stat(e.path)
	if err != nil {
		return
	}
	stamp := stampOf(info)
	if stamp.same(e.active.Load().stamp) && !e.dirty.Load() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.active.Load()
	if (stamp.same(cur.stamp) || stamp.same(e.lastFailed)) && !e.dirty.Load() {
		return
	}
	e.dirty.Store(false)

	rs, err := LoadFile(e.path)
	if err != nil {
		e.logger.Warn("rule file invalid, keeping previous rules",
			zap.String("path", e.path), zap.Error(err))
		reloadsTotal.WithLabelValues("failed").Inc()
		e.lastFailed = stamp
		return
	}

	e.active.Store(&snapshot{rules: rs, stamp: stamp})
	reloadsTotal.WithLabelValues("ok").Inc()
	e.logger.Info("rule file reloaded",
		zap.String("path", e.path),
		zap.Int("vip_senders", len(rs.VIPSenders)),
		zap.Int("time_windows", len(rs.TimeWindows)),
		zap.Int("channels", len(rs.Channels)))
}

// Watch marks the engine dirty on file system events for the rule file so
// that the next Evaluate re-reads it even when mtime and size are unchanged.
// It blocks until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	if e.path == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace files by rename.
	dir := filepath.Dir(e.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(e.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == base && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				e.dirty.Store(true)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("rule watcher error", zap.Error(err))
		}
	}
}

// Update applies fn to a copy of the active rule set and swaps it in.
// Updates live in memory until the file next changes.
func (e *Engine) Update(fn func(*RuleSet)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.active.Load()
	next := cur.rules.Clone()
	fn(next)
	if err := next.Compile(); err != nil {
		return err
	}
	e.active.Store(&snapshot{rules: next, stamp: cur.stamp})
	return nil
}

// AddVIP adds sender to the VIP list.
func (e *Engine) AddVIP(sender string) error {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return fmt.Errorf("%w: empty sender", ErrInvalidRuleSet)
	}
	return e.Update(func(rs *RuleSet) {
		for _, v := range rs.VIPSenders {
			if strings.EqualFold(v, sender) {
				return
			}
		}
		rs.VIPSenders = append(rs.VIPSenders, sender)
	})
}

// RemoveVIP removes sender from the VIP list.
func (e *Engine) RemoveVIP(sender string) error {
	return e.Update(func(rs *RuleSet) {
		kept := rs.VIPSenders[:0]
		for _, v := range rs.VIPSenders {
			if !strings.EqualFold(v, sender) {
				kept = append(kept, v)
			}
		}
		rs.VIPSenders = kept
	})
}

// AddKeyword adds a keyword trigger.
func (e *Engine) AddKeyword(keyword string) error {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return fmt.Errorf("%w: empty keyword", ErrInvalidRuleSet)
	}
	return e.Update(func(rs *RuleSet) {
		for _, k := range rs.Keywords {
			if strings.EqualFold(k, keyword) {
				return
			}
		}
		rs.Keywords = append(rs.Keywords, keyword)
	})
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{modTime: info.ModTime(), size: info.Size()}
}
