// Package natsbus bridges the hook registry and a NATS broker.
//
// The publisher output hook mirrors every outbound event to
// <prefix>.events.<kind>. The ingest input hook subscribes to
// <prefix>.ingest and hands buffered notifications to the registry on
// each poll.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/events"
	"github.com/fyrsmithlabs/amplifierd/internal/hooks"
)

const (
	PublisherName = "nats-publish"
	IngestName    = "nats-ingest"
)

// ErrNotStarted is returned by a hook used before Start.
var ErrNotStarted = errors.New("nats hook not started")

var ingestDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "amplifierd",
	Name:      "nats_ingest_dropped_total",
	Help:      "Ingest messages dropped because they were malformed or the buffer was full",
})

// EventsSubject is the subject an outbound event of kind is published on.
func EventsSubject(prefix, kind string) string {
	return prefix + ".events." + kind
}

// EventsWildcard matches every published outbound event.
func EventsWildcard(prefix string) string {
	return prefix + ".events.>"
}

// IngestSubject is the subject external producers publish notifications to.
func IngestSubject(prefix string) string {
	return prefix + ".ingest"
}

// Connect dials url with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("amplifierd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// StartEmbedded runs an in-process broker on host:port. Port -1 picks a
// free port.
func StartEmbedded(host string, port int) (*natsserver.Server, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded NATS server not ready")
	}
	return srv, nil
}

// Publisher is an output hook that mirrors outbound events to NATS.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

var _ hooks.OutputHook = (*Publisher)(nil)

// NewPublisher returns a publisher on nc.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.With(zap.String("hook", PublisherName))}
}

func (p *Publisher) Name() string { return PublisherName }

func (p *Publisher) Start(context.Context, hooks.Host) error {
	if p.nc == nil {
		return ErrNotStarted
	}
	return nil
}

func (p *Publisher) Stop(ctx context.Context) error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	if _, ok := ctx.Deadline(); ok {
		return p.nc.FlushWithContext(ctx)
	}
	return p.nc.FlushTimeout(2 * time.Second)
}

// ShouldHandle accepts every kind.
func (p *Publisher) ShouldHandle(events.Outbound) bool { return true }

// Send publishes out. A closed connection counts as not delivered.
func (p *Publisher) Send(_ context.Context, out events.Outbound) (bool, error) {
	if p.nc.IsClosed() {
		return false, nats.ErrConnectionClosed
	}
	data, err := json.Marshal(out)
	if err != nil {
		return false, fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.nc.Publish(EventsSubject(p.prefix, out.Kind), data); err != nil {
		return false, fmt.Errorf("publish %s: %w", out.Kind, err)
	}
	return true, nil
}

// Ingest is an input hook fed by the ingest subject.
type Ingest struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger

	pending chan events.Incoming

	mu  sync.Mutex
	sub *nats.Subscription
}

var _ hooks.InputHook = (*Ingest)(nil)

// NewIngest returns an ingest hook buffering up to bufferSize messages
// between polls.
func NewIngest(nc *nats.Conn, prefix string, bufferSize int, logger *zap.Logger) *Ingest {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Ingest{
		nc:      nc,
		prefix:  prefix,
		logger:  logger.With(zap.String("hook", IngestName)),
		pending: make(chan events.Incoming, bufferSize),
	}
}

func (g *Ingest) Name() string { return IngestName }

// Start subscribes to the ingest subject.
func (g *Ingest) Start(context.Context, hooks.Host) error {
	if g.nc == nil {
		return ErrNotStarted
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sub != nil {
		return nil
	}
	sub, err := g.nc.Subscribe(IngestSubject(g.prefix), g.receive)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", IngestSubject(g.prefix), err)
	}
	if err := g.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	g.sub = sub
	return nil
}

func (g *Ingest) receive(msg *nats.Msg) {
	var in events.Incoming
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		ingestDropped.Inc()
		g.logger.Warn("malformed ingest message", zap.Error(err), zap.Int("bytes", len(msg.Data)))
		return
	}
	if strings.TrimSpace(in.Channel) == "" {
		in.Channel = "nats"
	}
	select {
	case g.pending <- in:
	default:
		ingestDropped.Inc()
		g.logger.Warn("ingest buffer full, dropping message", zap.String("channel", in.Channel))
	}
}

// Stop unsubscribes. Buffered messages are discarded.
func (g *Ingest) Stop(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sub == nil {
		return nil
	}
	err := g.sub.Unsubscribe()
	g.sub = nil
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

// Poll drains at most one buffer's worth of what has arrived since the
// previous poll.
func (g *Ingest) Poll(context.Context) (iter.Seq[events.Incoming], error) {
	var batch []events.Incoming
	for range cap(g.pending) {
		select {
		case in := <-g.pending:
			batch = append(batch, in)
		default:
			return slices.Values(batch), nil
		}
	}
	return slices.Values(batch), nil
}
