// Package agentwire assembles a coordination node from configuration:
// registry, permission evaluator, task store, engine, and transport,
// wired together and run as one process.
package agentwire

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/agentwire/agentwire/pkg/config"
	"github.com/agentwire/agentwire/pkg/engine"
	"github.com/agentwire/agentwire/pkg/observability"
	"github.com/agentwire/agentwire/pkg/permission"
	"github.com/agentwire/agentwire/pkg/registry"
	"github.com/agentwire/agentwire/pkg/task"
	"github.com/agentwire/agentwire/pkg/transport"
)

// Node is one running agent process: an engine bound to a transport,
// with health and metrics endpoints.
type Node struct {
	cfg *config.Config

	registry  *registry.Registry
	evaluator *permission.Evaluator
	tasks     *task.Store
	eng       *engine.Engine

	httpServer *transport.HTTPServer
	queue      *transport.RedisQueue
	local      *transport.Local

	obs *observability.Server
}

type nodeOptions struct {
	engineOpts []engine.Option
	local      *transport.Local
}

// NodeOption configures a Node.
type NodeOption func(*nodeOptions)

// WithDelegateHandler registers the agent callback for authorized
// inbound delegations.
func WithDelegateHandler(h engine.DelegateHandler) NodeOption {
	return func(o *nodeOptions) {
		o.engineOpts = append(o.engineOpts, engine.WithDelegateHandler(h))
	}
}

// WithRequestHandler registers the agent callback for one-shot
// requests.
func WithRequestHandler(h engine.RequestHandler) NodeOption {
	return func(o *nodeOptions) {
		o.engineOpts = append(o.engineOpts, engine.WithRequestHandler(h))
	}
}

// WithTaskObserver registers a callback notified after every local
// task transition.
func WithTaskObserver(obs engine.TaskObserver) NodeOption {
	return func(o *nodeOptions) {
		o.engineOpts = append(o.engineOpts, engine.WithTaskObserver(obs))
	}
}

// WithLocalTransport shares an in-process transport between nodes.
// Only meaningful with transport kind "local"; single-process
// multi-agent setups bind every node onto the same transport.
func WithLocalTransport(l *transport.Local) NodeOption {
	return func(o *nodeOptions) { o.local = l }
}

// NewNode builds a node from cfg. The configured peers are registered
// and grants installed before the first envelope can arrive.
func NewNode(cfg *config.Config, opts ...NodeOption) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	self := registry.AgentIdentity{
		ID:           cfg.Agent.ID,
		Address:      cfg.Agent.Address,
		Capabilities: cfg.Agent.Capabilities,
	}

	reg := registry.New(registry.WithTTL(cfg.Runtime.RegistryTTL))
	if err := reg.Register(self); err != nil {
		return nil, fmt.Errorf("register self: %w", err)
	}
	for _, p := range cfg.Peers {
		if err := reg.Register(registry.AgentIdentity{
			ID:           p.ID,
			Address:      p.Address,
			Capabilities: p.Capabilities,
		}); err != nil {
			return nil, fmt.Errorf("register peer %s: %w", p.ID, err)
		}
	}

	eval := permission.NewEvaluator()
	for _, g := range cfg.Grants {
		grant := permission.Grant{AgentID: g.AgentID, Capability: g.Capability}
		if g.TTL > 0 {
			grant.ExpiresAt = time.Now().Add(g.TTL)
		}
		if err := eval.AddGrant(grant); err != nil {
			return nil, fmt.Errorf("grant %s to %s: %w", g.Capability, g.AgentID, err)
		}
	}

	tasks := task.NewStore()

	n := &Node{
		cfg:       cfg,
		registry:  reg,
		evaluator: eval,
		tasks:     tasks,
	}

	var dispatcher engine.Dispatcher
	switch cfg.Transport.Kind {
	case "http":
		dispatcher = transport.NewHTTPDispatcher(0)
	case "redis":
		queue, err := transport.NewRedisQueue(cfg.Transport.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis transport: %w", err)
		}
		n.queue = queue
		dispatcher = queue
	case "local":
		if o.local == nil {
			o.local = transport.NewLocal()
		}
		n.local = o.local
		dispatcher = o.local
	}

	engineOpts := append([]engine.Option{
		engine.WithReplayWindow(cfg.Runtime.ReplayWindow),
	}, o.engineOpts...)

	eng, err := engine.New(self, reg, eval, tasks, dispatcher, engineOpts...)
	if err != nil {
		return nil, err
	}
	n.eng = eng

	switch cfg.Transport.Kind {
	case "http":
		n.httpServer = transport.NewHTTPServer(transport.HTTPServerConfig{
			Addr:          cfg.Transport.HTTP.ListenAddr,
			Identity:      self,
			MaxBodyBytes:  cfg.Transport.HTTP.MaxBodyBytes,
			RatePerSecond: cfg.Transport.HTTP.RatePerSecond,
			RateBurst:     cfg.Transport.HTTP.RateBurst,
		}, eng)
	case "local":
		n.local.Bind(self.Address, eng)
	}

	checker := observability.NewHealthChecker()
	if n.queue != nil {
		checker.AddCheck(&observability.HealthCheck{
			Name:      "redis",
			CheckFunc: n.queue.Ping,
			Critical:  true,
		})
	}
	n.obs = observability.NewServer(cfg.Observability.ListenAddr, checker)

	return n, nil
}

// Engine exposes the coordination engine for the hosting agent logic.
func (n *Node) Engine() *engine.Engine { return n.eng }

// Registry exposes the node's agent registry.
func (n *Node) Registry() *registry.Registry { return n.registry }

// Evaluator exposes the node's permission evaluator.
func (n *Node) Evaluator() *permission.Evaluator { return n.evaluator }

// Tasks exposes the node's task store.
func (n *Node) Tasks() *task.Store { return n.tasks }

// Run serves the node until ctx is cancelled: inbound transport,
// health and metrics endpoints, and the periodic expiry sweep.
func (n *Node) Run(ctx context.Context) error {
	observability.InitMetrics()
	if err := observability.InitTracing(n.cfg.Observability.Tracing); err != nil {
		log.Printf("agentwire: tracing init failed: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if n.httpServer != nil {
		g.Go(n.httpServer.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return n.httpServer.Shutdown(sctx)
		})
	}

	if n.queue != nil {
		g.Go(func() error {
			err := n.queue.Receive(ctx, n.eng.Self().ID, n.eng)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(n.obs.Start)
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return n.obs.Shutdown(sctx)
	})

	g.Go(func() error {
		scheduler := cron.New()
		scheduler.Schedule(cron.Every(n.cfg.Runtime.SweepInterval), cron.FuncJob(func() {
			n.eng.Sweep(time.Now())
		}))
		scheduler.Start()
		<-ctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})

	log.Printf("agentwire: node %s running (transport: %s)", n.cfg.Agent.ID, n.cfg.Transport.Kind)

	err := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := observability.ShutdownTracing(sctx); terr != nil {
		log.Printf("agentwire: tracing shutdown failed: %v", terr)
	}
	if n.queue != nil {
		_ = n.queue.Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Run loads configuration from path and serves a node until interrupt.
func Run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(cfg)
}

// RunWithConfig serves a node for cfg until interrupt.
func RunWithConfig(cfg *config.Config, opts ...NodeOption) error {
	node, err := NewNode(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return node.Run(ctx)
}
