// Package supervisor implements the process-wide startup and liveness
// sequence: ensure the config directory exists, load the server config,
// start the broker (embedded or external), build the driver Factory,
// launch one Runner per configured device, and watch for abnormal
// Runner exits.
//
// Grounded on the boot-then-supervise shape of the teacher's services
// layer: construct dependencies in order, queue independent startup
// work onto a bounded pkg/concurrency.WorkerPool, and run long-lived
// loops with pkg/concurrency.SafeGo so a panicking Runner is logged
// rather than taking the process down.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/orbitlab/psuctl/internal/broker"
	"github.com/orbitlab/psuctl/internal/driver"
	"github.com/orbitlab/psuctl/internal/factory"
	"github.com/orbitlab/psuctl/internal/manifest"
	"github.com/orbitlab/psuctl/internal/runner"
	"github.com/orbitlab/psuctl/internal/serverconfig"
	"github.com/orbitlab/psuctl/pkg/concurrency"
	appErrors "github.com/orbitlab/psuctl/pkg/errors"
	"github.com/orbitlab/psuctl/pkg/logger"
	"github.com/orbitlab/psuctl/pkg/messaging"
	mqttadapter "github.com/orbitlab/psuctl/pkg/messaging/adapters/mqtt"
)

// Namespace is the server-type segment of every topic this process
// exposes (spec section 4.1's "psu" server type).
const Namespace = "psu"

// Options controls which optional subsystems New starts, mirroring the
// run subcommand's --no-* flags.
type Options struct {
	ConfigDir     string
	ConfigPath    string
	ManifestPath  string
	NoBroker      bool
	NoMCP         bool
	NoRunners     bool
	NoTraces      bool
	// ResilientBroker tunes the retry/circuit-breaker wrapper placed
	// around every network-reached broker connection. Populated from
	// the environment by cmd/psud via pkg/config.Load; tests that don't
	// care leave it at its zero value, which disables both.
	ResilientBroker messaging.ResilientBrokerConfig
	BrokerFactory   func(cfg serverconfig.BrokerConfig) (messaging.Broker, func() error, error)
}

// Supervisor owns the process's broker connection, driver factory, and
// the set of running instances.
type Supervisor struct {
	opts    Options
	cfg     *serverconfig.ServerConfig
	broker  messaging.Broker
	factory *factory.Factory
	log     *slog.Logger

	runnersMu sync.RWMutex
	runners   map[string]*runner.Runner

	ready    chan struct{}
	readyRun sync.Once

	closeBroker func() error
}

// New runs the full boot sequence described in the package doc and
// returns a Supervisor whose Runners are already launched. Each Runner's
// goroutine logs an abnormal exit; Runners stop when ctx is cancelled.
func New(ctx context.Context, opts Options) (*Supervisor, error) {
	if err := serverconfig.EnsureConfigDir(opts.ConfigDir); err != nil {
		return nil, err
	}

	cfg, err := serverconfig.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		opts:    opts,
		cfg:     cfg,
		factory: factory.New(),
		log:     logger.L().With("component", "supervisor"),
		runners: make(map[string]*runner.Runner),
		ready:   make(chan struct{}),
	}

	b, closeBroker, err := s.startBroker(ctx)
	if err != nil {
		return nil, err
	}
	if !opts.NoTraces {
		b = messaging.NewInstrumentedBroker(b)
	}
	s.broker = b
	s.closeBroker = closeBroker

	if err := manifest.Write(opts.ManifestPath, s.factory.Manifests()); err != nil {
		// Non-fatal: the spec treats the manifest file as a best-effort
		// convenience artifact, not a boot precondition.
		s.log.Warn("manifest write failed", "error", err)
	}

	if !opts.NoRunners {
		if err := s.launchRunners(ctx); err != nil {
			return nil, err
		}
	}

	s.readyRun.Do(func() { close(s.ready) })
	return s, nil
}

// startBroker honors broker.use_builtin: an embedded broker is started
// on its own listener, otherwise s connects out to an external one.
// opts.BrokerFactory overrides both paths, used by tests to inject an
// in-memory broker without a network listener.
func (s *Supervisor) startBroker(ctx context.Context) (messaging.Broker, func() error, error) {
	if s.opts.BrokerFactory != nil {
		return s.opts.BrokerFactory(s.cfg.Broker)
	}

	if !s.opts.NoBroker && s.cfg.Broker.UseBuiltin {
		addr := fmt.Sprintf("%s:%d", s.cfg.Broker.Host, s.cfg.Broker.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, nil, appErrors.Internal("failed to start embedded broker listener", err)
		}
		embedded := broker.New()
		concurrency.SafeGo(ctx, func() {
			if err := embedded.Serve(ctx, ln); err != nil {
				s.log.Error("embedded broker stopped", "error", err)
			}
		})

		client, err := mqttadapter.New(mqttadapter.Config{Host: s.cfg.Broker.Host, Port: s.cfg.Broker.Port})
		if err != nil {
			ln.Close()
			return nil, nil, err
		}
		resilient := messaging.NewResilientBroker(client, s.opts.ResilientBroker)
		return resilient, func() error { embedded.Close(); return client.Close() }, nil
	}

	client, err := mqttadapter.New(mqttadapter.Config{Host: s.cfg.Broker.Host, Port: s.cfg.Broker.Port})
	if err != nil {
		return nil, nil, err
	}
	resilient := messaging.NewResilientBroker(client, s.opts.ResilientBroker)
	return resilient, client.Close, nil
}

// maxConcurrentInstantiations bounds how many devices the supervisor
// brings up at once. Hardware models open a real serial port per
// device; an unbounded fan-out would let a large device catalogue
// exhaust file descriptors or overwhelm a USB hub all at boot.
const maxConcurrentInstantiations = 4

// launchRunners instantiates a driver for each configured device,
// queueing the (possibly blocking, e.g. serial-port-opening) instantiate
// calls onto a bounded worker pool, then starts one Runner per device
// as its driver comes up.
func (s *Supervisor) launchRunners(ctx context.Context) error {
	names := make([]string, 0, len(s.cfg.Devices))
	for name := range s.cfg.Devices {
		names = append(names, name)
	}
	sort.Strings(names)

	workers := maxConcurrentInstantiations
	if len(names) < workers {
		workers = len(names)
	}
	if workers == 0 {
		return nil
	}

	pool := concurrency.NewWorkerPool(workers, len(names))
	pool.Start(ctx)

	errs := make([]error, len(names))
	var wg sync.WaitGroup
	wg.Add(len(names))

	for i, name := range names {
		i, name := i, name
		pool.Submit(func(ctx context.Context) {
			defer wg.Done()
			device := s.cfg.Devices[name]
			drv, err := s.factory.Instantiate(ctx, factory.DeviceConfig{
				Model:          device.Model,
				Description:    device.Description,
				SerialPort:     device.SerialPort,
				BaudRate:       device.BaudRate,
				InitialVoltage: device.InitialVoltage,
				InitialCurrent: device.InitialCurrent,
				Bounds:         device.Bounds(),
			})
			if err != nil {
				errs[i] = fmt.Errorf("device %q: %w", name, err)
				return
			}
			s.startRunner(ctx, name, drv)
		})
	}

	wg.Wait()
	pool.Stop()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) startRunner(ctx context.Context, name string, drv driver.Driver) {
	rn := runner.New(Namespace, name, drv, s.broker)

	s.runnersMu.Lock()
	s.runners[name] = rn
	s.runnersMu.Unlock()

	concurrency.SafeGo(ctx, func() {
		if err := rn.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("runner exited abnormally", "instance", name, "error", err)
		}
	})
}

// Ready returns a channel closed once every configured Runner has been
// launched (not necessarily finished booting).
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Runner returns the Runner for a configured instance name, or false if
// none exists.
func (s *Supervisor) Runner(name string) (*runner.Runner, bool) {
	s.runnersMu.RLock()
	defer s.runnersMu.RUnlock()
	r, ok := s.runners[name]
	return r, ok
}

// Broker returns the broker this supervisor's Runners and Clients share.
func (s *Supervisor) Broker() messaging.Broker {
	return s.broker
}

// Config returns the loaded server configuration.
func (s *Supervisor) Config() *serverconfig.ServerConfig {
	return s.cfg
}

// Close releases the broker connection (and, if embedded, stops it).
func (s *Supervisor) Close() error {
	if s.closeBroker != nil {
		return s.closeBroker()
	}
	return nil
}
