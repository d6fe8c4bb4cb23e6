// Command psud is the power-supply control-plane daemon: it loads a
// server configuration, boots (or connects to) an MQTT broker, and runs
// one Runner per configured device.
//
// Grounded on the go-flags Commander pattern estuary-flow's flowctl and
// ingester binaries use: one struct per subcommand implementing
// Execute([]string) error, registered on a flags.Parser.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/orbitlab/psuctl/internal/factory"
	"github.com/orbitlab/psuctl/internal/mcpbridge"
	"github.com/orbitlab/psuctl/internal/serverconfig"
	"github.com/orbitlab/psuctl/internal/supervisor"
	"github.com/orbitlab/psuctl/pkg/concurrency"
	"github.com/orbitlab/psuctl/pkg/config"
	"github.com/orbitlab/psuctl/pkg/logger"
	"github.com/orbitlab/psuctl/pkg/messaging"
)

const (
	defaultConfigDir  = "/etc/psud"
	defaultConfigFile = "psud.json5"
	defaultManifest   = "/var/run/psud/manifest.json"
)

type commonOpts struct {
	ConfigDir string `long:"config-dir" description:"directory holding the server configuration" default:"/etc/psud"`
}

type cmdList struct {
	commonOpts
	MCPs    bool `long:"mcps" description:"list configured MCP bridge endpoints"`
	Drivers bool `long:"drivers" description:"list registered driver models"`
	Devices bool `long:"devices" description:"list configured device instances"`
}

func (c *cmdList) Execute(_ []string) error {
	showAll := !c.MCPs && !c.Drivers && !c.Devices

	if c.Drivers || showAll {
		for _, m := range factory.New().Manifests() {
			fmt.Printf("%s\t%s\n", m.Model, m.Description)
		}
	}

	if !c.Devices && !c.MCPs && !showAll {
		return nil
	}

	cfg, err := serverconfig.Load(configPath(c.ConfigDir))
	if err != nil {
		return err
	}

	if c.Devices || showAll {
		names := make([]string, 0, len(cfg.Devices))
		for name := range cfg.Devices {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s\t%s\n", name, cfg.Devices[name].Model)
		}
	}

	if c.MCPs || showAll {
		if cfg.MCP.Enable {
			fmt.Printf("%s:%d\n", cfg.MCP.Host, cfg.MCP.Port)
		}
	}

	return nil
}

type cmdRun struct {
	commonOpts
	NoTUI     bool `long:"no-tui" description:"disable the terminal UI"`
	NoBroker  bool `long:"no-broker" description:"do not start the embedded broker even if configured"`
	NoMCP     bool `long:"no-mcp" description:"do not start the MCP bridge even if configured"`
	NoRunners bool `long:"no-runners" description:"do not launch any device Runners"`
	NoTraces  bool `long:"no-traces" description:"disable OpenTelemetry span instrumentation"`
}

func (c *cmdRun) Execute(_ []string) error {
	var logCfg logger.Config
	if err := config.Load(&logCfg); err != nil {
		return err
	}
	logger.Init(logCfg)

	var resilientCfg messaging.ResilientBrokerConfig
	if err := config.Load(&resilientCfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sv, err := supervisor.New(ctx, supervisor.Options{
		ConfigDir:       c.ConfigDir,
		ConfigPath:      configPath(c.ConfigDir),
		ManifestPath:    defaultManifest,
		NoBroker:        c.NoBroker,
		NoMCP:           c.NoMCP,
		NoRunners:       c.NoRunners,
		NoTraces:        c.NoTraces,
		ResilientBroker: resilientCfg,
	})
	if err != nil {
		return err
	}
	defer sv.Close()

	if !c.NoMCP && sv.Config().MCP.Enable {
		bridge := mcpbridge.New(supervisor.Namespace, sv.Broker())
		addr := fmt.Sprintf("%s:%d", sv.Config().MCP.Host, sv.Config().MCP.Port)
		concurrency.SafeGo(ctx, func() {
			if err := mcpbridge.Serve(ctx, addr, bridge); err != nil {
				logger.L().Error("mcp bridge stopped", "error", err)
			}
		})
	}

	<-sv.Ready()
	logger.L().Info("psud ready")

	<-ctx.Done()
	logger.L().Info("psud shutting down")
	return nil
}

func configPath(dir string) string {
	if dir == "" {
		dir = defaultConfigDir
	}
	return dir + "/" + defaultConfigFile
}

func main() {
	parser := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	if _, err := parser.AddCommand("list", "List configured drivers, devices, or MCP endpoints", "", &cmdList{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.AddCommand("run", "Start the control-plane daemon", "", &cmdRun{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
