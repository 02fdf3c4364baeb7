package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tunguard/application"
	"tunguard/domain/netstate"
	"tunguard/infrastructure/PAL/exec_commander"
	"tunguard/infrastructure/PAL/linux/network_tools/ip"
	"tunguard/infrastructure/PAL/linux/network_tools/netfilter"
	"tunguard/infrastructure/PAL/linux/network_tools/sysctl"
	"tunguard/infrastructure/health"
	"tunguard/infrastructure/lifecycle"
	"tunguard/infrastructure/policy"
	"tunguard/infrastructure/state"
	"tunguard/infrastructure/tunnel/openvpn"
	"tunguard/infrastructure/tunnel/wireguard"
	"tunguard/presentation/control"
	"tunguard/presentation/elevation"
	"tunguard/presentation/profile_selection"
	"tunguard/settings"
	"tunguard/settings/profiles"
)

const (
	PackageName = "tunguard"

	CommandStart  = "start"
	CommandStop   = "stop"
	CommandRotate = "rotate"
	CommandStatus = "status"
	CommandServe  = "serve"
	CommandSelect = "select"
)

func main() {
	command := ""
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	conf, confErr := settings.Load()
	if confErr != nil {
		fmt.Println(confErr)
		os.Exit(1)
	}

	appCtx, appCtxCancel := context.WithCancel(context.Background())
	defer appCtxCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupt received. Shutting down...")
		appCtxCancel()
	}()

	switch command {
	case CommandStart, CommandStop, CommandRotate, CommandServe:
		if !elevation.NewProcessElevation().IsElevated() {
			fmt.Printf("Warning: %s %s must be run with admin privileges\n", PackageName, command)
			os.Exit(1)
		}
		engine, cleanup, buildErr := buildEngine(conf)
		if buildErr != nil {
			log.Fatal(buildErr)
		}
		defer cleanup()
		if err := runCommand(appCtx, command, conf, engine); err != nil {
			log.Println(err)
			os.Exit(1)
		}
	case CommandStatus:
		engine, cleanup, buildErr := buildEngine(conf)
		if buildErr != nil {
			log.Fatal(buildErr)
		}
		defer cleanup()
		report, statusErr := engine.Status(appCtx)
		if statusErr != nil {
			log.Println(statusErr)
			os.Exit(1)
		}
		fmt.Print(control.FormatReport(report))
	case CommandSelect:
		observer := profiles.NewDefaultObserver(conf.ProfileDir, conf.Backend)
		selector := profiles.NewDefaultSelector(conf.ProfileDir, observer)
		if err := profile_selection.Run(observer, selector); err != nil {
			log.Println(err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, command string, conf settings.Settings, engine *lifecycle.Orchestrator) error {
	switch command {
	case CommandStart:
		return engine.Start(ctx)
	case CommandStop:
		return engine.Stop()
	case CommandRotate:
		return engine.Rotate(ctx)
	case CommandServe:
		if conf.ControlAddr == "" {
			return fmt.Errorf("serve requires TUNGUARD_CONTROL_ADDR")
		}
		return control.NewServer(conf.ControlAddr, conf.ControlToken, engine).Run(ctx)
	}
	return fmt.Errorf("unknown command %q", command)
}

func buildEngine(conf settings.Settings) (*lifecycle.Orchestrator, func(), error) {
	commander := exec_commander.NewExecCommander()

	packetFilter, detection, detectErr := netfilter.NewFactory(commander).Detect()
	if detectErr != nil {
		return nil, nil, detectErr
	}
	log.Printf("packet filter backend: %s (%s)", detection.Kind, detection.Reason)

	clock := application.SystemClock{}
	ipWrapper := ip.NewWrapper(commander)
	routes := policy.NewRouteManager(ipWrapper)
	observer := profiles.NewDefaultObserver(conf.ProfileDir, conf.Backend)

	engine := lifecycle.NewOrchestrator(
		lifecycle.Config{
			Enabled:     conf.Enabled,
			FailureMode: conf.FailureMode,
			HealthURL:   conf.HealthURL,
			Interface:   conf.Interface,
			LANDev:      conf.LANDev,
			GatewayMode: conf.GatewayMode,
		},
		lifecycle.Deps{
			Adapters: map[netstate.Backend]application.TunnelAdapter{
				netstate.BackendWireguard: wireguard.NewAdapter(commander, conf.Interface),
				netstate.BackendOpenvpn:   openvpn.NewAdapter(commander, ipWrapper, clock, conf.Interface, conf.CredentialFile),
			},
			KillSwitch: policy.NewKillSwitch(packetFilter),
			Gateway:    policy.NewGatewayManager(packetFilter, sysctl.NewWrapper(commander)),
			Exemptions: policy.NewExemptions(routes),
			Selector:   profiles.NewDefaultSelector(conf.ProfileDir, observer),
			Prober:     health.NewChecker(clock, health.DefaultConfig(), conf.HealthURL),
			Routes:     routes,
			Store:      state.NewStore(conf.StateFile),
		},
	)

	cleanup := func() {
		if closer, ok := packetFilter.(io.Closer); ok {
			_ = closer.Close()
		}
	}
	return engine, cleanup, nil
}

func printUsage() {
	fmt.Printf(`Usage: %s <command>
Commands:
  %s   - bring up a tunnel and engage the kill switch
  %s    - tear the tunnel down (failure mode decides the end posture)
  %s  - switch to a different profile
  %s  - report the current posture
  %s   - expose start/stop/rotate/status over the control surface
  %s  - pick the preferred profile interactively
`, PackageName, CommandStart, CommandStop, CommandRotate, CommandStatus, CommandServe, CommandSelect)
}
