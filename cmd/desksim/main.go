package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/simulator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		controlPort = flag.String("control-port", "8081", "Control API port")
		backendURL  = flag.String("backend-url", "http://localhost:8080", "Desk backend URL")
		token       = flag.String("token", "", "Bearer token passed to the console websocket")
		attendants  = flag.Int("attendants", 10, "Number of simulated attendants")
		managers    = flag.Int("managers", 2, "Number of simulated managers")
		factor      = flag.Float64("factor", 1.0, "Traffic rate multiplier")
		minHandle   = flag.Duration("min-handle", 20*time.Second, "Minimum time an agent keeps a conversation open")
		maxHandle   = flag.Duration("max-handle", 90*time.Second, "Maximum time an agent keeps a conversation open")
		rampUp      = flag.Duration("ramp-up", 100*time.Millisecond, "Delay between console connections")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "desksim").
		Logger()

	logger.Info().Msg("starting desk simulator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traffic := simulator.NewTrafficGenerator(simulator.NewInboxClient(*backendURL), logger)
	traffic.SetFactor(*factor)

	fleet := simulator.NewFleet(simulator.FleetConfig{
		BackendURL:  *backendURL,
		Token:       *token,
		Attendants:  *attendants,
		Managers:    *managers,
		MinHandle:   *minHandle,
		MaxHandle:   *maxHandle,
		RampUpDelay: *rampUp,
	}, traffic, logger)

	control := simulator.NewControlAPI(fleet, traffic, logger)
	go func() {
		addr := fmt.Sprintf(":%s", *controlPort)
		if err := control.Start(ctx, addr); err != nil {
			logger.Error().Err(err).Msg("control API stopped")
		}
	}()

	done := make(chan struct{})
	go func() {
		fleet.Run(ctx)
		close(done)
	}()

	logger.Info().
		Str("control_api", fmt.Sprintf("http://localhost:%s", *controlPort)).
		Str("backend_url", *backendURL).
		Int("consoles", len(fleet.Consoles())).
		Msg("desk simulator ready")

	printUsage(*controlPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down desk simulator")
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("simulator did not stop in time")
	}

	stats, _ := fleet.Summary()
	logger.Info().
		Int64("messages_sent", traffic.Stats().Sent).
		Int64("assignments", stats.Assignments).
		Int64("closed", stats.Closed).
		Msg("simulation finished")
}

func printUsage(port string) {
	fmt.Println()
	fmt.Println("Desk simulator control API")
	fmt.Println()
	fmt.Println("Available endpoints:")
	fmt.Printf("  GET  http://localhost:%s/health          - Health check\n", port)
	fmt.Printf("  GET  http://localhost:%s/stats           - Console and traffic counters\n", port)
	fmt.Printf("  GET  http://localhost:%s/traffic         - Current channel rates\n", port)
	fmt.Printf("  PUT  http://localhost:%s/traffic         - Update rates\n", port)
	fmt.Printf("  POST http://localhost:%s/traffic/inject  - Send a burst of messages\n", port)
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  curl -X PUT http://localhost:%s/traffic -d '{\"factor\":3}'\n", port)
	fmt.Printf("  curl -X POST http://localhost:%s/traffic/inject -d '{\"count\":20,\"channel\":\"whatsapp\"}'\n", port)
	fmt.Println()
}
