// Command nultund runs the nultun proxy as a standalone daemon: it
// accepts inbound connections on --listen, relays them to --target, and
// by default behaves as a pure two-way relay (every message is mirrored
// to the peer unchanged) while logging state transitions and messages.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/nultun/nultun/internal/acceptor"
	"github.com/nultun/nultun/internal/loop"
	"github.com/nultun/nultun/internal/metrics"
	"github.com/nultun/nultun/internal/netconn"
	"github.com/nultun/nultun/internal/observer"
	"github.com/nultun/nultun/internal/proxysession"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "nultund"
	app.Usage = "transparent proxy for NUL-terminated message streams"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen, l", Value: ":7900", Usage: "local listen address"},
		cli.StringFlag{Name: "target, t", Value: "127.0.0.1:7901", Usage: "upstream target address"},
		cli.IntFlag{Name: "tickperiodms", Value: 1, Usage: "milliseconds the loop waits for work before a tick callback"},
		cli.IntFlag{Name: "highwater", Value: 1 << 20, Usage: "per-pipe high-water mark in bytes"},
		cli.IntFlag{Name: "lowwater", Value: 1 << 18, Usage: "per-pipe low-water mark in bytes"},
		cli.StringFlag{Name: "metricslog", Usage: "CSV metrics log path, e.g. metrics-20060102.csv"},
		cli.IntFlag{Name: "metricsperiod", Value: 0, Usage: "seconds between metrics snapshots, 0 disables"},
		cli.StringFlag{Name: "log", Usage: "redirect logging output to this file"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-message logging"},
		cli.StringFlag{Name: "c", Usage: "JSON config file overriding the flags above"},
	}

	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	config := Config{
		Listen:        c.String("listen"),
		Target:        c.String("target"),
		TickPeriodMS:  c.Int("tickperiodms"),
		HighWater:     c.Int("highwater"),
		LowWater:      c.Int("lowwater"),
		MetricsLog:    c.String("metricslog"),
		MetricsPeriod: c.Int("metricsperiod"),
		Log:           c.String("log"),
		Quiet:         c.Bool("quiet"),
	}

	if c.String("c") != "" {
		if err := parseJSONConfig(&config, c.String("c")); err != nil {
			return err
		}
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if config.LowWater > 0 && config.HighWater > 0 && config.LowWater >= config.HighWater {
		color.Red("warning: lowwater (%d) should be smaller than highwater (%d); backpressure will engage as soon as it is relieved", config.LowWater, config.HighWater)
	}

	log.Println("version:", VERSION)
	log.Println("listening on:", config.Listen)
	log.Println("target:", config.Target)
	log.Println("tickperiodms:", config.TickPeriodMS)

	counters := metrics.New()

	loggingObs := &loggingObserver{counters: counters, quiet: config.Quiet}
	obs := &observer.Echo{Inner: loggingObs}

	l := loop.New(obs.OnTick, func(err error) { log.Println("error:", err) }, config.TickPeriodMS)
	defer l.Dispose()

	go metrics.RunLogger(l.Context(), config.MetricsLog, time.Duration(config.MetricsPeriod)*time.Second, counters)

	pipeCfg := netconn.PipeConfig{HighWater: config.HighWater, LowWater: config.LowWater}
	a := acceptor.New(l, obs, func(err error) { log.Println("error:", err) }, pipeCfg, nil, nil)
	if err := a.Bind(config.Listen, config.Target); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	l.Dispose()
	return nil
}

// loggingObserver wraps message/state events with non-fatal logging and
// metrics bookkeeping. It is the Inner observer chained underneath the
// Echo relay, so it sees every event the relay sees without taking part
// in the relaying itself.
type loggingObserver struct {
	counters *metrics.Counters
	quiet    bool
}

func (o *loggingObserver) OnLocalMessage(s *proxysession.Session, msg []byte) {
	o.counters.MessagesLocal.Add(1)
	o.counters.LocalBytes.Add(int64(len(msg) + 1))
	if !o.quiet {
		log.Printf("local: %q", msg)
	}
}

func (o *loggingObserver) OnRemoteMessage(s *proxysession.Session, msg []byte) {
	o.counters.MessagesRemote.Add(1)
	o.counters.RemoteBytes.Add(int64(len(msg) + 1))
	if !o.quiet {
		log.Printf("remote: %q", msg)
	}
}

func (o *loggingObserver) OnClientStateChanged(s *proxysession.Session, connected bool) {
	if connected {
		o.counters.SessionsOpened.Add(1)
	} else {
		o.counters.SessionsClosed.Add(1)
	}
	if !o.quiet {
		log.Printf("session connected=%v", connected)
	}
}

func (o *loggingObserver) OnTick(elapsedMS int64) {
	o.counters.Ticks.Add(1)
	_ = elapsedMS
}
