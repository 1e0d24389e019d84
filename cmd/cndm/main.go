// Command cndm attaches to a cndm NIC, or to the built-in device model, and
// moves traffic through its ports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/urfave/cli/v2"

	"github.com/ehrlich-b/go-cndm"
	"github.com/ehrlich-b/go-cndm/backend"
	"github.com/ehrlich-b/go-cndm/internal/dma"
	"github.com/ehrlich-b/go-cndm/internal/logging"
	"github.com/ehrlich-b/go-cndm/internal/sim"
)

var logger = logging.Default()

var (
	configFile string
	logLevel   string
	pcapFile   string
)

var pcapFlag = &cli.StringFlag{
	Name:        "pcap",
	Usage:       "write received frames to a pcapng `file`",
	Destination: &pcapFile,
}

// openCapture returns the handler chain behind the probe counter
func openCapture(next cndm.Handler) (cndm.Handler, func() error, error) {
	if pcapFile == "" {
		return next, func() error { return nil }, nil
	}
	p, err := backend.CreatePcap(pcapFile, next)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

var app = &cli.App{
	Usage:                "Userspace data plane for the cndm NIC.",
	EnableBashCompletion: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "device parameters `file` (YAML)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log `level` (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
	},
	Before: func(c *cli.Context) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		cfg := logging.DefaultConfig()
		cfg.Level = level
		logger = logging.NewLogger(cfg)
		logging.SetDefault(logger)
		return nil
	},
	Commands: []*cli.Command{
		{
			Name:  "defaults",
			Usage: "Print the default device parameters as YAML",
			Action: func(c *cli.Context) error {
				return dumpParams(cndm.DefaultParams())
			},
		},
		simCommand,
		attachCommand,
	},
}

var simCommand = &cli.Command{
	Name:  "sim",
	Usage: "Send UDP probes through the simulated device in loopback",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "ports", Value: 1, Usage: "number of ports"},
		&cli.IntFlag{Name: "count", Value: 1000, Usage: "probes per port"},
		&cli.IntFlag{Name: "size", Value: 64, Usage: "probe payload `bytes`"},
		&cli.BoolFlag{Name: "tx-timestamps", Usage: "report transmit timestamps"},
		pcapFlag,
	},
	Action: func(c *cli.Context) error {
		params, err := loadParams(configFile)
		if err != nil {
			return err
		}

		alloc := dma.NewHeapAllocator(dma.HeapConfig{})
		model := sim.New(sim.Config{Ports: c.Int("ports"), Vectors: params.IRQCount, Loopback: true}, alloc)

		recent := backend.NewMemory(16)
		capture, closeCapture, err := openCapture(recent)
		if err != nil {
			return err
		}
		defer closeCapture()
		counter := newProbeCounter(capture)

		d, err := cndm.Attach(model, alloc, params, &cndm.Options{
			Handler:    counter,
			Interrupts: model.Interrupts(),
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer d.Detach()

		ports, err := startPorts(c.Context, d, c.Bool("tx-timestamps"))
		if err != nil {
			return err
		}

		count := c.Int("count")
		payload := make([]byte, c.Int("size"))
		// loopback frames land in the RX ring, so stay within what is posted
		window := uint64(max(params.RxFillTarget/2, 1))
		var sent uint64
		start := time.Now()
		for _, p := range ports {
			b := newProbeBuilder(p.HardwareAddr())
			for i := 0; i < count; i++ {
				for sent-counter.frames.Load() >= window {
					if err := c.Context.Err(); err != nil {
						return err
					}
					time.Sleep(10 * time.Microsecond)
				}
				frame, err := b.Build(payload)
				if err != nil {
					return err
				}
				if err := sendWithRetry(c.Context, p, frame); err != nil {
					return err
				}
				sent++
			}
		}

		want := uint64(count * len(ports))
		deadline := time.Now().Add(5 * time.Second)
		for counter.frames.Load() < want && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		elapsed := time.Since(start)

		fmt.Printf("probes: sent %s, received %s (%s other) in %s\n",
			humanize.Comma(int64(want)),
			humanize.Comma(int64(counter.probes.Load())),
			humanize.Comma(int64(counter.other.Load())),
			elapsed.Round(time.Microsecond))
		if ts := counter.lastTS.Load(); ts != nil {
			fmt.Printf("last rx timestamp: %s\n", ts)
		}
		if n := counter.txTS.Load(); n > 0 {
			fmt.Printf("tx timestamps: %s\n", humanize.Comma(int64(n)))
		}
		if last, ok := recent.Last(); ok {
			pkt := gopacket.NewPacket(last.Data, layers.LayerTypeEthernet, gopacket.Default)
			fmt.Printf("last frame on port %d:\n%s", last.Port, pkt.String())
		}
		printStats(d.Stats())

		if counter.frames.Load() < want {
			return fmt.Errorf("received %d of %d probes", counter.frames.Load(), want)
		}
		return nil
	},
}

var attachCommand = &cli.Command{
	Name:      "attach",
	Usage:     "Attach to a device bound to uio_pci_generic and receive until interrupted",
	ArgsUsage: "[PCI address]",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "stats-interval", Value: 10 * time.Second, Usage: "statistics print `interval`"},
		&cli.BoolFlag{Name: "tx-timestamps", Usage: "report transmit timestamps"},
		pcapFlag,
	},
	Action: func(c *cli.Context) error {
		params, err := loadParams(configFile)
		if err != nil {
			return err
		}
		if c.NArg() > 0 {
			params.PCIAddress = c.Args().First()
		}
		if params.PCIAddress == "" {
			return cli.Exit("PCI address required", 2)
		}

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		capture, closeCapture, err := openCapture(nil)
		if err != nil {
			return err
		}
		defer closeCapture()
		counter := newProbeCounter(capture)
		d, err := cndm.Open(ctx, params, &cndm.Options{Handler: counter, Logger: logger})
		if err != nil {
			return err
		}
		defer d.Detach()

		if _, err := startPorts(ctx, d, c.Bool("tx-timestamps")); err != nil {
			return err
		}
		if clock := d.Clock(); clock != nil {
			fmt.Printf("PTP clock %s: %s\n", clock.Name(), clock.GetTime())
		}

		ticker := time.NewTicker(c.Duration("stats-interval"))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("received shutdown signal")
				printStats(d.Stats())
				return nil
			case <-ticker.C:
				printStats(d.Stats())
			}
		}
	},
}

func startPorts(ctx context.Context, d *cndm.Device, txTimestamps bool) ([]*cndm.Port, error) {
	var ports []*cndm.Port
	for i := 0; i < d.NumPorts(); i++ {
		p, err := d.CreatePort(i)
		if err != nil {
			return nil, err
		}
		if txTimestamps {
			if _, err := p.SetHWTimestamp(cndm.HWTimestampConfig{TxType: cndm.TxTimestampOn, RxFilter: cndm.RxFilterAll}); err != nil {
				return nil, err
			}
		}
		if err := p.Start(ctx); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// sendWithRetry transmits frame, backing off while the TX ring is full
func sendWithRetry(ctx context.Context, p *cndm.Port, frame []byte) error {
	for {
		err := p.Transmit(frame)
		if !cndm.IsCode(err, cndm.ErrCodeQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Microsecond):
		}
	}
}

func printStats(s cndm.MetricsSnapshot) {
	fmt.Printf("rx: %s frames, %s (%s dropped)\n",
		humanize.Comma(int64(s.RxPackets)), humanize.Bytes(s.RxBytes), humanize.Comma(int64(s.RxDropped)))
	fmt.Printf("tx: %s frames, %s (%s busy)\n",
		humanize.Comma(int64(s.TxPackets)), humanize.Bytes(s.TxBytes), humanize.Comma(int64(s.TxBusy)))
	fmt.Printf("doorbells: %s, refills: %s, mailbox: %d commands, %d errors, %d timeouts\n",
		humanize.Comma(int64(s.Doorbells)), humanize.Comma(int64(s.Refills)),
		s.MailboxCommands, s.MailboxErrors, s.MailboxTimeouts)
	fmt.Printf("polls: %s, batch p50 %d p99 %d, %s/s rx\n",
		humanize.Comma(int64(s.Polls)), s.BatchP50, s.BatchP99, humanize.Bytes(uint64(s.RxBandwidth)))
}

func main() {
	if err := app.Run(os.Args); err != nil {
		logger.Error("app exit", "error", err)
		os.Exit(1)
	}
}
