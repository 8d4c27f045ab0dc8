// Command llcd runs the link layer controller, either behind a host
// transport or against a scripted host in simulated time.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/config"
	"github.com/rigado/llc/controller"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/hci/h4"
	"github.com/rigado/llc/hci/vhci"
	"github.com/rigado/llc/radio"
	"github.com/urfave/cli"
)

// interruptDepth is the queue depth of the interrupt domain of the system
// clock.
const interruptDepth = 256

var (
	flgConfig   = cli.StringFlag{Name: "config, c", Value: "llc.json", Usage: "configuration file"}
	flgLogLevel = cli.StringFlag{Name: "log, l", Value: "info", Usage: "log level (debug, info, warn, error)"}
)

func main() {
	app := cli.NewApp()

	app.Name = "llcd"
	app.Usage = "BLE link layer controller, central role"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{flgConfig, flgLogLevel}
	app.Before = func(c *cli.Context) error {
		return errors.Wrap(llc.SetLogLevel(c.String("log")), "can't set log level")
	}

	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Serve HCI on the configured transport, on the simulated air",
			Action: serve,
		},
		{
			Name:   "sim",
			Usage:  "Scan or connect in simulated time and print the HCI events",
			Action: sim,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Value: clock.Second.Std(), Usage: "simulated scan or connect duration"},
				cli.BoolFlag{Name: "active", Usage: "active scanning"},
				cli.BoolFlag{Name: "dup", Usage: "filter duplicate reports"},
				cli.StringFlag{Name: "connect", Usage: "address of the advertiser to connect to"},
				cli.BoolTFlag{Name: "random", Usage: "the connect address is random"},
			},
		},
		{
			Name:   "init",
			Usage:  "Write the default configuration",
			Action: initConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

func initConfig(c *cli.Context) error {
	name := c.GlobalString("config")
	if _, err := os.Stat(name); err == nil {
		return errors.Errorf("%v exists", name)
	}
	return config.Store(name, config.Default())
}

func openTransport(t config.Transport) (hci.Transport, error) {
	switch t.Kind {
	case config.TransportUART:
		opts := h4.DefaultSerialOptions()
		opts.PortName = t.Port
		if t.Baud != 0 {
			opts.BaudRate = t.Baud
		}
		return h4.Open(opts)
	case config.TransportVHCI:
		v, err := vhci.Open()
		if err != nil {
			return nil, err
		}
		llc.GetLogger().Infof("virtual controller hci%d", v.Index())
		return v, nil
	default:
		return nil, errors.Errorf("unknown transport %q", t.Kind)
	}
}

func serve(c *cli.Context) error {
	f, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}
	cfg, err := f.Controller()
	if err != nil {
		return err
	}

	clk := clock.NewSystem(interruptDepth)
	defer clk.Close()
	w := radio.NewWorld()
	if err := f.Populate(w); err != nil {
		return err
	}
	ctl, err := controller.New(clk, radio.NewSim(clk, w), cfg,
		llc.OptErrorHandler(func(err error) { llc.GetLogger().Warn(err) }))
	if err != nil {
		return err
	}
	defer ctl.Close()

	t, err := openTransport(f.Transport)
	if err != nil {
		return err
	}
	defer t.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	fmt.Printf("Serving %v on %v ...\n", cfg.Addr, f.Transport.Kind)
	err = ctl.Serve(ctx, t)
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}
