package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/sx127x-binder/core"
	"github.com/signalsfoundry/sx127x-binder/internal/codegen"
	"github.com/signalsfoundry/sx127x-binder/internal/live"
	"github.com/signalsfoundry/sx127x-binder/internal/logging"
	"github.com/signalsfoundry/sx127x-binder/internal/observability"
	"github.com/signalsfoundry/sx127x-binder/kb"
)

// Config holds the command line options.
type Config struct {
	Input       string
	Output      string
	Live        bool
	Calls       bool
	BusPorts    busPorts
	MetricsFile string
	Transmit    timings
}

// busPorts maps spi bus ids to periph port names, e.g. spi=/dev/spidev0.0.
type busPorts map[string]string

func (b busPorts) String() string {
	pairs := make([]string, 0, len(b))
	for id, port := range b {
		pairs = append(pairs, id+"="+port)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (b busPorts) Set(v string) error {
	id, port, ok := strings.Cut(v, "=")
	if !ok || id == "" || port == "" {
		return fmt.Errorf("expected bus=port, got %q", v)
	}
	b[id] = port
	return nil
}

// timings is a comma separated list of raw transmitter timings in
// microseconds. Positive values are marks, negative values are spaces.
type timings []int32

func (t *timings) String() string {
	parts := make([]string, 0, len(*t))
	for _, v := range *t {
		parts = append(parts, strconv.FormatInt(int64(v), 10))
	}
	return strings.Join(parts, ",")
}

func (t *timings) Set(v string) error {
	var out []int32
	for _, field := range strings.Split(v, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(field), 10, 32)
		if err != nil {
			return fmt.Errorf("timing %q: %w", field, err)
		}
		if n == 0 {
			return errors.New("timings must be non-zero")
		}
		out = append(out, int32(n))
	}
	*t = out
	return nil
}

func main() {
	cfg := Config{BusPorts: busPorts{}}
	flag.StringVar(&cfg.Output, "o", "", "write generated source to this file instead of stdout")
	flag.BoolVar(&cfg.Live, "live", false, "drive attached radios through periph instead of generating source")
	flag.BoolVar(&cfg.Calls, "calls", false, "print the driver calls of every radio instead of source")
	flag.Var(cfg.BusPorts, "spi-port", "map a spi bus id to a periph port (bus=port), repeatable")
	flag.StringVar(&cfg.MetricsFile, "metrics-file", "", "with -live, write radio metrics in Prometheus text format to this file")
	flag.Var(&cfg.Transmit, "transmit", "with -live, send these mark/space timings (us, comma separated) through every transmitter after setup")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <document.yaml | ->\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	cfg.Input = flag.Arg(0)

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := execute(ctx, cfg, log, os.Stdin); err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			for _, v := range verr.Violations {
				fmt.Fprintf(os.Stderr, "%s: %s\n", v.Path, v.Message)
			}
			stop()
			os.Exit(2)
		}
		log.Error(ctx, "sx127x-gen failed", logging.Err(err))
		stop()
		os.Exit(1)
	}
}

// execute runs cfg and writes the result to cfg.Output, or stdout when it is
// empty. Nothing is written unless the run succeeds.
func execute(ctx context.Context, cfg Config, log logging.Logger, stdin io.Reader) error {
	var out bytes.Buffer
	if err := run(ctx, cfg, log, stdin, &out); err != nil {
		return err
	}
	if cfg.Output == "" {
		_, err := os.Stdout.Write(out.Bytes())
		return err
	}
	if err := os.WriteFile(cfg.Output, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func run(ctx context.Context, cfg Config, log logging.Logger, stdin io.Reader, out io.Writer) error {
	in := stdin
	if cfg.Input != "-" {
		f, err := os.Open(cfg.Input)
		if err != nil {
			return fmt.Errorf("open document: %w", err)
		}
		defer f.Close()
		in = f
	}

	binder := core.NewBinder(log)
	doc, err := binder.LoadDocument(in)
	if err != nil {
		return err
	}

	if cfg.Live {
		return runLive(ctx, cfg, log, binder, doc)
	}

	gen := codegen.NewGenerator(kb.NewKnowledgeBase(), log)
	bindings, err := binder.TranslateDocument(ctx, gen, doc)
	if err != nil {
		return err
	}
	if cfg.Calls {
		for _, b := range bindings {
			fmt.Fprintf(out, "%s:\n", b.Config.ID)
			for _, c := range b.Calls {
				fmt.Fprintf(out, "  %s\n", c)
			}
		}
		return nil
	}
	_, err = io.WriteString(out, gen.Render())
	return err
}

func runLive(ctx context.Context, cfg Config, log logging.Logger, binder *core.Binder, doc *core.Document) error {
	if err := live.Init(); err != nil {
		return err
	}
	radioMetrics, err := observability.NewRadioCollector(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	opts := []live.Option{live.WithMetricsRecorder(radioMetrics)}
	for id, port := range cfg.BusPorts {
		opts = append(opts, live.WithBusPort(id, port))
	}
	host := live.NewHost(log, opts...)
	defer func() {
		if err := host.Close(); err != nil {
			log.Warn(ctx, "closing spi ports failed", logging.Err(err))
		}
	}()

	if _, err := binder.TranslateDocument(ctx, host, doc); err != nil {
		return err
	}
	err = host.Setup(ctx)
	if cfg.MetricsFile != "" {
		if werr := writeMetricsFile(cfg.MetricsFile, radioMetrics); werr != nil {
			log.Warn(ctx, "writing radio metrics failed", logging.String("path", cfg.MetricsFile), logging.Err(werr))
		}
	}
	if err != nil {
		return err
	}
	host.DumpConfig(ctx)

	if len(cfg.Transmit) == 0 {
		return nil
	}
	return transmit(ctx, host.Components(), cfg.Transmit)
}

// writeMetricsFile snapshots the radio metrics in the text exposition format,
// for node_exporter's textfile collector.
func writeMetricsFile(path string, c *observability.RadioCollector) error {
	return prometheus.WriteToTextfile(path, c.Gatherer())
}

// transmit sends t through every transmitter among components. It fails when
// the document declares none.
func transmit(ctx context.Context, components []live.Component, t []int32) error {
	sent := 0
	for _, c := range components {
		tx, ok := c.(*live.GPIOTransmitter)
		if !ok {
			continue
		}
		if err := tx.Transmit(ctx, t); err != nil {
			return err
		}
		sent++
	}
	if sent == 0 {
		return errors.New("-transmit needs a remote_transmitter in the document")
	}
	return nil
}
