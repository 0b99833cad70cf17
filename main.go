package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"

	"github.com/kailun2047/nixtrace/instrumentation"
	"github.com/kailun2047/nixtrace/logging"
	"github.com/kailun2047/nixtrace/tracer"
	"golang.org/x/sys/unix"
)

const (
	exitOK           = 0
	exitRuntimeError = 1
	exitUsage        = 2
)

var errUsage = errors.New("expected exactly one TARGET_PATH")

var (
	outputPath         = flag.String("output", tracer.DefaultOutputPath, "trace file events are appended to")
	bpfProg            = flag.String("bpfprog", "nixtrace.o", "compiled BPF object built from bpf/nixtrace.bpf.c")
	pagesPerCPU        = flag.Int("pages", instrumentation.DefaultPagesPerCPU, "perf buffer size in pages per CPU")
	writeBufferSize    = flag.Int("write-buffer", tracer.DefaultWriteBufferSize, "size in bytes of the output write buffer")
	provider           = flag.String("provider", "", "only attach markers of this stapsdt provider (default: any)")
	pid                = flag.Int("pid", 0, "only trace this process (default: every process using the target)")
	dropReportInterval = flag.Duration("drop-report-interval", tracer.DefaultDropReportInterval, "minimum interval between dropped-event warnings")
	loggingMode        = flag.String("logging", "production", "logging mode: production or development")
	cpuprofile         = flag.String("cpuprofile", "", "write cpu profile to `file`")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "USAGE: %s [flags] TARGET_PATH\n\n", os.Args[0])
	fmt.Fprintf(out, "TARGET_PATH is the interpreter binary or library exposing the markers. It must\n"+
		"provide a stapsdt marker for each of the %d catalog probes, including\n"+
		"concat_strings__in and concat_strings__out; builds without them fail to attach.\n\nFlags:\n",
		len(instrumentation.ProbeCatalog()))
	flag.PrintDefaults()
}

// targetFromArgs validates the positional arguments left after flag parsing.
func targetFromArgs(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w, got %d arguments", errUsage, len(args))
	}
	return args[0], nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	default:
		return exitRuntimeError
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()
	target, err := targetFromArgs(flag.Args())
	if err != nil {
		fmt.Fprintln(flag.CommandLine.Output(), err)
		flag.Usage()
		os.Exit(exitCode(err))
	}
	os.Exit(exitCode(run(target)))
}

// run traces targetPath until SIGINT or SIGTERM. Errors are logged before
// they are returned.
func run(targetPath string) error {
	logging.InitZapLogger(*loggingMode)
	defer logging.Sync()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logging.Logger().Errorf("Could not create CPU profile: %v", err)
			return err
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			logging.Logger().Errorf("Could not start CPU profile: %v", err)
			return err
		}
		defer pprof.StopCPUProfile()
	}

	interpreter, err := instrumentation.NewELFInterpreter(targetPath)
	if err != nil {
		logging.Logger().Errorf("Inspect target: %v", err)
		return err
	}
	defer interpreter.Close()

	instrumentor := instrumentation.NewInstrumentor(interpreter, *bpfProg,
		instrumentation.WithProvider(*provider),
		instrumentation.WithPID(*pid),
		instrumentation.WithPagesPerCPU(*pagesPerCPU),
	)
	t := tracer.New(func(catalog []instrumentation.ProbeDescriptor) (tracer.Attachment, error) {
		set, err := instrumentor.Attach(catalog)
		if err != nil {
			return nil, err
		}
		return set, nil
	}, tracer.Config{
		OutputPath:         *outputPath,
		WriteBufferSize:    *writeBufferSize,
		DropReportInterval: *dropReportInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := t.Run(ctx); err != nil {
		var attachErr *instrumentation.AttachError
		if errors.As(err, &attachErr) {
			logging.Logger().Errorf("Cannot instrument %s: %v", targetPath, err)
		} else {
			logging.Logger().Errorf("Trace failed: %v", err)
		}
		return err
	}
	return nil
}
