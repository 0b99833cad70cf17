package instrumentation

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/kailun2047/nixtrace/logging"
	"golang.org/x/sys/unix"
)

// Names inside the BPF object built from bpf/nixtrace.bpf.c.
const (
	bpfProgTraceUSDT = "trace_usdt"
	bpfMapEvents     = "events"
	bpfMapProbeSpecs = "probe_specs"

	DefaultPagesPerCPU = 1024
)

var (
	ErrMarkerNotFound = errors.New("marker not found in target")
	ErrArityMismatch  = errors.New("marker argument count does not match probe kind")
)

// AttachError reports the probe that could not be bound to the target.
type AttachError struct {
	Probe string
	Err   error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach probe %s: %v", e.Probe, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

type Instrumentor struct {
	interpreter *ELFInterpreter
	bpfProg     string
	provider    string
	pid         int
	pagesPerCPU int
}

type InstrumentorOption func(*Instrumentor)

// WithProvider restricts markers to one stapsdt provider.
func WithProvider(provider string) InstrumentorOption {
	return func(in *Instrumentor) {
		in.provider = provider
	}
}

// WithPID only traces the given process. Zero traces every process mapping
// the target.
func WithPID(pid int) InstrumentorOption {
	return func(in *Instrumentor) {
		in.pid = pid
	}
}

func WithPagesPerCPU(pages int) InstrumentorOption {
	return func(in *Instrumentor) {
		in.pagesPerCPU = pages
	}
}

func NewInstrumentor(interpreter *ELFInterpreter, bpfProg string, opts ...InstrumentorOption) *Instrumentor {
	in := &Instrumentor{
		interpreter: interpreter,
		bpfProg:     bpfProg,
		pagesPerCPU: DefaultPagesPerCPU,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// attachSite is one marker site resolved against the target file, ready to
// receive a uprobe.
type attachSite struct {
	desc       ProbeDescriptor
	fileOffset uint64
	refCtrOff  uint64
	spec       probeSpec
}

// resolveSites maps every catalog entry to its marker sites and validates
// them. Nothing is created in the kernel here, so a failure leaves no state
// behind.
func (in *Instrumentor) resolveSites(catalog []ProbeDescriptor) ([]attachSite, error) {
	var sites []attachSite
	for _, desc := range catalog {
		markers := in.interpreter.FindMarkers(in.provider, desc.Name)
		if len(markers) == 0 {
			return nil, &AttachError{Probe: desc.Name, Err: ErrMarkerNotFound}
		}
		for _, marker := range markers {
			site, err := in.resolveSite(desc, marker)
			if err != nil {
				return nil, &AttachError{Probe: desc.Name, Err: err}
			}
			sites = append(sites, site)
		}
	}
	return sites, nil
}

func (in *Instrumentor) resolveSite(desc ProbeDescriptor, marker Marker) (attachSite, error) {
	site := attachSite{desc: desc}
	args, err := parseUSDTArgs(in.interpreter.Machine(), marker.Args)
	if err != nil {
		return site, fmt.Errorf("marker at 0x%x: %w", marker.PC, err)
	}
	if len(args) != desc.Kind.Arity() {
		return site, fmt.Errorf("%w: marker at 0x%x declares %d, %v probes need %d",
			ErrArityMismatch, marker.PC, len(args), desc.Kind, desc.Kind.Arity())
	}
	site.fileOffset, err = in.interpreter.FileOffset(marker.PC)
	if err != nil {
		return site, err
	}
	site.refCtrOff, err = in.interpreter.SemaphoreOffset(marker.Semaphore)
	if err != nil {
		return site, err
	}
	if isNop, err := in.interpreter.IsNopSite(marker.PC); err != nil || !isNop {
		logging.Logger().Warnf("Marker %s at 0x%x does not look like a probe site (err: %v); the notes may not match the code", desc.Name, marker.PC, err)
	}

	copy(site.spec.Args[:], args)
	site.spec.ArgCnt = uint32(len(args))
	site.spec.Kind = uint32(desc.Kind)
	copy(site.spec.Name[:ProbeNameLen-1], desc.Name)
	return site, nil
}

// AttachedSet owns every kernel object created for one trace session.
type AttachedSet struct {
	coll    *ebpf.Collection
	links   []link.Link
	channel *EventReader
}

func (s *AttachedSet) Channel() EventChannel {
	return s.channel
}

// Close detaches all probes before closing the channel, the maps and the
// program.
func (s *AttachedSet) Close() error {
	var errs []error
	for _, l := range s.links {
		errs = append(errs, l.Close())
	}
	s.links = nil
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
	}
	if s.coll != nil {
		s.coll.Close()
	}
	return errors.Join(errs...)
}

// Attach binds the generic handler to every marker site of every catalog
// entry. Either all sites are attached or none is: on failure everything
// created so far is released before returning.
func (in *Instrumentor) Attach(catalog []ProbeDescriptor) (_ *AttachedSet, err error) {
	sites, err := in.resolveSites(catalog)
	if err != nil {
		return nil, err
	}
	logging.Logger().Infof("Resolved %d marker sites for %d probes in %s", len(sites), len(catalog), in.interpreter.Path())

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock: %w", err)
	}
	collSpec, err := ebpf.LoadCollectionSpec(in.bpfProg)
	if err != nil {
		return nil, fmt.Errorf("load BPF object %s: %w", in.bpfProg, err)
	}
	specsMapSpec, ok := collSpec.Maps[bpfMapProbeSpecs]
	if !ok {
		return nil, fmt.Errorf("BPF object %s has no %s map", in.bpfProg, bpfMapProbeSpecs)
	}
	specsMapSpec.MaxEntries = uint32(len(sites))
	coll, err := ebpf.NewCollection(collSpec)
	if err != nil {
		var verifierErr *ebpf.VerifierError
		if errors.As(err, &verifierErr) {
			logging.Logger().Errorf("LoadCollection verifier error: %+v", verifierErr)
		}
		return nil, fmt.Errorf("load BPF collection: %w", err)
	}

	set := &AttachedSet{coll: coll}
	defer func() {
		if err != nil {
			err = errors.Join(err, set.Close())
		}
	}()

	prog := coll.Programs[bpfProgTraceUSDT]
	eventsMap := coll.Maps[bpfMapEvents]
	specsMap := coll.Maps[bpfMapProbeSpecs]
	if prog == nil || eventsMap == nil {
		return nil, fmt.Errorf("BPF object %s lacks program %s or map %s", in.bpfProg, bpfProgTraceUSDT, bpfMapEvents)
	}
	for i := range sites {
		if err := specsMap.Update(uint32(i), &sites[i].spec, ebpf.UpdateAny); err != nil {
			return nil, fmt.Errorf("write probe spec %d (%s): %w", i, sites[i].desc.Name, err)
		}
	}

	// The channel exists before the first uprobe so that events fired during
	// attachment are kept.
	perfReader, err := perf.NewReader(eventsMap, in.pagesPerCPU*unix.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("create perf reader: %w", err)
	}
	set.channel = NewEventReader(perfReader)

	exe, err := link.OpenExecutable(in.interpreter.Path())
	if err != nil {
		return nil, fmt.Errorf("open executable %s: %w", in.interpreter.Path(), err)
	}
	for i, site := range sites {
		l, err := exe.Uprobe(site.desc.Name, prog, &link.UprobeOptions{
			Address:      site.fileOffset,
			RefCtrOffset: site.refCtrOff,
			Cookie:       uint64(i),
			PID:          in.pid,
		})
		if err != nil {
			return nil, &AttachError{Probe: site.desc.Name, Err: fmt.Errorf("uprobe at offset 0x%x: %w", site.fileOffset, err)}
		}
		set.links = append(set.links, l)
	}
	logging.Logger().Infof("Attached %d uprobes", len(set.links))
	return set, nil
}
