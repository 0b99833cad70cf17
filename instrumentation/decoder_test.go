package instrumentation

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustMarshal(t *testing.T, event TraceEvent) []byte {
	t.Helper()
	raw, err := event.MarshalBinary()
	if err != nil {
		t.Fatalf("Marshal event %+v: %v", event, err)
	}
	return raw
}

func TestWireEventLayout(t *testing.T) {
	if size := binary.Size(wireEvent{}); size != EventWireSize {
		t.Errorf("Wire event is %d bytes, expected %d", size, EventWireSize)
	}
	if offKind != 177 {
		t.Errorf("Kind offset is %d, expected 177", offKind)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	inputs := []struct {
		subtestName string
		event       TraceEvent
	}{
		{
			subtestName: "Enter",
			event: TraceEvent{
				Ts:        123456789,
				ExprID:    7,
				Line:      3,
				Column:    10,
				File:      "/tmp/a.nix",
				ProbeName: "let__in",
				Kind:      ProbeKindEnter,
			},
		},
		{
			subtestName: "Exit",
			event: TraceEvent{
				Ts:        123456790,
				ExprID:    7,
				ProbeName: "let__out",
				Kind:      ProbeKindExit,
			},
		},
		{
			subtestName: "FailureExitWithLargeIDs",
			event: TraceEvent{
				Ts:        ^uint64(0),
				ExprID:    1 << 63,
				ProbeName: "op_update_empty2__out",
				Kind:      ProbeKindFailureExit,
			},
		},
		{
			subtestName: "LongestFile",
			event: TraceEvent{
				Ts:        1,
				ExprID:    2,
				Line:      ^uint32(0),
				Column:    ^uint32(0),
				File:      strings.Repeat("f", FileMaxLen),
				ProbeName: "concat_strings__in",
				Kind:      ProbeKindEnter,
			},
		},
	}

	for _, input := range inputs {
		t.Run(input.subtestName, func(t *testing.T) {
			raw := mustMarshal(t, input.event)
			if len(raw) != EventWireSize {
				t.Fatalf("Encoded %d bytes, expected %d", len(raw), EventWireSize)
			}
			decoded, anomaly := Decode(raw)
			if anomaly != 0 {
				t.Errorf("Unexpected anomaly %v", anomaly)
			}
			if diff := cmp.Diff(input.event, decoded); diff != "" {
				t.Errorf("Round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_SanitizesFile(t *testing.T) {
	raw := mustMarshal(t, TraceEvent{ExprID: 1, ProbeName: "var__in", Kind: ProbeKindEnter})
	copy(raw[offFile:], []byte("/nix/\x01store/\xffa\tb.nix\x00garbage"))

	event, anomaly := Decode(raw)
	if event.File != "/nix/store/ab.nix" {
		t.Errorf("Expected sanitized file, got %q", event.File)
	}
	if !anomaly.Has(AnomalyUnprintable) {
		t.Errorf("Expected unprintable anomaly, got %v", anomaly)
	}
}

func TestDecode_UnterminatedFileIsBounded(t *testing.T) {
	raw := mustMarshal(t, TraceEvent{ExprID: 1, ProbeName: "attrs__in", Kind: ProbeKindEnter})
	copy(raw[offFile:offKind], strings.Repeat("x", FileBufLen))

	event, anomaly := Decode(raw)
	if len(event.File) != FileMaxLen {
		t.Errorf("Expected file bounded to %d bytes, got %d", FileMaxLen, len(event.File))
	}
	if !anomaly.Has(AnomalyUnterminated) {
		t.Errorf("Expected unterminated anomaly, got %v", anomaly)
	}
}

func TestDecode_ExitNeverCarriesLocation(t *testing.T) {
	raw := mustMarshal(t, TraceEvent{
		ExprID:    9,
		Line:      12,
		Column:    4,
		File:      "/tmp/b.nix",
		ProbeName: "call_throwned__out",
		Kind:      ProbeKindFailureExit,
	})

	event, anomaly := Decode(raw)
	if event.Line != 0 || event.Column != 0 || event.File != "" {
		t.Errorf("Exit event kept its location: %+v", event)
	}
	if event.ExprID != 9 || event.ProbeName != "call_throwned__out" {
		t.Errorf("Exit event lost its identity: %+v", event)
	}
	if !anomaly.Has(AnomalyExitLocation) {
		t.Errorf("Expected exit-location anomaly, got %v", anomaly)
	}
}

func TestDecode_MalformedInputNeverFails(t *testing.T) {
	full := mustMarshal(t, TraceEvent{Ts: 5, ExprID: 6, Line: 1, Column: 2, File: "/a.nix", ProbeName: "if__in"})

	inputs := []struct {
		subtestName string
		raw         []byte
		check       func(t *testing.T, event TraceEvent, anomaly DecodeAnomaly)
	}{
		{
			subtestName: "Empty",
			raw:         nil,
			check: func(t *testing.T, event TraceEvent, anomaly DecodeAnomaly) {
				if diff := cmp.Diff(TraceEvent{}, event); diff != "" {
					t.Errorf("Expected zero event (-want +got):\n%s", diff)
				}
				if !anomaly.Has(AnomalyTruncated) {
					t.Errorf("Expected truncated anomaly, got %v", anomaly)
				}
			},
		},
		{
			subtestName: "HeaderOnly",
			raw:         full[:offProbeName],
			check: func(t *testing.T, event TraceEvent, anomaly DecodeAnomaly) {
				if event.Ts != 5 || event.ExprID != 6 || event.ProbeName != "" {
					t.Errorf("Unexpected partial decode: %+v", event)
				}
				if !anomaly.Has(AnomalyTruncated) {
					t.Errorf("Expected truncated anomaly, got %v", anomaly)
				}
			},
		},
		{
			subtestName: "PerfAlignmentPadding",
			raw:         append(append([]byte{}, full...), 0, 0, 0, 0),
			check: func(t *testing.T, event TraceEvent, anomaly DecodeAnomaly) {
				if anomaly != 0 || event.File != "/a.nix" {
					t.Errorf("Padding must be ignored: %+v (%v)", event, anomaly)
				}
			},
		},
		{
			subtestName: "UnknownKind",
			raw: func() []byte {
				raw := append([]byte{}, full...)
				raw[offKind] = 42
				return raw
			}(),
			check: func(t *testing.T, event TraceEvent, anomaly DecodeAnomaly) {
				if !anomaly.Has(AnomalyUnknownKind) || event.ExprID != 6 {
					t.Errorf("Unexpected decode of unknown kind: %+v (%v)", event, anomaly)
				}
			},
		},
	}

	for _, input := range inputs {
		t.Run(input.subtestName, func(t *testing.T) {
			event, anomaly := Decode(input.raw)
			input.check(t, event, anomaly)
		})
	}
}

func TestDecode_ChecksCatalog(t *testing.T) {
	inputs := []struct {
		subtestName     string
		event           TraceEvent
		expected        TraceEvent
		expectedAnomaly DecodeAnomaly
	}{
		{
			subtestName:     "NameNotInCatalog",
			event:           TraceEvent{ExprID: 3, ProbeName: "bogus", Kind: ProbeKindExit},
			expected:        TraceEvent{ExprID: 3, ProbeName: "bogus", Kind: ProbeKindExit},
			expectedAnomaly: AnomalyUnknownProbe,
		},
		{
			subtestName:     "ExitNameWithEnterKind",
			event:           TraceEvent{ExprID: 4, Line: 5, Column: 6, File: "/x", ProbeName: "let__out", Kind: ProbeKindEnter},
			expected:        TraceEvent{ExprID: 4, ProbeName: "let__out", Kind: ProbeKindExit},
			expectedAnomaly: AnomalyUnknownProbe | AnomalyExitLocation,
		},
		{
			subtestName:     "FailureNameWithExitKind",
			event:           TraceEvent{ExprID: 5, ProbeName: "select_short__out", Kind: ProbeKindExit},
			expected:        TraceEvent{ExprID: 5, ProbeName: "select_short__out", Kind: ProbeKindFailureExit},
			expectedAnomaly: AnomalyUnknownProbe,
		},
		{
			subtestName:     "EnterNameWithExitKind",
			event:           TraceEvent{ExprID: 6, Line: 1, Column: 2, File: "/y.nix", ProbeName: "if__in", Kind: ProbeKindExit},
			expected:        TraceEvent{ExprID: 6, Line: 1, Column: 2, File: "/y.nix", ProbeName: "if__in", Kind: ProbeKindEnter},
			expectedAnomaly: AnomalyUnknownProbe,
		},
	}

	for _, input := range inputs {
		t.Run(input.subtestName, func(t *testing.T) {
			event, anomaly := Decode(mustMarshal(t, input.event))
			if diff := cmp.Diff(input.expected, event); diff != "" {
				t.Errorf("Unexpected event (-want +got):\n%s", diff)
			}
			if anomaly != input.expectedAnomaly {
				t.Errorf("Expected anomaly %v, got %v", input.expectedAnomaly, anomaly)
			}
		})
	}
}

func TestDecode_TruncatedBeforeName(t *testing.T) {
	raw := mustMarshal(t, TraceEvent{Ts: 5, ExprID: 6, ProbeName: "if__out", Kind: ProbeKindExit})

	event, anomaly := Decode(raw[:offProbeName])
	if event.ProbeName != "" || event.Ts != 5 || event.ExprID != 6 {
		t.Errorf("Unexpected decode of nameless record: %+v", event)
	}
	if !anomaly.Has(AnomalyTruncated) || !anomaly.Has(AnomalyUnknownProbe) {
		t.Errorf("Expected truncated and unknown-probe anomalies, got %v", anomaly)
	}

	// Cut just before the kind byte: the name survives and fixes the kind.
	event, anomaly = Decode(raw[:offKind])
	if event.ProbeName != "if__out" || event.Kind != ProbeKindExit {
		t.Errorf("Expected kind recovered from the catalog, got %+v", event)
	}
	if !anomaly.Has(AnomalyTruncated) || !anomaly.Has(AnomalyUnknownProbe) {
		t.Errorf("Expected truncated and unknown-probe anomalies, got %v", anomaly)
	}
}

func TestDecodeAnomaly_String(t *testing.T) {
	if s := DecodeAnomaly(0).String(); s != "none" {
		t.Errorf("Expected none, got %s", s)
	}
	if s := (AnomalyTruncated | AnomalyExitLocation).String(); s != "truncated|exit-location" {
		t.Errorf("Unexpected anomaly string %s", s)
	}
	if s := (AnomalyUnknownKind | AnomalyUnknownProbe).String(); s != "unknown-kind|unknown-probe" {
		t.Errorf("Unexpected anomaly string %s", s)
	}
}
