package instrumentation

import "strings"

// DecodeAnomaly records what Decode had to repair in a record. Anomalies are
// informational; a record is never rejected.
type DecodeAnomaly uint8

const (
	// The record was shorter than EventWireSize and was zero-extended.
	AnomalyTruncated DecodeAnomaly = 1 << iota
	// A text buffer had no terminating NUL.
	AnomalyUnterminated
	// A text field contained bytes outside printable ASCII, which were dropped.
	AnomalyUnprintable
	// An exit record carried location data, which was cleared.
	AnomalyExitLocation
	// The kind byte named no known probe kind.
	AnomalyUnknownKind
	// The probe name is not in the catalog, or the kind byte contradicts the
	// catalog entry it names.
	AnomalyUnknownProbe
)

func (a DecodeAnomaly) Has(flag DecodeAnomaly) bool {
	return a&flag != 0
}

func (a DecodeAnomaly) String() string {
	if a == 0 {
		return "none"
	}
	var names []string
	for _, named := range []struct {
		flag DecodeAnomaly
		name string
	}{
		{AnomalyTruncated, "truncated"},
		{AnomalyUnterminated, "unterminated"},
		{AnomalyUnprintable, "unprintable"},
		{AnomalyExitLocation, "exit-location"},
		{AnomalyUnknownKind, "unknown-kind"},
		{AnomalyUnknownProbe, "unknown-probe"},
	} {
		if a.Has(named.flag) {
			names = append(names, named.name)
		}
	}
	return strings.Join(names, "|")
}

// Decode reinterprets a raw record field by field. It never fails: whatever
// the producer wrote, a best-effort event comes back along with the repairs
// that were needed.
func Decode(raw []byte) (TraceEvent, DecodeAnomaly) {
	var (
		anomaly DecodeAnomaly
		buf     [EventWireSize]byte
	)
	// Perf samples are padded to 8-byte alignment, so trailing bytes are
	// expected and ignored.
	if len(raw) < EventWireSize {
		anomaly |= AnomalyTruncated
	}
	copy(buf[:], raw)

	event := TraceEvent{
		Ts:     byteOrder.Uint64(buf[offTs:]),
		ExprID: byteOrder.Uint64(buf[offExprID:]),
		Line:   byteOrder.Uint32(buf[offLine:]),
		Column: byteOrder.Uint32(buf[offColumn:]),
		Kind:   ProbeKind(buf[offKind]),
	}

	var textAnomaly DecodeAnomaly
	event.ProbeName, textAnomaly = sanitizeText(buf[offProbeName:offFile], ProbeNameLen-1)
	anomaly |= textAnomaly
	event.File, textAnomaly = sanitizeText(buf[offFile:offKind], FileMaxLen)
	anomaly |= textAnomaly

	if !event.Kind.valid() {
		anomaly |= AnomalyUnknownKind
	}
	// The catalog entry is authoritative for the kind. A name it does not
	// know is kept as recovered and only flagged.
	if desc, ok := LookupProbe(event.ProbeName); !ok {
		anomaly |= AnomalyUnknownProbe
	} else if desc.Kind != event.Kind {
		if event.Kind.valid() {
			anomaly |= AnomalyUnknownProbe
		}
		event.Kind = desc.Kind
	}

	if event.Kind.valid() && event.Kind != ProbeKindEnter {
		if event.Line != 0 || event.Column != 0 || len(event.File) > 0 {
			anomaly |= AnomalyExitLocation
			event.Line, event.Column, event.File = 0, 0, ""
		}
	}
	return event, anomaly
}

// sanitizeText cuts a NUL-padded buffer at its first NUL, bounds it to limit
// bytes and keeps only printable ASCII.
func sanitizeText(field []byte, limit int) (string, DecodeAnomaly) {
	var anomaly DecodeAnomaly
	text, terminated := cString(field)
	if !terminated {
		anomaly |= AnomalyUnterminated
	}
	if len(text) > limit {
		text = text[:limit]
	}
	var sb strings.Builder
	sb.Grow(len(text))
	for _, c := range text {
		if isPrintableASCII(c) {
			sb.WriteByte(c)
		} else {
			anomaly |= AnomalyUnprintable
		}
	}
	return sb.String(), anomaly
}
