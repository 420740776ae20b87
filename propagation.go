package spanz

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Header names used for propagation.
const (
	TraceHeaderName   = "sentry-trace"
	BaggageHeaderName = "baggage"
)

const (
	baggagePrefix       = "sentry-"
	maxBaggageLength    = 8192
	baggageItemSep      = ","
	baggageKeyValueSep  = "="
	traceFlagSampled    = "1"
	traceFlagNotSampled = "0"
)

// ErrInvalidTraceHeader is returned for a trace header that does not match
// "<32 hex>-<16 hex>[-<0|1>]".
var ErrInvalidTraceHeader = errors.New("spanz: invalid trace header")

var traceparentRegexp = regexp.MustCompile(`^[ \t]*([0-9a-f]{32})?-?([0-9a-f]{16})?-?([01])?[ \t]*$`)

// TraceHeaders are the inbound propagation values.
type TraceHeaders struct {
	SentryTrace string
	Baggage     string
}

// TraceparentData is the parsed inbound trace header.
type TraceparentData struct {
	ParentSampled *bool
	TraceID       string
	ParentSpanID  string
}

// ParseTraceHeader parses a "<traceId>-<spanId>-<sampled>" header.
// A missing sampled flag leaves ParentSampled nil.
func ParseTraceHeader(header string) (TraceparentData, error) {
	if header == "" {
		return TraceparentData{}, errors.Wrap(ErrInvalidTraceHeader, "empty header")
	}
	match := traceparentRegexp.FindStringSubmatch(header)
	if match == nil {
		return TraceparentData{}, errors.Wrapf(ErrInvalidTraceHeader, "%q", header)
	}

	data := TraceparentData{
		TraceID:      match[1],
		ParentSpanID: match[2],
	}
	switch match[3] {
	case traceFlagSampled:
		data.ParentSampled = Bool(true)
	case traceFlagNotSampled:
		data.ParentSampled = Bool(false)
	}
	return data, nil
}

// FormatTraceHeader renders an outbound trace header.
func FormatTraceHeader(traceID, spanID string, sampled *bool) string {
	header := traceID + "-" + spanID
	if sampled != nil {
		if *sampled {
			header += "-" + traceFlagSampled
		} else {
			header += "-" + traceFlagNotSampled
		}
	}
	return header
}

// ParseBaggage extracts the dynamic sampling context from a baggage header.
// Only keys with the reserved prefix are kept, prefix stripped. The second
// result is false when the header holds no such key.
func ParseBaggage(baggage string) (map[string]string, bool) {
	dsc := make(map[string]string)
	for _, item := range strings.Split(baggage, baggageItemSep) {
		key, value, ok := strings.Cut(strings.TrimSpace(item), baggageKeyValueSep)
		if !ok {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSpace(key))
		if err != nil || !strings.HasPrefix(key, baggagePrefix) {
			continue
		}
		value, err = url.PathUnescape(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		dsc[strings.TrimPrefix(key, baggagePrefix)] = value
	}
	if len(dsc) == 0 {
		return nil, false
	}
	return dsc, true
}

// FormatBaggage renders dsc as a baggage header. Entries are sorted by key
// and the header is truncated at the last entry that fits 8192 bytes.
func FormatBaggage(dsc map[string]string) string {
	keys := make([]string, 0, len(dsc))
	for k, v := range dsc {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		entry := escapeBaggage(baggagePrefix+k) + baggageKeyValueSep + escapeBaggage(dsc[k])
		next := len(entry)
		if b.Len() > 0 {
			next += len(baggageItemSep)
		}
		if b.Len()+next > maxBaggageLength {
			break
		}
		if b.Len() > 0 {
			b.WriteString(baggageItemSep)
		}
		b.WriteString(entry)
	}
	return b.String()
}

// escapeBaggage percent-encodes s. Spaces become %20, never '+'.
func escapeBaggage(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// PropagationContextFromHeaders turns inbound headers into a propagation
// context. Without a usable trace header a new trace is started. With one,
// the DSC is frozen: it is the parsed baggage or an empty map.
func PropagationContextFromHeaders(headers TraceHeaders) (PropagationContext, *TraceparentData) {
	data, err := ParseTraceHeader(headers.SentryTrace)
	if err != nil {
		return NewPropagationContext(), nil
	}

	dsc, _ := ParseBaggage(headers.Baggage)
	if dsc == nil {
		dsc = map[string]string{}
	}

	pc := PropagationContext{
		TraceID:      data.TraceID,
		ParentSpanID: data.ParentSpanID,
		SpanID:       generateSpanID(),
		Sampled:      copyBool(data.ParentSampled),
		DSC:          dsc,
	}
	if pc.TraceID == "" {
		pc.TraceID = generateTraceID()
	}
	if pc.ParentSpanID == "" {
		pc.ParentSpanID = generateSpanID()
	}
	return pc, &data
}
