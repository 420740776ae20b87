package spanz

// SamplingContext is handed to a SamplerFunc.
type SamplingContext struct {
	Attributes         map[string]any
	Custom             map[string]any
	ParentSampled      *bool
	TransactionContext TransactionContext
	Name               string
}

// SamplerResult is what a SamplerFunc decides: either a rate in [0, 1] or a
// forced boolean decision.
type SamplerResult struct {
	forced *bool
	rate   float64
}

// SampleRate asks for a random draw against rate.
func SampleRate(rate float64) SamplerResult {
	return SamplerResult{rate: rate}
}

// SampleDecision forces the decision.
func SampleDecision(sampled bool) SamplerResult {
	return SamplerResult{forced: &sampled}
}

// SamplerFunc decides dynamically whether a trace is sampled.
type SamplerFunc func(SamplingContext) SamplerResult

// SamplingReason names the rule that produced a decision.
type SamplingReason string

const (
	ReasonTracingDisabled SamplingReason = "tracing_disabled"
	ReasonExplicit        SamplingReason = "explicit"
	ReasonInherited       SamplingReason = "inherited"
	ReasonSampler         SamplingReason = "sampler"
	ReasonSampleRate      SamplingReason = "sample_rate"
	ReasonInvalidRate     SamplingReason = "invalid_rate"
	ReasonNoRate          SamplingReason = "no_rate"
)

// SamplingDecision is the outcome of Sample.
type SamplingDecision struct {
	// SampleRate is set when a numeric rate was consulted.
	SampleRate *float64
	Reason     SamplingReason
	Sampled    bool
}

// Attributes returns the span attributes describing the decision.
func (d SamplingDecision) Attributes() map[string]any {
	if d.SampleRate == nil {
		return nil
	}
	return map[string]any{AttributeSampleRate: *d.SampleRate}
}

// Sample decides whether a root span is sampled. It is a pure function of
// its inputs; random must return values in [0, 1).
//
// Rules, in order: tracing disabled, explicit decision on the transaction
// context, inherited parent decision, sampler callback, static rate.
// Invalid rates never sample.
func Sample(opts *Options, sc SamplingContext, random func() float64) SamplingDecision {
	if !opts.TracingEnabled() {
		return SamplingDecision{Reason: ReasonTracingDisabled}
	}

	if explicit := sc.TransactionContext.Sampled; explicit != nil {
		return SamplingDecision{Sampled: *explicit, Reason: ReasonExplicit}
	}

	if sc.ParentSampled != nil {
		return SamplingDecision{Sampled: *sc.ParentSampled, Reason: ReasonInherited}
	}

	if opts.Sampler != nil {
		result := opts.Sampler(sc)
		if result.forced != nil {
			return SamplingDecision{Sampled: *result.forced, Reason: ReasonSampler}
		}
		return sampleWithRate(result.rate, ReasonSampler, random)
	}

	if opts.SampleRate != nil {
		return sampleWithRate(*opts.SampleRate, ReasonSampleRate, random)
	}

	return SamplingDecision{Reason: ReasonNoRate}
}

func sampleWithRate(rate float64, reason SamplingReason, random func() float64) SamplingDecision {
	if !isValidRate(rate) {
		return SamplingDecision{Reason: ReasonInvalidRate}
	}
	return SamplingDecision{
		Sampled:    random() < rate,
		SampleRate: &rate,
		Reason:     reason,
	}
}
