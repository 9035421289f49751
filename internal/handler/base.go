package handler

import "context"

// Base implements the parts of the Handler contract that are the same
// for nearly every concrete handler, so source packages embed it and
// only override what differs (almost always just Execute, sometimes
// Fallback for a source-specific default payload).
type Base struct {
	// SchemaKeys are the declared top-level keys of this card_type's
	// data document; Normalize fills any missing key with nil rather
	// than letting it be silently absent, satisfying the business-card
	// non-empty-schema invariant for handlers that build Data manually.
	SchemaKeys []string
	// Internal marks a resource/internal card, whose empty keys may be
	// pruned by the scheduler after Normalize; business cards are never
	// pruned regardless of this flag (the scheduler checks Kind, not this).
	Internal bool
}

// Validate accepts any non-nil Data map by default; concrete handlers
// override this when a card type has a cheap semantic usability check
// worth running before committing to a result.
func (b Base) Validate(result Result, cc *Context) bool {
	if result.SkipValidation {
		return true
	}
	return result.Data != nil
}

// Normalize fills in any declared schema key missing from Data with a
// nil placeholder, so downstream pruning never collapses a business
// card to {} just because a handler forgot one field on one code path.
func (b Base) Normalize(result Result) Result {
	if result.Data == nil {
		result.Data = make(map[string]any)
	}
	for _, key := range b.SchemaKeys {
		if _, ok := result.Data[key]; !ok {
			result.Data[key] = nil
		}
	}
	return result
}

// Fallback produces the generic fallback payload: every declared key
// present but empty, tagged with a code describing cause. Concrete
// handlers with a richer default (e.g. a cached stale value) override
// this.
func (b Base) Fallback(ctx context.Context, cc *Context, cause error) Result {
	data := make(map[string]any, len(b.SchemaKeys))
	for _, key := range b.SchemaKeys {
		data[key] = nil
	}
	code := "unavailable"
	if cause != nil {
		code = cause.Error()
	}
	return Result{
		Data:       data,
		IsFallback: true,
		Meta: Meta{
			PreserveEmpty: true,
			Fallback:      true,
			Code:          code,
		},
	}
}
