package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for trustplane spans.
var (
	AttrPolicyID      = attribute.Key("trustplane.policy.id")
	AttrPolicyVersion = attribute.Key("trustplane.policy.version")
	AttrDecision      = attribute.Key("trustplane.check.decision")
	AttrAction        = attribute.Key("trustplane.check.action")

	AttrEventType = attribute.Key("trustplane.audit.event_type")
	AttrEventSeq  = attribute.Key("trustplane.audit.seq")

	AttrSignerKID     = attribute.Key("trustplane.signer.kid")
	AttrSignerBackend = attribute.Key("trustplane.signer.backend")

	AttrManifestID     = attribute.Key("trustplane.upgrade.manifest_id")
	AttrManifestTarget = attribute.Key("trustplane.upgrade.target")

	AttrPromotionID = attribute.Key("trustplane.promotion.id")
	AttrArtifactRef = attribute.Key("trustplane.promotion.artifact_ref")
)

// CheckAttrs builds attributes for a policy check span.
func CheckAttrs(action, policyID string, allowed bool) []attribute.KeyValue {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	return []attribute.KeyValue{
		AttrAction.String(action),
		AttrPolicyID.String(policyID),
		AttrDecision.String(decision),
	}
}

// AppendAttrs builds attributes for an audit append span.
func AppendAttrs(eventType string, seq int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventType.String(eventType),
		AttrEventSeq.Int64(seq),
	}
}

// PromotionAttrs builds attributes for a promotion span.
func PromotionAttrs(promotionID, artifactRef string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPromotionID.String(promotionID),
		AttrArtifactRef.String(artifactRef),
	}
}

// AddSpanEvent adds an event to the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordSpanError records err on the span in ctx; nil is a no-op.
func RecordSpanError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
