package abac

import (
	"context"
	"strings"
)

// AttributeProvider enriches the environment with derived attributes before
// rule evaluation. Providers must be pure for a given request: the engine
// calls them once and freezes the result.
type AttributeProvider interface {
	Name() string
	Attributes(ctx context.Context, req *AccessRequest) map[string]interface{}
}

// ProviderFunc adapts a function into an AttributeProvider.
type ProviderFunc struct {
	ProviderName string
	Fn           func(ctx context.Context, req *AccessRequest) map[string]interface{}
}

func (p ProviderFunc) Name() string { return p.ProviderName }

func (p ProviderFunc) Attributes(ctx context.Context, req *AccessRequest) map[string]interface{} {
	return p.Fn(ctx, req)
}

// TimeOfDayProvider derives hour-of-day and weekday from the request
// timestamp.
func TimeOfDayProvider() AttributeProvider {
	return ProviderFunc{
		ProviderName: "time_of_day",
		Fn: func(_ context.Context, req *AccessRequest) map[string]interface{} {
			ts := req.Environment.Timestamp
			return map[string]interface{}{
				"hourOfDay": ts.Hour(),
				"dayOfWeek": strings.ToLower(ts.Weekday().String()),
			}
		},
	}
}

// BusinessHoursProvider marks requests inside Monday-Friday 09:00-17:59 in
// the timestamp's location.
func BusinessHoursProvider() AttributeProvider {
	return ProviderFunc{
		ProviderName: "business_hours",
		Fn: func(_ context.Context, req *AccessRequest) map[string]interface{} {
			ts := req.Environment.Timestamp
			weekday := ts.Weekday().String()
			inHours := weekday != "Saturday" && weekday != "Sunday" &&
				ts.Hour() >= 9 && ts.Hour() < 18
			return map[string]interface{}{"businessHours": inHours}
		},
	}
}

// RiskScoreProvider surfaces the environment risk score as a named
// attribute with a coarse band.
func RiskScoreProvider() AttributeProvider {
	return ProviderFunc{
		ProviderName: "risk_score",
		Fn: func(_ context.Context, req *AccessRequest) map[string]interface{} {
			score := req.Environment.RiskScore
			band := "low"
			switch {
			case score >= 0.8:
				band = "critical"
			case score >= 0.5:
				band = "high"
			case score >= 0.2:
				band = "medium"
			}
			return map[string]interface{}{
				"riskScore": score,
				"riskBand":  band,
			}
		},
	}
}

// frozen is the immutable attribute view built once per evaluation.
type frozen struct {
	roots map[string]map[string]interface{}
}

// freeze materializes the request plus provider output into plain nested
// maps so every rule sees identical attribute values.
func freeze(ctx context.Context, req *AccessRequest, providers []AttributeProvider) frozen {
	subject := map[string]interface{}{
		"id":       req.Subject.ID,
		"tenantId": req.Subject.TenantID,
		"roles":    toAnySlice(req.Subject.Roles),
	}
	mergeAttrs(subject, req.Subject.Attributes)

	resource := map[string]interface{}{
		"type": req.Resource.Type,
		"id":   req.Resource.ID,
	}
	mergeAttrs(resource, req.Resource.Attributes)

	action := map[string]interface{}{
		"type": req.Action.Type,
	}
	mergeAttrs(action, req.Action.Attributes)

	environment := map[string]interface{}{
		"timestamp": req.Environment.Timestamp,
		"ip":        req.Environment.IP,
		"userAgent": req.Environment.UserAgent,
		"riskScore": req.Environment.RiskScore,
	}
	mergeAttrs(environment, req.Environment.Attributes)
	for _, p := range providers {
		mergeAttrs(environment, p.Attributes(ctx, req))
	}

	return frozen{roots: map[string]map[string]interface{}{
		"subject":     subject,
		"resource":    resource,
		"action":      action,
		"environment": environment,
	}}
}

// resolve walks a dotted attribute path. The second return is false when
// any segment is missing, which matchers treat as undefined.
func (f frozen) resolve(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, false
	}
	root, ok := f.roots[parts[0]]
	if !ok {
		return nil, false
	}
	var current interface{} = root
	for _, part := range parts[1:] {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if len(parts) == 1 {
		return root, true
	}
	return current, true
}

func mergeAttrs(dst map[string]interface{}, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

func toAnySlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
