package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref      string
		wantAddr string
		wantAttr string
		wantOK   bool
	}{
		{"ref://aws:elbv2.LoadBalancer/public/dnsName", "aws:elbv2.LoadBalancer.public", "dnsName", true},
		{"ref://null:Resource/a/id", "null:Resource.a", "id", true},
		{"ref://null:Resource/a", "null:Resource.a", "", true},
		{"ref://aws:acm.Certificate/site/validation/record", "aws:acm.Certificate.site", "validation/record", true},
		{"not-a-ref", "", "", false},
		{"ref://short", "", "", false},
		{"ref:///missing-type/attr", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			addr, attr, ok := parseRef(tt.ref)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantAttr, attr)
		})
	}
}

func TestExtractRefs(t *testing.T) {
	props := map[string]any{
		"zoneId": "ref://aws:route53.Zone/main/id",
		"name":   "app.example.com",
		"alias": map[string]any{
			"dnsName": "ref://aws:elbv2.LoadBalancer/public/dnsName",
		},
		"records": []any{
			"ref://aws:acm.Certificate/site/validationRecordValue",
			"plain-string",
		},
	}

	refs := extractRefs(props)
	assert.Len(t, refs, 3)
	assert.Contains(t, refs, "ref://aws:route53.Zone/main/id")
	assert.Contains(t, refs, "ref://aws:elbv2.LoadBalancer/public/dnsName")
	assert.Contains(t, refs, "ref://aws:acm.Certificate/site/validationRecordValue")
}

func TestResolveRefs(t *testing.T) {
	lookup := func(addr, attr string) (any, bool) {
		if addr == "aws:elbv2.LoadBalancer.public" && attr == "dnsName" {
			return "lb-123.us-east-1.elb.amazonaws.com", true
		}
		return nil, false
	}

	in := map[string]any{
		"name": "app.example.com",
		"alias": map[string]any{
			"dnsName": "ref://aws:elbv2.LoadBalancer/public/dnsName",
		},
	}

	out, err := resolveRefs(in, lookup)
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "app.example.com", m["name"])
	assert.Equal(t, "lb-123.us-east-1.elb.amazonaws.com", m["alias"].(map[string]any)["dnsName"])
}

func TestResolveRefs_MissingAttribute(t *testing.T) {
	lookup := func(addr, attr string) (any, bool) { return nil, false }

	_, err := resolveRefs("ref://null:Resource/a/missing", lookup)
	assert.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestResolveRefs_NonRefValuesUntouched(t *testing.T) {
	lookup := func(addr, attr string) (any, bool) { return nil, false }

	out, err := resolveRefs(map[string]any{
		"port":    float64(8080),
		"enabled": true,
		"tags":    []any{"a", "b"},
	}, lookup)
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, float64(8080), m["port"])
	assert.Equal(t, true, m["enabled"])
	assert.Equal(t, []any{"a", "b"}, m["tags"])
}
