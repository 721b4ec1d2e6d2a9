package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/convergo-io/convergo/internal/provider"
)

type recordConfig struct {
	ZoneID  string   `json:"zoneId"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	TTL     int64    `json:"ttl"`
	Records []string `json:"records"`
	Alias   *struct {
		HostedZoneID         string `json:"hostedZoneId"`
		DNSName              string `json:"dnsName"`
		EvaluateTargetHealth bool   `json:"evaluateTargetHealth"`
	} `json:"alias"`
}

func (c *recordConfig) recordSet() (r53types.ResourceRecordSet, error) {
	set := r53types.ResourceRecordSet{
		Name: &c.Name,
		Type: r53types.RRType(c.Type),
	}
	if c.Alias != nil {
		set.AliasTarget = &r53types.AliasTarget{
			HostedZoneId:         &c.Alias.HostedZoneID,
			DNSName:              &c.Alias.DNSName,
			EvaluateTargetHealth: c.Alias.EvaluateTargetHealth,
		}
		return set, nil
	}
	if len(c.Records) == 0 {
		return set, fmt.Errorf("record %s needs either records or an alias target", c.Name)
	}
	ttl := c.TTL
	if ttl == 0 {
		ttl = 300
	}
	set.TTL = &ttl
	for _, v := range c.Records {
		set.ResourceRecords = append(set.ResourceRecords, r53types.ResourceRecord{Value: aws.String(v)})
	}
	return set, nil
}

// upsertRecord creates or updates a record set; UPSERT makes create and
// update the same idempotent call.
func (p *Provider) upsertRecord(ctx context.Context, attrs map[string]any) (map[string]any, error) {
	var cfg recordConfig
	if err := decode(attrs, &cfg); err != nil {
		return nil, err
	}
	set, err := cfg.recordSet()
	if err != nil {
		return nil, err
	}

	_, err = p.route53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: &cfg.ZoneID,
		ChangeBatch: &r53types.ChangeBatch{
			Changes: []r53types.Change{{
				Action:            r53types.ChangeActionUpsert,
				ResourceRecordSet: &set,
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to change record set %s: %w", cfg.Name, err)
	}

	// Echo the resolved inputs so a later delete can rebuild the change
	// batch without re-resolving references.
	out := map[string]any{
		"id":     recordID(cfg.ZoneID, cfg.Name, cfg.Type),
		"zoneId": cfg.ZoneID,
		"name":   cfg.Name,
		"fqdn":   strings.TrimSuffix(cfg.Name, "."),
		"type":   cfg.Type,
	}
	if cfg.Alias != nil {
		out["alias"] = attrs["alias"]
	} else {
		out["ttl"] = cfg.TTL
		out["records"] = attrs["records"]
	}
	return out, nil
}

func (p *Provider) readRecord(ctx context.Context, id string) (map[string]any, error) {
	zoneID, name, typ, err := parseRecordID(id)
	if err != nil {
		return nil, err
	}

	resp, err := p.route53Client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    &zoneID,
		StartRecordName: &name,
		StartRecordType: r53types.RRType(typ),
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list record sets: %w", err)
	}

	for _, set := range resp.ResourceRecordSets {
		if strings.EqualFold(strings.TrimSuffix(*set.Name, "."), strings.TrimSuffix(name, ".")) &&
			string(set.Type) == typ {
			attrs := map[string]any{
				"id":     id,
				"zoneId": zoneID,
				"fqdn":   strings.TrimSuffix(*set.Name, "."),
				"type":   string(set.Type),
			}
			var values []any
			for _, rr := range set.ResourceRecords {
				values = append(values, *rr.Value)
			}
			if len(values) > 0 {
				attrs["records"] = values
			}
			return attrs, nil
		}
	}
	return nil, provider.ErrNotFound
}

func (p *Provider) deleteRecord(ctx context.Context, prior map[string]any) error {
	var cfg recordConfig
	if err := decode(prior, &cfg); err != nil {
		return err
	}
	if cfg.ZoneID == "" || cfg.Name == "" {
		return nil
	}
	set, err := cfg.recordSet()
	if err != nil {
		return err
	}

	_, err = p.route53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: &cfg.ZoneID,
		ChangeBatch: &r53types.ChangeBatch{
			Changes: []r53types.Change{{
				Action:            r53types.ChangeActionDelete,
				ResourceRecordSet: &set,
			}},
		},
	})
	if err != nil {
		// Deleting a record that is already gone is success.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("failed to delete record set %s: %w", cfg.Name, err)
	}
	return nil
}

func recordID(zoneID, name, typ string) string {
	return fmt.Sprintf("%s_%s_%s", zoneID, strings.TrimSuffix(name, "."), typ)
}

func parseRecordID(id string) (zoneID, name, typ string, err error) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("malformed record id %q", id)
	}
	return parts[0], strings.Join(parts[1:len(parts)-1], "_"), parts[len(parts)-1], nil
}
