package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/convergo-io/convergo/internal/provider"
)

type loadBalancerConfig struct {
	Subnets        []string `json:"subnets"`
	SecurityGroups []string `json:"securityGroups"`
	Scheme         string   `json:"scheme"` // "internet-facing" or "internal"
	Type           string   `json:"type"`   // "application" or "network"
}

func (p *Provider) createLoadBalancer(ctx context.Context, req *provider.CreateRequest) (map[string]any, error) {
	var cfg loadBalancerConfig
	if err := decode(req.Attributes, &cfg); err != nil {
		return nil, err
	}

	input := &elasticloadbalancingv2.CreateLoadBalancerInput{
		Name:    &req.Name,
		Subnets: cfg.Subnets,
	}
	if len(cfg.SecurityGroups) > 0 {
		input.SecurityGroups = cfg.SecurityGroups
	}
	if cfg.Scheme != "" {
		input.Scheme = elbtypes.LoadBalancerSchemeEnum(cfg.Scheme)
	}
	if cfg.Type != "" {
		input.Type = elbtypes.LoadBalancerTypeEnum(cfg.Type)
	}

	// CreateLoadBalancer is idempotent on name: re-creating an existing
	// balancer with identical settings returns the existing one.
	resp, err := p.elbv2Client.CreateLoadBalancer(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create load balancer %s: %w", req.Name, err)
	}
	if len(resp.LoadBalancers) == 0 {
		return nil, fmt.Errorf("create load balancer %s returned no balancer", req.Name)
	}

	return loadBalancerAttrs(&resp.LoadBalancers[0]), nil
}

func (p *Provider) updateLoadBalancer(ctx context.Context, req *provider.UpdateRequest) (map[string]any, error) {
	var cfg loadBalancerConfig
	if err := decode(req.Attributes, &cfg); err != nil {
		return nil, err
	}
	arn := req.ID

	if len(cfg.SecurityGroups) > 0 {
		_, err := p.elbv2Client.SetSecurityGroups(ctx, &elasticloadbalancingv2.SetSecurityGroupsInput{
			LoadBalancerArn: &arn,
			SecurityGroups:  cfg.SecurityGroups,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set security groups: %w", err)
		}
	}
	if len(cfg.Subnets) > 0 {
		_, err := p.elbv2Client.SetSubnets(ctx, &elasticloadbalancingv2.SetSubnetsInput{
			LoadBalancerArn: &arn,
			Subnets:         cfg.Subnets,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set subnets: %w", err)
		}
	}

	return p.readLoadBalancer(ctx, arn)
}

func (p *Provider) readLoadBalancer(ctx context.Context, arn string) (map[string]any, error) {
	resp, err := p.elbv2Client.DescribeLoadBalancers(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{
		LoadBalancerArns: []string{arn},
	})
	if err != nil {
		var nf *elbtypes.LoadBalancerNotFoundException
		if errors.As(err, &nf) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("failed to describe load balancer: %w", err)
	}
	if len(resp.LoadBalancers) == 0 {
		return nil, provider.ErrNotFound
	}
	return loadBalancerAttrs(&resp.LoadBalancers[0]), nil
}

func (p *Provider) deleteLoadBalancer(ctx context.Context, arn string) error {
	if arn == "" {
		return nil
	}
	_, err := p.elbv2Client.DeleteLoadBalancer(ctx, &elasticloadbalancingv2.DeleteLoadBalancerInput{
		LoadBalancerArn: &arn,
	})
	if err != nil {
		var nf *elbtypes.LoadBalancerNotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to delete load balancer: %w", err)
	}
	return nil
}

// loadBalancerAttrs exposes the externally assigned hostname and zone as
// computed attributes; DNS records alias against them.
func loadBalancerAttrs(lb *elbtypes.LoadBalancer) map[string]any {
	attrs := map[string]any{
		"id":                    str(lb.LoadBalancerArn),
		"arn":                   str(lb.LoadBalancerArn),
		"dnsName":               str(lb.DNSName),
		"canonicalHostedZoneId": str(lb.CanonicalHostedZoneId),
		"name":                  str(lb.LoadBalancerName),
	}
	if lb.State != nil {
		attrs["state"] = string(lb.State.Code)
	}
	return attrs
}

type targetGroupConfig struct {
	Port            int32  `json:"port"`
	Protocol        string `json:"protocol"`
	VpcID           string `json:"vpcId"`
	TargetType      string `json:"targetType"`
	HealthCheckPath string `json:"healthCheckPath"`
}

func (p *Provider) createTargetGroup(ctx context.Context, req *provider.CreateRequest) (map[string]any, error) {
	var cfg targetGroupConfig
	if err := decode(req.Attributes, &cfg); err != nil {
		return nil, err
	}

	input := &elasticloadbalancingv2.CreateTargetGroupInput{
		Name:     &req.Name,
		Port:     &cfg.Port,
		Protocol: elbtypes.ProtocolEnum(cfg.Protocol),
		VpcId:    &cfg.VpcID,
	}
	if cfg.TargetType != "" {
		input.TargetType = elbtypes.TargetTypeEnum(cfg.TargetType)
	}
	if cfg.HealthCheckPath != "" {
		input.HealthCheckPath = &cfg.HealthCheckPath
	}

	resp, err := p.elbv2Client.CreateTargetGroup(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create target group %s: %w", req.Name, err)
	}
	if len(resp.TargetGroups) == 0 {
		return nil, fmt.Errorf("create target group %s returned no group", req.Name)
	}

	tg := resp.TargetGroups[0]
	return map[string]any{
		"id":   str(tg.TargetGroupArn),
		"arn":  str(tg.TargetGroupArn),
		"name": str(tg.TargetGroupName),
	}, nil
}

func (p *Provider) readTargetGroup(ctx context.Context, arn string) (map[string]any, error) {
	resp, err := p.elbv2Client.DescribeTargetGroups(ctx, &elasticloadbalancingv2.DescribeTargetGroupsInput{
		TargetGroupArns: []string{arn},
	})
	if err != nil {
		var nf *elbtypes.TargetGroupNotFoundException
		if errors.As(err, &nf) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("failed to describe target group: %w", err)
	}
	if len(resp.TargetGroups) == 0 {
		return nil, provider.ErrNotFound
	}
	tg := resp.TargetGroups[0]
	return map[string]any{
		"id":   str(tg.TargetGroupArn),
		"arn":  str(tg.TargetGroupArn),
		"name": str(tg.TargetGroupName),
	}, nil
}

func (p *Provider) deleteTargetGroup(ctx context.Context, arn string) error {
	if arn == "" {
		return nil
	}
	_, err := p.elbv2Client.DeleteTargetGroup(ctx, &elasticloadbalancingv2.DeleteTargetGroupInput{
		TargetGroupArn: &arn,
	})
	if err != nil {
		var nf *elbtypes.TargetGroupNotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to delete target group: %w", err)
	}
	return nil
}
