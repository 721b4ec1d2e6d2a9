package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/convergo-io/convergo/internal/provider"
)

type roleConfig struct {
	AssumeRolePolicy  any      `json:"assumeRolePolicy"`
	ManagedPolicyArns []string `json:"managedPolicyArns"`
	Description       string   `json:"description"`
	Path              string   `json:"path"`
}

func (c *roleConfig) assumeRolePolicyDocument() (string, error) {
	switch v := c.AssumeRolePolicy.(type) {
	case nil:
		return "", fmt.Errorf("assumeRolePolicy is required")
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode assume role policy: %w", err)
		}
		return string(data), nil
	}
}

func (p *Provider) createRole(ctx context.Context, req *provider.CreateRequest) (map[string]any, error) {
	var cfg roleConfig
	if err := decode(req.Attributes, &cfg); err != nil {
		return nil, err
	}
	doc, err := cfg.assumeRolePolicyDocument()
	if err != nil {
		return nil, err
	}

	input := &iam.CreateRoleInput{
		RoleName:                 &req.Name,
		AssumeRolePolicyDocument: &doc,
	}
	if cfg.Description != "" {
		input.Description = &cfg.Description
	}
	if cfg.Path != "" {
		input.Path = &cfg.Path
	}

	resp, err := p.iamClient.CreateRole(ctx, input)
	var exists *iamtypes.EntityAlreadyExistsException
	if errors.As(err, &exists) {
		// Converge on the existing role and reconcile its attachments.
		return p.updateRole(ctx, &provider.UpdateRequest{
			Type: req.Type, Name: req.Name, ID: req.Name, Attributes: req.Attributes,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create role %s: %w", req.Name, err)
	}

	if err := p.attachPolicies(ctx, req.Name, cfg.ManagedPolicyArns); err != nil {
		return nil, err
	}

	return map[string]any{
		"id":   str(resp.Role.RoleName),
		"arn":  str(resp.Role.Arn),
		"name": str(resp.Role.RoleName),
	}, nil
}

func (p *Provider) updateRole(ctx context.Context, req *provider.UpdateRequest) (map[string]any, error) {
	var cfg roleConfig
	if err := decode(req.Attributes, &cfg); err != nil {
		return nil, err
	}

	if cfg.AssumeRolePolicy != nil {
		doc, err := cfg.assumeRolePolicyDocument()
		if err != nil {
			return nil, err
		}
		_, err = p.iamClient.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       &req.Name,
			PolicyDocument: &doc,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update assume role policy: %w", err)
		}
	}

	if err := p.attachPolicies(ctx, req.Name, cfg.ManagedPolicyArns); err != nil {
		return nil, err
	}

	return p.readRole(ctx, req.Name)
}

// attachPolicies attaches each ARN; attaching an already-attached managed
// policy is a no-op on the IAM side.
func (p *Provider) attachPolicies(ctx context.Context, roleName string, arns []string) error {
	for _, arn := range arns {
		a := arn
		_, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  &roleName,
			PolicyArn: &a,
		})
		if err != nil {
			return fmt.Errorf("failed to attach policy %s to role %s: %w", arn, roleName, err)
		}
	}
	return nil
}

func (p *Provider) readRole(ctx context.Context, name string) (map[string]any, error) {
	resp, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{
		RoleName: &name,
	})
	if err != nil {
		var nf *iamtypes.NoSuchEntityException
		if errors.As(err, &nf) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get role %s: %w", name, err)
	}
	return map[string]any{
		"id":   str(resp.Role.RoleName),
		"arn":  str(resp.Role.Arn),
		"name": str(resp.Role.RoleName),
	}, nil
}

func (p *Provider) deleteRole(ctx context.Context, name string, prior map[string]any) error {
	if name == "" {
		name = stringOf(prior["name"])
	}
	if name == "" {
		return nil
	}

	// Managed policies must be detached before the role can go.
	attached, err := p.iamClient.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{
		RoleName: &name,
	})
	if err != nil {
		var nf *iamtypes.NoSuchEntityException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to list attached policies for role %s: %w", name, err)
	}
	for _, pol := range attached.AttachedPolicies {
		_, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  &name,
			PolicyArn: pol.PolicyArn,
		})
		if err != nil {
			return fmt.Errorf("failed to detach policy %s: %w", str(pol.PolicyArn), err)
		}
	}

	_, err = p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{
		RoleName: &name,
	})
	if err != nil {
		var nf *iamtypes.NoSuchEntityException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to delete role %s: %w", name, err)
	}
	return nil
}
