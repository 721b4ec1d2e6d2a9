// Package aws implements the provider contract against AWS control planes:
// ACM certificates, Route53 records, ELBv2 load balancers, ECS workloads,
// and IAM roles.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/route53"

	"github.com/convergo-io/convergo/internal/provider"
)

// Resource type identifiers handled by this provider.
const (
	TypeCertificate           = "aws:acm.Certificate"
	TypeCertificateValidation = "aws:acm.CertificateValidation"
	TypeRecord                = "aws:route53.Record"
	TypeLoadBalancer          = "aws:elbv2.LoadBalancer"
	TypeTargetGroup           = "aws:elbv2.TargetGroup"
	TypeCluster               = "aws:ecs.Cluster"
	TypeTaskDefinition        = "aws:ecs.TaskDefinition"
	TypeService               = "aws:ecs.Service"
	TypeRole                  = "aws:iam.Role"
)

const defaultRegion = "us-east-1"

type Provider struct {
	mu     sync.Mutex
	region string

	acmClient     *acm.Client
	route53Client *route53.Client
	elbv2Client   *elasticloadbalancingv2.Client
	ecsClient     *ecs.Client
	iamClient     *iam.Client
}

func New() *Provider {
	return &Provider{}
}

// ensureClients lazily initializes the service clients from the default
// credential chain. The first resource's region wins for the whole run.
func (p *Provider) ensureClients(ctx context.Context, region string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.acmClient != nil {
		return nil
	}
	if region == "" {
		region = defaultRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}
	p.region = region

	p.acmClient = acm.NewFromConfig(cfg)
	p.route53Client = route53.NewFromConfig(cfg)
	p.elbv2Client = elasticloadbalancingv2.NewFromConfig(cfg)
	p.ecsClient = ecs.NewFromConfig(cfg)
	p.iamClient = iam.NewFromConfig(cfg)

	return nil
}

func (p *Provider) Create(ctx context.Context, req *provider.CreateRequest) (*provider.CreateResponse, error) {
	if err := p.ensureClients(ctx, stringOf(req.Attributes["region"])); err != nil {
		return nil, err
	}

	var attrs map[string]any
	var err error
	switch req.Type {
	case TypeCertificate:
		attrs, err = p.createCertificate(ctx, req)
	case TypeCertificateValidation:
		attrs, err = p.createCertificateValidation(ctx, req)
	case TypeRecord:
		attrs, err = p.upsertRecord(ctx, req.Attributes)
	case TypeLoadBalancer:
		attrs, err = p.createLoadBalancer(ctx, req)
	case TypeTargetGroup:
		attrs, err = p.createTargetGroup(ctx, req)
	case TypeCluster:
		attrs, err = p.createCluster(ctx, req)
	case TypeTaskDefinition:
		attrs, err = p.registerTaskDefinition(ctx, req.Attributes)
	case TypeService:
		attrs, err = p.createService(ctx, req)
	case TypeRole:
		attrs, err = p.createRole(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported resource type: %s", req.Type)
	}
	if err != nil {
		return nil, err
	}
	return &provider.CreateResponse{Attributes: attrs}, nil
}

func (p *Provider) Update(ctx context.Context, req *provider.UpdateRequest) (*provider.UpdateResponse, error) {
	if err := p.ensureClients(ctx, stringOf(req.Attributes["region"])); err != nil {
		return nil, err
	}

	var attrs map[string]any
	var err error
	switch req.Type {
	case TypeCertificate:
		attrs, err = p.updateCertificate(ctx, req)
	case TypeCertificateValidation:
		attrs, err = p.createCertificateValidation(ctx, &provider.CreateRequest{
			Type: req.Type, Name: req.Name, Attributes: req.Attributes,
		})
	case TypeRecord:
		attrs, err = p.upsertRecord(ctx, req.Attributes)
	case TypeLoadBalancer:
		attrs, err = p.updateLoadBalancer(ctx, req)
	case TypeTargetGroup:
		// Target group core settings are immutable; re-read and keep.
		attrs, err = p.readTargetGroup(ctx, req.ID)
	case TypeCluster:
		attrs, err = p.readCluster(ctx, req.Name)
	case TypeTaskDefinition:
		// A task definition update registers a new revision.
		attrs, err = p.registerTaskDefinition(ctx, req.Attributes)
	case TypeService:
		attrs, err = p.updateService(ctx, req)
	case TypeRole:
		attrs, err = p.updateRole(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported resource type: %s", req.Type)
	}
	if err != nil {
		return nil, err
	}
	return &provider.UpdateResponse{Attributes: attrs}, nil
}

func (p *Provider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	if err := p.ensureClients(ctx, ""); err != nil {
		return nil, err
	}

	var attrs map[string]any
	var err error
	switch req.Type {
	case TypeCertificate, TypeCertificateValidation:
		attrs, err = p.readCertificate(ctx, req.ID)
	case TypeRecord:
		attrs, err = p.readRecord(ctx, req.ID)
	case TypeLoadBalancer:
		attrs, err = p.readLoadBalancer(ctx, req.ID)
	case TypeTargetGroup:
		attrs, err = p.readTargetGroup(ctx, req.ID)
	case TypeCluster:
		attrs, err = p.readCluster(ctx, req.Name)
	case TypeTaskDefinition:
		attrs, err = p.readTaskDefinition(ctx, req.ID)
	case TypeService:
		attrs, err = p.readService(ctx, req.ID)
	case TypeRole:
		attrs, err = p.readRole(ctx, req.Name)
	default:
		return nil, fmt.Errorf("unsupported resource type: %s", req.Type)
	}
	if err != nil {
		return nil, err
	}
	return &provider.ReadResponse{Attributes: attrs}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	if err := p.ensureClients(ctx, stringOf(req.Prior["region"])); err != nil {
		return err
	}

	switch req.Type {
	case TypeCertificate:
		return p.deleteCertificate(ctx, req.ID)
	case TypeCertificateValidation:
		// Purely a waiter; nothing exists remotely.
		return nil
	case TypeRecord:
		return p.deleteRecord(ctx, req.Prior)
	case TypeLoadBalancer:
		return p.deleteLoadBalancer(ctx, req.ID)
	case TypeTargetGroup:
		return p.deleteTargetGroup(ctx, req.ID)
	case TypeCluster:
		return p.deleteCluster(ctx, req.Name)
	case TypeTaskDefinition:
		return p.deregisterTaskDefinition(ctx, req.ID)
	case TypeService:
		return p.deleteService(ctx, req.Prior)
	case TypeRole:
		return p.deleteRole(ctx, req.Name, req.Prior)
	default:
		return fmt.Errorf("unsupported resource type: %s", req.Type)
	}
}

// decode maps loosely-typed attributes onto a typed config struct via a
// JSON round-trip.
func decode(attrs map[string]any, out any) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode attributes: %w", err)
	}
	return nil
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
