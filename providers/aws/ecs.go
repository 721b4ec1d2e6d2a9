package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/convergo-io/convergo/internal/provider"
)

func (p *Provider) createCluster(ctx context.Context, req *provider.CreateRequest) (map[string]any, error) {
	name := req.Name
	if v := stringOf(req.Attributes["name"]); v != "" {
		name = v
	}

	// CreateCluster with an existing name returns the existing cluster.
	resp, err := p.ecsClient.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: &name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster %s: %w", name, err)
	}

	return map[string]any{
		"id":   str(resp.Cluster.ClusterName),
		"arn":  str(resp.Cluster.ClusterArn),
		"name": str(resp.Cluster.ClusterName),
	}, nil
}

func (p *Provider) readCluster(ctx context.Context, name string) (map[string]any, error) {
	resp, err := p.ecsClient.DescribeClusters(ctx, &ecs.DescribeClustersInput{
		Clusters: []string{name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe cluster %s: %w", name, err)
	}
	for _, c := range resp.Clusters {
		if str(c.Status) == "INACTIVE" {
			continue
		}
		return map[string]any{
			"id":   str(c.ClusterName),
			"arn":  str(c.ClusterArn),
			"name": str(c.ClusterName),
		}, nil
	}
	return nil, provider.ErrNotFound
}

func (p *Provider) deleteCluster(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	_, err := p.ecsClient.DeleteCluster(ctx, &ecs.DeleteClusterInput{
		Cluster: &name,
	})
	if err != nil {
		var nf *ecstypes.ClusterNotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to delete cluster %s: %w", name, err)
	}
	return nil
}

type taskDefinitionConfig struct {
	Family           string                `json:"family"`
	CPU              string                `json:"cpu"`
	Memory           string                `json:"memory"`
	ExecutionRoleArn string                `json:"executionRoleArn"`
	TaskRoleArn      string                `json:"taskRoleArn"`
	Containers       []containerDefinition `json:"containers"`
}

type containerDefinition struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Port        int32             `json:"port"`
	Environment map[string]string `json:"environment"`
	Essential   *bool             `json:"essential"`
}

// registerTaskDefinition always registers a fresh revision; ECS task
// definitions are immutable, so create and update are the same call.
func (p *Provider) registerTaskDefinition(ctx context.Context, attrs map[string]any) (map[string]any, error) {
	var cfg taskDefinitionConfig
	if err := decode(attrs, &cfg); err != nil {
		return nil, err
	}
	if cfg.Family == "" {
		return nil, fmt.Errorf("task definition family is required")
	}

	var containers []ecstypes.ContainerDefinition
	for _, c := range cfg.Containers {
		def := ecstypes.ContainerDefinition{
			Name:  aws.String(c.Name),
			Image: aws.String(c.Image),
		}
		if c.Essential != nil {
			def.Essential = c.Essential
		} else {
			def.Essential = aws.Bool(true)
		}
		if c.Port != 0 {
			def.PortMappings = []ecstypes.PortMapping{{
				ContainerPort: aws.Int32(c.Port),
				Protocol:      ecstypes.TransportProtocolTcp,
			}}
		}
		for k, v := range c.Environment {
			def.Environment = append(def.Environment, ecstypes.KeyValuePair{
				Name:  aws.String(k),
				Value: aws.String(v),
			})
		}
		containers = append(containers, def)
	}

	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  &cfg.Family,
		ContainerDefinitions:    containers,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
	}
	if cfg.CPU != "" {
		input.Cpu = &cfg.CPU
	}
	if cfg.Memory != "" {
		input.Memory = &cfg.Memory
	}
	if cfg.ExecutionRoleArn != "" {
		input.ExecutionRoleArn = &cfg.ExecutionRoleArn
	}
	if cfg.TaskRoleArn != "" {
		input.TaskRoleArn = &cfg.TaskRoleArn
	}

	resp, err := p.ecsClient.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to register task definition %s: %w", cfg.Family, err)
	}

	td := resp.TaskDefinition
	return map[string]any{
		"id":       str(td.TaskDefinitionArn),
		"arn":      str(td.TaskDefinitionArn),
		"family":   str(td.Family),
		"revision": td.Revision,
	}, nil
}

func (p *Provider) readTaskDefinition(ctx context.Context, arn string) (map[string]any, error) {
	resp, err := p.ecsClient.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: &arn,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Unable to describe task definition") {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("failed to describe task definition: %w", err)
	}
	td := resp.TaskDefinition
	if td.Status == ecstypes.TaskDefinitionStatusInactive {
		return nil, provider.ErrNotFound
	}
	return map[string]any{
		"id":       str(td.TaskDefinitionArn),
		"arn":      str(td.TaskDefinitionArn),
		"family":   str(td.Family),
		"revision": td.Revision,
	}, nil
}

func (p *Provider) deregisterTaskDefinition(ctx context.Context, arn string) error {
	if arn == "" {
		return nil
	}
	_, err := p.ecsClient.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{
		TaskDefinition: &arn,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Unable to describe task definition") {
			return nil
		}
		return fmt.Errorf("failed to deregister task definition: %w", err)
	}
	return nil
}

type serviceConfig struct {
	Cluster        string   `json:"cluster"`
	TaskDefinition string   `json:"taskDefinition"`
	DesiredCount   int32    `json:"desiredCount"`
	Subnets        []string `json:"subnets"`
	SecurityGroups []string `json:"securityGroups"`
	AssignPublicIP bool     `json:"assignPublicIp"`
	LoadBalancer   *struct {
		TargetGroupArn string `json:"targetGroupArn"`
		ContainerName  string `json:"containerName"`
		ContainerPort  int32  `json:"containerPort"`
	} `json:"loadBalancer"`
}

func (c *serviceConfig) networkConfiguration() *ecstypes.NetworkConfiguration {
	if len(c.Subnets) == 0 {
		return nil
	}
	assign := ecstypes.AssignPublicIpDisabled
	if c.AssignPublicIP {
		assign = ecstypes.AssignPublicIpEnabled
	}
	return &ecstypes.NetworkConfiguration{
		AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
			Subnets:        c.Subnets,
			SecurityGroups: c.SecurityGroups,
			AssignPublicIp: assign,
		},
	}
}

func (p *Provider) createService(ctx context.Context, req *provider.CreateRequest) (map[string]any, error) {
	var cfg serviceConfig
	if err := decode(req.Attributes, &cfg); err != nil {
		return nil, err
	}

	input := &ecs.CreateServiceInput{
		ServiceName:          &req.Name,
		Cluster:              &cfg.Cluster,
		TaskDefinition:       &cfg.TaskDefinition,
		DesiredCount:         aws.Int32(cfg.DesiredCount),
		LaunchType:           ecstypes.LaunchTypeFargate,
		NetworkConfiguration: cfg.networkConfiguration(),
	}
	if cfg.LoadBalancer != nil {
		input.LoadBalancers = []ecstypes.LoadBalancer{{
			TargetGroupArn: &cfg.LoadBalancer.TargetGroupArn,
			ContainerName:  &cfg.LoadBalancer.ContainerName,
			ContainerPort:  aws.Int32(cfg.LoadBalancer.ContainerPort),
		}}
	}

	resp, err := p.ecsClient.CreateService(ctx, input)
	if err != nil {
		// Creating a service that already exists converges on an update.
		if strings.Contains(err.Error(), "Creation of service was not idempotent") ||
			strings.Contains(err.Error(), "already exists") {
			return p.updateService(ctx, &provider.UpdateRequest{
				Type: req.Type, Name: req.Name, ID: req.Name, Attributes: req.Attributes,
			})
		}
		return nil, fmt.Errorf("failed to create service %s: %w", req.Name, err)
	}

	return serviceAttrs(resp.Service), nil
}

func (p *Provider) updateService(ctx context.Context, req *provider.UpdateRequest) (map[string]any, error) {
	var cfg serviceConfig
	if err := decode(req.Attributes, &cfg); err != nil {
		return nil, err
	}

	resp, err := p.ecsClient.UpdateService(ctx, &ecs.UpdateServiceInput{
		Service:              &req.Name,
		Cluster:              &cfg.Cluster,
		TaskDefinition:       &cfg.TaskDefinition,
		DesiredCount:         aws.Int32(cfg.DesiredCount),
		NetworkConfiguration: cfg.networkConfiguration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update service %s: %w", req.Name, err)
	}
	return serviceAttrs(resp.Service), nil
}

func (p *Provider) readService(ctx context.Context, id string) (map[string]any, error) {
	cluster, name := parseServiceID(id)
	resp, err := p.ecsClient.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  &cluster,
		Services: []string{name},
	})
	if err != nil {
		var nf *ecstypes.ClusterNotFoundException
		if errors.As(err, &nf) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("failed to describe service %s: %w", name, err)
	}
	for _, svc := range resp.Services {
		if str(svc.Status) == "INACTIVE" {
			continue
		}
		return serviceAttrs(&svc), nil
	}
	return nil, provider.ErrNotFound
}

func (p *Provider) deleteService(ctx context.Context, prior map[string]any) error {
	cluster := stringOf(prior["cluster"])
	name := stringOf(prior["name"])
	if name == "" {
		return nil
	}

	// Scale to zero first; ECS refuses to delete services with running tasks.
	_, err := p.ecsClient.UpdateService(ctx, &ecs.UpdateServiceInput{
		Service:      &name,
		Cluster:      &cluster,
		DesiredCount: aws.Int32(0),
	})
	if err != nil {
		var nf *ecstypes.ServiceNotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to drain service %s: %w", name, err)
	}

	_, err = p.ecsClient.DeleteService(ctx, &ecs.DeleteServiceInput{
		Service: &name,
		Cluster: &cluster,
		Force:   aws.Bool(true),
	})
	if err != nil {
		var nf *ecstypes.ServiceNotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to delete service %s: %w", name, err)
	}
	return nil
}

func serviceAttrs(svc *ecstypes.Service) map[string]any {
	cluster := clusterNameFromArn(str(svc.ClusterArn))
	return map[string]any{
		"id":             serviceID(cluster, str(svc.ServiceName)),
		"arn":            str(svc.ServiceArn),
		"name":           str(svc.ServiceName),
		"cluster":        cluster,
		"taskDefinition": str(svc.TaskDefinition),
		"desiredCount":   svc.DesiredCount,
		"status":         str(svc.Status),
	}
}

func serviceID(cluster, name string) string {
	return fmt.Sprintf("%s/%s", cluster, name)
}

func parseServiceID(id string) (cluster, name string) {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "default", id
}

func clusterNameFromArn(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
