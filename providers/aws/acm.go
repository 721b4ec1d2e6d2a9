package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"

	"github.com/convergo-io/convergo/internal/provider"
)

type certificateConfig struct {
	DomainName              string            `json:"domainName"`
	SubjectAlternativeNames []string          `json:"subjectAlternativeNames"`
	ValidationMethod        string            `json:"validationMethod"`
	Tags                    map[string]string `json:"tags"`
}

// createCertificate requests a certificate and waits for ACM to publish the
// DNS validation record, which dependents consume as computed attributes.
func (p *Provider) createCertificate(ctx context.Context, req *provider.CreateRequest) (map[string]any, error) {
	var cfg certificateConfig
	if err := decode(req.Attributes, &cfg); err != nil {
		return nil, err
	}
	if cfg.ValidationMethod == "" {
		cfg.ValidationMethod = string(acmtypes.ValidationMethodDns)
	}

	input := &acm.RequestCertificateInput{
		DomainName:       &cfg.DomainName,
		ValidationMethod: acmtypes.ValidationMethod(cfg.ValidationMethod),
		IdempotencyToken: &req.Name,
	}
	if len(cfg.SubjectAlternativeNames) > 0 {
		input.SubjectAlternativeNames = cfg.SubjectAlternativeNames
	}
	for k, v := range cfg.Tags {
		input.Tags = append(input.Tags, acmtypes.Tag{Key: &k, Value: &v})
	}

	resp, err := p.acmClient.RequestCertificate(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to request certificate: %w", err)
	}
	arn := *resp.CertificateArn

	// The validation record appears shortly after the request; poll for it.
	var record *acmtypes.ResourceRecord
	for i := 0; i < 10; i++ {
		desc, err := p.acmClient.DescribeCertificate(ctx, &acm.DescribeCertificateInput{
			CertificateArn: &arn,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe certificate: %w", err)
		}
		for _, opt := range desc.Certificate.DomainValidationOptions {
			if opt.ResourceRecord != nil {
				record = opt.ResourceRecord
				break
			}
		}
		if record != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}

	attrs := map[string]any{
		"id":         arn,
		"arn":        arn,
		"domainName": cfg.DomainName,
	}
	if record != nil {
		attrs["validationRecordName"] = *record.Name
		attrs["validationRecordType"] = string(record.Type)
		attrs["validationRecordValue"] = *record.Value
	}
	return attrs, nil
}

func (p *Provider) updateCertificate(ctx context.Context, req *provider.UpdateRequest) (map[string]any, error) {
	var cfg certificateConfig
	if err := decode(req.Attributes, &cfg); err != nil {
		return nil, err
	}
	if prior := stringOf(req.Prior["domainName"]); prior != "" && prior != cfg.DomainName {
		return nil, fmt.Errorf("certificate domain name cannot be changed in place (was %s, want %s)", prior, cfg.DomainName)
	}

	for k, v := range cfg.Tags {
		arn := req.ID
		_, err := p.acmClient.AddTagsToCertificate(ctx, &acm.AddTagsToCertificateInput{
			CertificateArn: &arn,
			Tags:           []acmtypes.Tag{{Key: &k, Value: &v}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to tag certificate: %w", err)
		}
	}

	return p.readCertificate(ctx, req.ID)
}

func (p *Provider) readCertificate(ctx context.Context, arn string) (map[string]any, error) {
	desc, err := p.acmClient.DescribeCertificate(ctx, &acm.DescribeCertificateInput{
		CertificateArn: &arn,
	})
	if err != nil {
		var nf *acmtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("failed to describe certificate: %w", err)
	}

	cert := desc.Certificate
	attrs := map[string]any{
		"id":         arn,
		"arn":        arn,
		"domainName": str(cert.DomainName),
		"status":     string(cert.Status),
	}
	for _, opt := range cert.DomainValidationOptions {
		if opt.ResourceRecord != nil {
			attrs["validationRecordName"] = *opt.ResourceRecord.Name
			attrs["validationRecordType"] = string(opt.ResourceRecord.Type)
			attrs["validationRecordValue"] = *opt.ResourceRecord.Value
			break
		}
	}
	return attrs, nil
}

func (p *Provider) deleteCertificate(ctx context.Context, arn string) error {
	if arn == "" {
		return nil
	}
	_, err := p.acmClient.DeleteCertificate(ctx, &acm.DeleteCertificateInput{
		CertificateArn: &arn,
	})
	if err != nil {
		var nf *acmtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("failed to delete certificate: %w", err)
	}
	return nil
}

type certificateValidationConfig struct {
	CertificateArn string `json:"certificateArn"`
}

// createCertificateValidation blocks until ACM reports the certificate
// issued. It realizes nothing remotely; it exists so dependents only start
// once validation completed.
func (p *Provider) createCertificateValidation(ctx context.Context, req *provider.CreateRequest) (map[string]any, error) {
	var cfg certificateValidationConfig
	if err := decode(req.Attributes, &cfg); err != nil {
		return nil, err
	}
	if cfg.CertificateArn == "" {
		return nil, fmt.Errorf("certificateArn is required")
	}

	waiter := acm.NewCertificateValidatedWaiter(p.acmClient)
	if err := waiter.Wait(ctx, &acm.DescribeCertificateInput{
		CertificateArn: &cfg.CertificateArn,
	}, 5*time.Minute); err != nil {
		return nil, fmt.Errorf("certificate validation did not complete: %w", err)
	}

	return map[string]any{
		"id":             cfg.CertificateArn,
		"certificateArn": cfg.CertificateArn,
		"status":         string(acmtypes.CertificateStatusIssued),
	}, nil
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
