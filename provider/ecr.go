package provider

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/GlueOps/mirror-registry/types"
)

var ecrHostRe = regexp.MustCompile(`^([0-9]{12})\.dkr\.ecr(?:-fips)?\.([a-z0-9-]+)\.amazonaws\.com(?:\.cn)?$`)

// ECRAPI is the subset of the ECR client used to list images
type ECRAPI interface {
	DescribeImages(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
}

// ECRClientFn returns a client for a region
type ECRClientFn func(ctx context.Context, region string) (ECRAPI, error)

// ECR lists tags from private ECR registries with the AWS SDK
type ECR struct {
	base
	newClient ECRClientFn
	mu        sync.Mutex
	clients   map[string]ECRAPI
}

// NewECR returns the private ECR provider, a nil newClient uses the default AWS credential chain
func NewECR(newClient ECRClientFn, opts ...Opt) *ECR {
	if newClient == nil {
		newClient = DefaultECRClient
	}
	return &ECR{
		base:      newBase(nil, "", opts),
		newClient: newClient,
		clients:   map[string]ECRAPI{},
	}
}

// DefaultECRClient loads the shared AWS configuration for a region
func DefaultECRClient(ctx context.Context, region string) (ECRAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return ecr.NewFromConfig(cfg), nil
}

// ParseECRHost extracts the account and region from a private ECR host name
func ParseECRHost(host string) (account, region string, ok bool) {
	m := ecrHostRe.FindStringSubmatch(host)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// IsECRHost matches private ECR registry hosts
func IsECRHost(host string) bool {
	_, _, ok := ParseECRHost(host)
	return ok
}

// ListTags pages through DescribeImages for tagged images pushed after the cutoff
func (e *ECR) ListTags(ctx context.Context, req Request) ([]string, error) {
	s := newScanner(req, SkipBeforeCutoff)
	account, region, ok := ParseECRHost(req.Registry)
	if !ok {
		return s.tags, fmt.Errorf("%w: %s is not an ecr registry", types.ErrUnknownRegistry, req.Registry)
	}
	api, err := e.client(ctx, region)
	if err != nil {
		return s.tags, fetchErr(e.log, req.Registry, req, 1, err)
	}
	in := &ecr.DescribeImagesInput{
		RegistryId:     aws.String(account),
		RepositoryName: aws.String(req.Repository),
		MaxResults:     aws.Int32(pageSize),
		Filter:         &ecrtypes.DescribeImagesFilter{TagStatus: ecrtypes.TagStatusTagged},
	}
	for page := 1; ; page++ {
		out, err := api.DescribeImages(ctx, in)
		if err != nil {
			return s.tags, fetchErr(e.log, req.Registry, req, page, err)
		}
		for _, img := range out.ImageDetails {
			s.add(aws.ToTime(img.ImagePushedAt), img.ImageTags...)
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		in.NextToken = out.NextToken
	}
	return s.tags, nil
}

func (e *ECR) client(ctx context.Context, region string) (ECRAPI, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[region]; ok {
		return c, nil
	}
	c, err := e.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	e.clients[region] = c
	return c, nil
}
