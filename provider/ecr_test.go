package provider

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/GlueOps/mirror-registry/types"
)

type mockECR struct {
	describeImages func(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
}

func (m *mockECR) DescribeImages(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error) {
	return m.describeImages(ctx, params, optFns...)
}

func TestParseECRHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		host    string
		account string
		region  string
		ok      bool
	}{
		{host: "123456789012.dkr.ecr.us-east-1.amazonaws.com", account: "123456789012", region: "us-east-1", ok: true},
		{host: "123456789012.dkr.ecr-fips.us-gov-west-1.amazonaws.com", account: "123456789012", region: "us-gov-west-1", ok: true},
		{host: "123456789012.dkr.ecr.cn-north-1.amazonaws.com.cn", account: "123456789012", region: "cn-north-1", ok: true},
		{host: "12345.dkr.ecr.us-east-1.amazonaws.com"},
		{host: "public.ecr.aws"},
		{host: "123456789012.dkr.ecr.us-east-1.amazonaws.com.example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			account, region, ok := ParseECRHost(tt.host)
			if ok != tt.ok || account != tt.account || region != tt.region {
				t.Errorf("expected %s %s %t, received %s %s %t", tt.account, tt.region, tt.ok, account, region, ok)
			}
		})
	}
}

func TestECR(t *testing.T) {
	t.Parallel()
	calls := 0
	regions := []string{}
	mock := &mockECR{
		describeImages: func(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error) {
			calls++
			if aws.ToString(params.RegistryId) != "123456789012" || aws.ToString(params.RepositoryName) != "team/app" {
				return nil, fmt.Errorf("unexpected input %s/%s", aws.ToString(params.RegistryId), aws.ToString(params.RepositoryName))
			}
			if params.Filter == nil || params.Filter.TagStatus != ecrtypes.TagStatusTagged {
				return nil, fmt.Errorf("tag filter missing")
			}
			page := 1
			if params.NextToken != nil {
				fmt.Sscanf(aws.ToString(params.NextToken), "token-%d", &page)
			}
			out := &ecr.DescribeImagesOutput{}
			for _, rec := range feedPage(page) {
				out.ImageDetails = append(out.ImageDetails, ecrtypes.ImageDetail{
					ImageTags:     []string{rec.Name},
					ImagePushedAt: aws.Time(rec.Time),
				})
			}
			if page < feedPages {
				out.NextToken = aws.String(fmt.Sprintf("token-%d", page+1))
			}
			return out, nil
		},
	}
	p := NewECR(func(ctx context.Context, region string) (ECRAPI, error) {
		regions = append(regions, region)
		return mock, nil
	})
	req := testRequest(t, feedCutoff, `v.*`)
	req.Registry = "123456789012.dkr.ecr.eu-west-1.amazonaws.com"
	req.Repository = "team/app"
	tags, err := p.ListTags(context.Background(), req)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !reflect.DeepEqual(tags, expectSkip) {
		t.Errorf("tags mismatch, expected %v, received %v", expectSkip, tags)
	}
	if calls != feedPages {
		t.Errorf("pages fetched, expected %d, received %d", feedPages, calls)
	}
	// the region client is reused
	_, err = p.ListTags(context.Background(), req)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !reflect.DeepEqual(regions, []string{"eu-west-1"}) {
		t.Errorf("clients created for %v", regions)
	}

	req.Registry = "quay.io"
	_, err = p.ListTags(context.Background(), req)
	if !errors.Is(err, types.ErrUnknownRegistry) {
		t.Errorf("unexpected error for a non ecr host: %v", err)
	}
}

func TestECRError(t *testing.T) {
	t.Parallel()
	errAPI := errors.New("AccessDeniedException")
	mock := &mockECR{
		describeImages: func(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error) {
			if params.NextToken != nil {
				return nil, errAPI
			}
			return &ecr.DescribeImagesOutput{
				ImageDetails: []ecrtypes.ImageDetail{{ImageTags: []string{"v1.0", "latest"}, ImagePushedAt: aws.Time(feedNow)}},
				NextToken:    aws.String("more"),
			}, nil
		},
	}
	p := NewECR(func(ctx context.Context, region string) (ECRAPI, error) {
		return mock, nil
	})
	req := testRequest(t, feedCutoff, `.*`)
	req.Registry = "123456789012.dkr.ecr.us-east-1.amazonaws.com"
	req.Repository = "app"
	tags, err := p.ListTags(context.Background(), req)
	if !errors.Is(err, types.ErrProviderFetch) || !errors.Is(err, errAPI) {
		t.Errorf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"v1.0", "latest"}) {
		t.Errorf("partial tags mismatch: %v", tags)
	}

	errCfg := errors.New("no credentials")
	p = NewECR(func(ctx context.Context, region string) (ECRAPI, error) {
		return nil, errCfg
	})
	_, err = p.ListTags(context.Background(), req)
	if !errors.Is(err, errCfg) {
		t.Errorf("unexpected error: %v", err)
	}
}
