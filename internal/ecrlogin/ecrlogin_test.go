package ecrlogin

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/smithy-go"

	"github.com/GlueOps/mirror-registry/types"
)

type mockAPI struct {
	getAuthorizationToken func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

func (m *mockAPI) GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	return m.getAuthorizationToken(ctx, params, optFns...)
}

const testHost = "123456789012.dkr.ecr.us-east-2.amazonaws.com"

func TestGet(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	mock := &mockAPI{
		getAuthorizationToken: func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
			calls++
			if len(params.RegistryIds) != 1 || params.RegistryIds[0] != "123456789012" {
				t.Errorf("unexpected registry ids: %v", params.RegistryIds)
			}
			return &ecr.GetAuthorizationTokenOutput{
				AuthorizationData: []ecrtypes.AuthorizationData{{
					AuthorizationToken: aws.String(base64.StdEncoding.EncodeToString([]byte("AWS:secret"))),
					ExpiresAt:          aws.Time(now.Add(12 * time.Hour)),
				}},
			}, nil
		},
	}
	region := ""
	tp := New(
		WithClientFn(func(ctx context.Context, r string) (API, error) {
			region = r
			return mock, nil
		}),
		WithClock(func() time.Time { return now }),
	)
	l, err := tp.Get(context.Background(), testHost)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if l.Username != "AWS" || l.Password != "secret" {
		t.Errorf("unexpected login: %s/%s", l.Username, l.Password)
	}
	if region != "us-east-2" {
		t.Errorf("unexpected region: %s", region)
	}
	// cached until near expiry
	if _, err := tp.Get(context.Background(), testHost); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected one token request, received %d", calls)
	}
	now = now.Add(12*time.Hour - time.Minute)
	if _, err := tp.Get(context.Background(), testHost); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected a refresh near expiry, received %d requests", calls)
	}
}

func TestGetErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		host   string
		out    *ecr.GetAuthorizationTokenOutput
		apiErr error
		expect error
	}{
		{
			name:   "not ecr",
			host:   "quay.io",
			expect: types.ErrUnknownRegistry,
		},
		{
			name:   "access denied",
			host:   testHost,
			apiErr: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not authorized"},
			expect: types.ErrAuth,
		},
		{
			name:   "empty",
			host:   testHost,
			out:    &ecr.GetAuthorizationTokenOutput{},
			expect: types.ErrAuth,
		},
		{
			name: "bad token",
			host: testHost,
			out: &ecr.GetAuthorizationTokenOutput{
				AuthorizationData: []ecrtypes.AuthorizationData{{AuthorizationToken: aws.String("%%%")}},
			},
			expect: types.ErrAuth,
		},
		{
			name: "no password",
			host: testHost,
			out: &ecr.GetAuthorizationTokenOutput{
				AuthorizationData: []ecrtypes.AuthorizationData{{AuthorizationToken: aws.String(base64.StdEncoding.EncodeToString([]byte("AWS")))}},
			},
			expect: types.ErrAuth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockAPI{
				getAuthorizationToken: func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
					return tt.out, tt.apiErr
				},
			}
			tp := New(WithClientFn(func(ctx context.Context, r string) (API, error) {
				return mock, nil
			}))
			_, err := tp.Get(context.Background(), tt.host)
			if !errors.Is(err, tt.expect) {
				t.Errorf("expected %v, received %v", tt.expect, err)
			}
			if tt.apiErr != nil {
				var apiErr smithy.APIError
				if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "AccessDeniedException" {
					t.Errorf("api error not wrapped: %v", err)
				}
			}
		})
	}
}
