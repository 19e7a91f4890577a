package config

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSMClient struct {
	params  map[string]string
	batches [][]string
	err     error
}

func (f *fakeSSMClient) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batches = append(f.batches, in.Names)
	if f.err != nil {
		return nil, f.err
	}
	out := &ssm.GetParametersOutput{}
	for _, name := range in.Names {
		v, ok := f.params[name]
		if !ok {
			out.InvalidParameters = append(out.InvalidParameters, name)
			continue
		}
		out.Parameters = append(out.Parameters, ssmtypes.Parameter{Name: aws.String(name), Value: aws.String(v)})
	}
	return out, nil
}

func TestSSMProviderSatisfiesSecretProvider(t *testing.T) {
	var _ SecretProvider = NewSSMProvider("us-east-1")
}

func TestSSMProviderBatchesByTen(t *testing.T) {
	client := &fakeSSMClient{params: map[string]string{}}
	keys := make([]string, 23)
	for i := range keys {
		keys[i] = fmt.Sprintf("/prod/billing/p%02d", i)
		client.params[keys[i]] = fmt.Sprintf("v%d", i)
	}

	p := NewSSMProvider("us-east-1", withSSMClient(client))
	got, err := p.GetParametersBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("GetParametersBatch returned error: %v", err)
	}
	if len(got) != 23 {
		t.Errorf("resolved %d params, want 23", len(got))
	}
	if len(client.batches) != 3 || len(client.batches[2]) != 3 {
		t.Errorf("batches = %d (last=%d), want 3 with 3 in last", len(client.batches), len(client.batches[len(client.batches)-1]))
	}
}

func TestSSMProviderInvalidParameters(t *testing.T) {
	p := NewSSMProvider("us-east-1", withSSMClient(&fakeSSMClient{params: map[string]string{}}))
	if _, err := p.GetParametersBatch(context.Background(), []string{"/missing"}); err == nil {
		t.Fatal("expected error for invalid parameters")
	}
}

func TestSSMProviderClientError(t *testing.T) {
	p := NewSSMProvider("us-east-1", withSSMClient(&fakeSSMClient{err: errors.New("access denied")}))
	if _, err := p.GetParametersBatch(context.Background(), []string{"/a"}); err == nil {
		t.Fatal("expected error from client")
	}
}

func TestSSMProviderEmptyKeys(t *testing.T) {
	p := NewSSMProvider("us-east-1")
	got, err := p.GetParametersBatch(context.Background(), nil)
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("GetParametersBatch(nil) = %v, %v", got, err)
	}
}

func TestSSMProviderCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeSSMClient{params: map[string]string{"/a": "1"}}
	p := NewSSMProvider("us-east-1", withSSMClient(client))
	if _, err := p.GetParametersBatch(ctx, []string{"/a"}); err == nil {
		t.Fatal("expected context error")
	}
	if len(client.batches) != 0 {
		t.Error("no batch should be sent after cancellation")
	}
}

func TestSSMProviderEndpointOption(t *testing.T) {
	p := NewSSMProvider("eu-west-1", WithSSMEndpoint("http://localhost:4566"))
	if p.region != "eu-west-1" || p.endpoint != "http://localhost:4566" {
		t.Errorf("provider = %+v", p)
	}
}
