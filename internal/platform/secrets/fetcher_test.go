package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if err := f.errors[name]; err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}

func writeFallbackFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()

	client := newFakeSecretClient()
	resource := "projects/etag-prod/secrets/momo_secret_key/versions/latest"
	client.values[resource] = "momo-remote-value"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("etag-prod"),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "secret://momo_secret_key")
		if err != nil {
			t.Fatalf("Resolve call %d: %v", i+1, err)
		}
		if got != "momo-remote-value" {
			t.Fatalf("Resolve call %d: got %q", i+1, got)
		}
	}
	if n := client.calls(resource); n != 1 {
		t.Fatalf("expected one remote fetch, got %d", n)
	}
}

func TestResolveVersionAndProjectOverrides(t *testing.T) {
	ctx := context.Background()

	client := newFakeSecretClient()
	resource := "projects/etag-shared/secrets/vnpay_hash_secret/versions/7"
	client.values[resource] = "pinned-value"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("etag-prod"),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, "secret://vnpay_hash_secret?version=7&project=etag-shared")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "pinned-value" {
		t.Fatalf("got %q, want pinned-value", got)
	}
	if n := client.calls(resource); n != 1 {
		t.Fatalf("expected pinned fetch, got %d calls", n)
	}
}

func TestResolvePrefersEnvironmentProject(t *testing.T) {
	ctx := context.Background()

	client := newFakeSecretClient()
	client.values["projects/etag-staging/secrets/orders_api_key/versions/latest"] = "staging-key"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithEnvironment("staging"),
		WithDefaultProject("etag-prod"),
		WithProjectMap(map[string]string{"staging": "etag-staging"}),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, "secret://orders_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "staging-key" {
		t.Fatalf("got %q, want staging-key", got)
	}
}

func TestResolveFallsBackWhenUnavailable(t *testing.T) {
	ctx := context.Background()

	path := writeFallbackFile(t, "secret://momo_secret_key=local-value\n")
	client := newFakeSecretClient()
	client.errors["projects/etag-prod/secrets/momo_secret_key/versions/latest"] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("etag-prod"),
		WithFallbackFile(path),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, "secret://momo_secret_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "local-value" {
		t.Fatalf("got %q, want local-value", got)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()

	path := writeFallbackFile(t, "secret://momo_secret_key=local-value\n")
	client := newFakeSecretClient()
	client.errors["projects/etag-prod/secrets/momo_secret_key/versions/latest"] = status.Error(codes.NotFound, "missing")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("etag-prod"),
		WithFallbackFile(path),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.Resolve(ctx, "secret://momo_secret_key"); err == nil {
		t.Fatal("expected error for a genuinely missing secret")
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()

	client := newFakeSecretClient()
	resource := "projects/etag-prod/secrets/payos_api_key/versions/latest"
	client.values[resource] = "v1"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("etag-prod"),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.Resolve(ctx, "secret://payos_api_key"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	client.mu.Lock()
	client.values[resource] = "v2"
	client.mu.Unlock()
	fetcher.Invalidate("secret://payos_api_key")

	got, err := fetcher.Resolve(ctx, "secret://payos_api_key")
	if err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if got != "v2" {
		t.Fatalf("got %q, want rotated value v2", got)
	}
	if n := client.calls(resource); n != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", n)
	}
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()

	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	path := writeFallbackFile(t, "# local development secrets\nsm://zalopay_key1=zalo-local\n")
	fetcher, err := NewFetcher(ctx, WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, "secret://zalopay_key1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "zalo-local" {
		t.Fatalf("got %q, want zalo-local", got)
	}
}
