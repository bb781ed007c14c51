//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	pconfig "github.com/etagpay/checkout/internal/platform/config"
	pfirestore "github.com/etagpay/checkout/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type sessionDoc struct {
	OrderCode string `firestore:"orderCode"`
	State     string `firestore:"state"`
	Attempts  int    `firestore:"attempts"`
}

// TestProviderAgainstEmulator runs the base repository and transaction
// helpers against a real Firestore emulator in docker. Build with the
// integration tag; skips when docker is unavailable.
func TestProviderAgainstEmulator(t *testing.T) {
	endpoint := startEmulator(t)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "checkout-itest",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := provider.Client(ctx); err != nil {
		t.Fatalf("Client: %v", err)
	}

	repo := pfirestore.NewBaseRepository[sessionDoc](provider, "checkoutSessions", nil, nil)

	if _, err := repo.Create(ctx, "sess-1", sessionDoc{OrderCode: "ORD-1", State: "initiated"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.Create(ctx, "sess-1", sessionDoc{OrderCode: "ORD-1", State: "initiated"}); err == nil {
		t.Fatal("Create on an existing id must conflict")
	} else if !isConflict(err) {
		t.Fatalf("Create on existing id: got %v, want conflict classification", err)
	}

	doc, err := repo.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.ID != "sess-1" || doc.Data.OrderCode != "ORD-1" {
		t.Fatalf("unexpected document: %#v", doc)
	}
	if doc.UpdateTime.IsZero() {
		t.Fatal("update time not populated")
	}

	if _, err := repo.Update(ctx, "sess-1", []firestore.Update{{Path: "state", Value: "awaiting_payment"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	doc, err = repo.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if doc.Data.State != "awaiting_payment" {
		t.Fatalf("state = %s, want awaiting_payment", doc.Data.State)
	}

	docs, err := repo.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("state", "==", "awaiting_payment")
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("query returned %d documents, want 1", len(docs))
	}

	if _, err := repo.Get(ctx, "missing"); !isNotFound(err) {
		t.Fatalf("Get missing: got %v, want not found classification", err)
	}

	if err := provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := repo.DocumentRef(ctx, "sess-1")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var session sessionDoc
		if err := snap.DataTo(&session); err != nil {
			return err
		}
		session.Attempts++
		return tx.Set(ref, session)
	}); err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
	doc, err = repo.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get after transaction: %v", err)
	}
	if doc.Data.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", doc.Data.Attempts)
	}

	if err := repo.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, "sess-1"); !isNotFound(err) {
		t.Fatalf("Get after delete: got %v, want not found", err)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := provider.RunTransaction(cancelled, func(context.Context, *firestore.Transaction) error {
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunTransaction with cancelled context: got %v", err)
	}
}

func isNotFound(err error) bool {
	var cls interface{ IsNotFound() bool }
	return errors.As(err, &cls) && cls.IsNotFound()
}

func isConflict(err error) bool {
	var cls interface{ IsConflict() bool }
	return errors.As(err, &cls) && cls.IsConflict()
}

// startEmulator launches the Firestore emulator container and blocks
// until its port accepts connections. The container is removed when
// the test finishes.
func startEmulator(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	infoCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(infoCtx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	out, err := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start firestore emulator: %v - %s", err, out)
	}
	containerID := strings.TrimSpace(string(out))
	if containerID == "" {
		t.Fatal("docker returned empty container id")
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(stopCtx, "docker", "stop", containerID).Run()
	})

	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(30 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return endpoint
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
	return ""
}
