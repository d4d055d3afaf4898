package http_test

import (
	"context"
	"encoding/json"
	"io"
	gohttp "net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stanford-rc/hsm-action-stream"
	hsmhttp "github.com/stanford-rc/hsm-action-stream/http"
	"github.com/stanford-rc/hsm-action-stream/internal/testingutil"
	"github.com/stanford-rc/hsm-action-stream/mock"
)

func newTestStore(tb testing.TB, dir string, client hsmstream.StreamClient) *hsmstream.Store {
	tb.Helper()
	return hsmstream.NewStore(
		hsmstream.NewScanner(testingutil.ActionFileGlob(dir)),
		hsmstream.NewCacheStore(filepath.Join(tb.TempDir(), "cache.json")),
		client,
	)
}

func newOpenServer(tb testing.TB, store *hsmstream.Store) *hsmhttp.Server {
	tb.Helper()

	server := hsmhttp.NewServer(store, "localhost:0")
	if err := server.Listen(); err != nil {
		tb.Fatal(err)
	}
	server.Serve()
	tb.Cleanup(func() {
		if err := server.Close(); err != nil {
			tb.Fatal(err)
		}
	})
	return server
}

func TestServer_Info(t *testing.T) {
	dir := t.TempDir()
	testingutil.WriteActionFile(t, dir, "testfs-MDT0000",
		`idx=[1/1] action=ARCHIVE fid=[0x1] status=STARTED`,
		`idx=[1/2] action=RESTORE fid=[0x2] status=WAITING`,
	)

	client := &mock.StreamClient{
		AppendFunc: func(ctx context.Context, key string, payloads [][]byte) ([]string, error) {
			ids := make([]string, len(payloads))
			for i := range payloads {
				ids[i] = "1-1"
			}
			return ids, nil
		},
		ScanKeysFunc: func(ctx context.Context, pattern string) ([]string, error) {
			if got, want := pattern, "hsm:actions:*"; got != want {
				t.Fatalf("pattern=%q, want %q", got, want)
			}
			return []string{
				"hsm:actions:testfs-MDT0000",
				"hsm:actions:oldfs-MDT0000",
			}, nil
		},
	}

	store := newTestStore(t, dir, client)
	if err := store.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	server := newOpenServer(t, store)

	resp, err := gohttp.Get(server.URL() + "/info")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got, want := resp.StatusCode, gohttp.StatusOK; got != want {
		t.Fatalf("StatusCode=%d, want %d", got, want)
	}
	if got, want := resp.Header.Get("Content-Type"), "application/json"; got != want {
		t.Fatalf("Content-Type=%q, want %q", got, want)
	}

	var info hsmhttp.InfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if got, want := info.Cycle, int64(1); got != want {
		t.Fatalf("Cycle=%d, want %d", got, want)
	}
	if got, want := info.CacheSize, 2; got != want {
		t.Fatalf("CacheSize=%d, want %d", got, want)
	}
	if got, want := info.MDTs["testfs-MDT0000"], 2; got != want {
		t.Fatalf("MDTs[testfs-MDT0000]=%d, want %d", got, want)
	}
	if info.LastCycleTime == "" {
		t.Fatal("expected lastCycleTime")
	}

	// Only the stream with no cached MDT is reported stale.
	if got, want := len(info.StaleStreams), 1; got != want {
		t.Fatalf("StaleStreams=%v, want 1 entry", info.StaleStreams)
	}
	if got, want := info.StaleStreams[0], "hsm:actions:oldfs-MDT0000"; got != want {
		t.Fatalf("StaleStreams[0]=%q, want %q", got, want)
	}
}

func TestServer_Metrics(t *testing.T) {
	server := newOpenServer(t, newTestStore(t, t.TempDir(), &mock.StreamClient{}))

	resp, err := gohttp.Get(server.URL() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got, want := resp.StatusCode, gohttp.StatusOK; got != want {
		t.Fatalf("StatusCode=%d, want %d", got, want)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "hsm_shipper_cycle_count") {
		t.Fatal("expected shipper metrics in /metrics output")
	}
}

func TestServer_NotFound(t *testing.T) {
	server := newOpenServer(t, newTestStore(t, t.TempDir(), &mock.StreamClient{}))

	resp, err := gohttp.Get(server.URL() + "/no-such-page")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got, want := resp.StatusCode, gohttp.StatusNotFound; got != want {
		t.Fatalf("StatusCode=%d, want %d", got, want)
	}
}
