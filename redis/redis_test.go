package redis_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/stanford-rc/hsm-action-stream"
	"github.com/stanford-rc/hsm-action-stream/redis"
)

func TestClient_Ping(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		s := miniredis.RunT(t)
		c := redis.NewClient(s.Addr())
		defer c.Close()

		if err := c.Ping(context.Background()); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Unavailable", func(t *testing.T) {
		s := miniredis.RunT(t)
		addr := s.Addr()
		s.Close()

		c := redis.NewClient(addr)
		defer c.Close()

		if err := c.Ping(context.Background()); !errors.Is(err, hsmstream.ErrUnavailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestClient_Append(t *testing.T) {
	s := miniredis.RunT(t)
	c := redis.NewClient(s.Addr())
	defer c.Close()

	ids, err := c.Append(context.Background(), "hsm:actions:elm-MDT0000", [][]byte{
		[]byte(`{"event_type":"NEW"}`),
		[]byte(`{"event_type":"UPDATE"}`),
	})
	if err != nil {
		t.Fatal(err)
	} else if got, want := len(ids), 2; got != want {
		t.Fatalf("len(ids)=%d, want %d", got, want)
	}

	// Server-assigned IDs must be strictly increasing.
	if hsmstream.CompareStreamIDs(ids[0], ids[1]) >= 0 {
		t.Fatalf("ids not increasing: %s >= %s", ids[0], ids[1])
	}
}

func TestClient_Range(t *testing.T) {
	s := miniredis.RunT(t)
	c := redis.NewClient(s.Addr())
	defer c.Close()

	var want []string
	for i := 0; i < 5; i++ {
		ids, err := c.Append(context.Background(), "x", [][]byte{[]byte(fmt.Sprintf(`{"n":%d}`, i))})
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, ids[0])
	}

	// Page through the stream two entries at a time.
	var got []string
	from := "-"
	for {
		entries, err := c.Range(context.Background(), "x", from, "+", 2)
		if err != nil {
			t.Fatal(err)
		} else if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			got = append(got, entry.ID)
			if len(entry.Data) == 0 {
				t.Fatalf("entry %s has no data", entry.ID)
			}
		}

		if from, err = hsmstream.NextStreamID(entries[len(entries)-1].ID); err != nil {
			t.Fatal(err)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("read %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got id %s, want %s", i, got[i], want[i])
		}
	}
}

func TestClient_ScanKeys(t *testing.T) {
	s := miniredis.RunT(t)
	c := redis.NewClient(s.Addr())
	defer c.Close()

	ctx := context.Background()
	for _, key := range []string{"hsm:actions:elm-MDT0000", "hsm:actions:elm-MDT0001", "other"} {
		if _, err := c.Append(ctx, key, [][]byte{[]byte("{}")}); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := c.ScanKeys(ctx, "hsm:actions:*")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(keys), 2; got != want {
		t.Fatalf("len(keys)=%d, want %d (%v)", got, want, keys)
	}
}

func TestClient_TrimMaxLen(t *testing.T) {
	s := miniredis.RunT(t)
	c := redis.NewClient(s.Addr())
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := c.Append(ctx, "x", [][]byte{[]byte("{}")}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := c.TrimMaxLen(ctx, "x", 0)
	if err != nil {
		t.Fatal(err)
	} else if got, want := n, int64(10); got != want {
		t.Fatalf("removed=%d, want %d", got, want)
	}

	entries, err := c.Range(ctx, "x", "-", "+", 100)
	if err != nil {
		t.Fatal(err)
	} else if got, want := len(entries), 0; got != want {
		t.Fatalf("len(entries)=%d, want %d", got, want)
	}
}

func TestClient_Retry(t *testing.T) {
	t.Run("EventualSuccess", func(t *testing.T) {
		c := redis.NewClient("localhost:0")
		c.MinBackoff = time.Millisecond
		c.MaxBackoff = 4 * time.Millisecond

		attempts := 0
		err := c.Retry(context.Background(), "test", func() error {
			if attempts++; attempts < 3 {
				return fmt.Errorf("%w: transient", hsmstream.ErrUnavailable)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		} else if got, want := attempts, 3; got != want {
			t.Fatalf("attempts=%d, want %d", got, want)
		}
	})

	t.Run("NonRetryable", func(t *testing.T) {
		c := redis.NewClient("localhost:0")
		c.MinBackoff = time.Millisecond

		errMarker := errors.New("marker")
		attempts := 0
		err := c.Retry(context.Background(), "test", func() error {
			attempts++
			return errMarker
		})
		if err != errMarker {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := attempts, 1; got != want {
			t.Fatalf("attempts=%d, want %d", got, want)
		}
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		c := redis.NewClient("localhost:0")
		c.MinBackoff = 10 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := c.Retry(ctx, "test", func() error {
			return fmt.Errorf("%w: down", hsmstream.ErrUnavailable)
		})
		if !errors.Is(err, hsmstream.ErrUnavailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
