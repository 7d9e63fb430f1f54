package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDownloader returns ref-derived payloads, optionally failing specific
// refs, and tracks its high-water mark of concurrent calls.
type fakeDownloader struct {
	mu       sync.Mutex
	inflight int32
	peak     int32
	delay    time.Duration
	fail     map[string]error
}

func (d *fakeDownloader) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	cur := atomic.AddInt32(&d.inflight, 1)
	defer atomic.AddInt32(&d.inflight, -1)
	for {
		old := atomic.LoadInt32(&d.peak)
		if cur <= old || atomic.CompareAndSwapInt32(&d.peak, old, cur) {
			break
		}
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	err := d.fail[ref]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ioutil.NopCloser(bytes.NewReader([]byte("payload:" + ref))), nil
}

func refs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("photos/%04d", i)
	}
	return out
}

func TestFetchPreservesOrder(t *testing.T) {
	d := &fakeDownloader{delay: time.Millisecond}
	rs := refs(50)
	i := 0
	for res := range Fetch(context.Background(), d, rs, 8) {
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		if res.Index != i {
			t.Fatalf("result %d arrived out of order (index %d)", i, res.Index)
		}
		if want := "payload:" + rs[i]; string(res.Data) != want {
			t.Errorf("result %d: got %q want %q", i, res.Data, want)
		}
		i++
	}
	if i != len(rs) {
		t.Errorf("expected %d results, got %d", len(rs), i)
	}
}

func TestFetchBoundsConcurrency(t *testing.T) {
	d := &fakeDownloader{delay: 2 * time.Millisecond}
	for range Fetch(context.Background(), d, refs(40), 4) {
	}
	if peak := atomic.LoadInt32(&d.peak); peak > 4 {
		t.Errorf("concurrency cap exceeded: %d requests in flight", peak)
	}
}

func TestFetchReportsPerAssetErrors(t *testing.T) {
	wantErr := errors.New("connection reset")
	d := &fakeDownloader{fail: map[string]error{"photos/0002": wantErr}}
	rs := refs(5)
	got := 0
	for res := range Fetch(context.Background(), d, rs, 2) {
		got++
		if res.Index == 2 {
			if res.Err == nil {
				t.Error("expected an error for the failed ref")
			}
			continue
		}
		if res.Err != nil {
			t.Errorf("unexpected error for index %d: %s", res.Index, res.Err)
		}
	}
	if got != len(rs) {
		t.Errorf("expected %d results, got %d", len(rs), got)
	}
}

func TestFetchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDownloader{delay: 5 * time.Millisecond}
	out := Fetch(ctx, d, refs(100), 2)
	<-out
	cancel()
	count := 1
	for range out {
		count++
	}
	if count >= 100 {
		t.Error("cancellation should stop the batch early")
	}
}

func TestFetchEmptyRefs(t *testing.T) {
	out := Fetch(context.Background(), &fakeDownloader{}, nil, 4)
	if _, ok := <-out; ok {
		t.Error("expected an immediately closed channel")
	}
}
