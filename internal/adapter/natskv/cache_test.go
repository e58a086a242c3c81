package natskv

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func TestEncodeKeyUsesKVCharset(t *testing.T) {
	got := encodeKey("balance:acct with spaces/é")
	for _, r := range got {
		ok := r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			t.Fatalf("encoded key %q contains %q", got, r)
		}
	}
	if encodeKey("balance:b1") == encodeKey("balance:b2") {
		t.Fatal("distinct keys must not collide")
	}
}

func TestCacheAgainstServer(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	bucket := "mf-test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	c, err := Open(ctx, js, bucket, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = js.DeleteKeyValue(ctx, bucket) })

	if err := c.Set(ctx, "balance:b1", []byte("42"), time.Minute); err != nil {
		t.Fatal(err)
	}
	val, ok, err := c.Get(ctx, "balance:b1")
	if err != nil || !ok || string(val) != "42" {
		t.Fatalf("expected hit 42, got %q %v %v", val, ok, err)
	}
	if err := c.Delete(ctx, "balance:b1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "balance:b1"); ok {
		t.Fatal("expected miss after delete")
	}
	if err := c.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
}
