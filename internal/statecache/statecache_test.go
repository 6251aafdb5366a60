package statecache

import (
	"context"
	"os"
	"sync"
	"testing"
)

func TestMemoryStoreSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key("sensor_kitchen", "occupancy")

	if key != "sensor_kitchen:occupancy" {
		t.Fatalf("key = %q", key)
	}

	prev, found, err := s.Swap(ctx, key, Bool(true))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Errorf("first swap found = true, prev = %v", prev)
	}

	prev, found, _ = s.Swap(ctx, key, Bool(false))
	if !found || prev != Bool(true) {
		t.Errorf("second swap = (%v, %v), want (true, true)", prev, found)
	}

	got, ok, _ := s.Get(ctx, key)
	if !ok || got != Bool(false) {
		t.Errorf("get = (%v, %v), want (false, true)", got, ok)
	}
}

func TestValueEquality(t *testing.T) {
	if Bool(true) == String("true") {
		t.Error("bool true and string \"true\" must differ")
	}
	if String("ON") != String("ON") {
		t.Error("equal strings must compare equal")
	}
	if Bool(true).String() != "true" || String("OFF").String() != "OFF" {
		t.Error("unexpected String() output")
	}
}

func TestMemoryStoreConcurrentSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Exactly one goroutine observes the missing key.
	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, found, _ := s.Swap(ctx, "dev:motion", Bool(true))
			if !found {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firsts != 1 {
		t.Errorf("first observations = %d, want 1", firsts)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
}

func TestEncodeDecodeValue(t *testing.T) {
	tests := []Value{Bool(true), Bool(false), String("ON"), String(""), String("a:b")}
	for _, v := range tests {
		got, ok := decodeValue(encodeValue(v))
		if !ok || got != v {
			t.Errorf("round trip %v = (%v, %v)", v, got, ok)
		}
	}
	if _, ok := decodeValue("garbage"); ok {
		t.Error("decode garbage ok = true, want false")
	}
}

func TestRedisStoreSwap(t *testing.T) {
	addr := os.Getenv("HOMESIGNAL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HOMESIGNAL_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(ctx, RedisConfig{Addr: addr, Prefix: "homesignal:test:" + t.Name() + ":"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	key := Key("plug_1", "switch")
	s.client.Del(ctx, s.prefix+key)

	if _, found, err := s.Swap(ctx, key, String("ON")); err != nil || found {
		t.Fatalf("first swap found = %v, err = %v", found, err)
	}
	prev, found, err := s.Swap(ctx, key, String("OFF"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || prev != String("ON") {
		t.Errorf("prev = (%v, %v), want (ON, true)", prev, found)
	}
}
