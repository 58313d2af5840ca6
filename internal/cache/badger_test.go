package cache

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(Config{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadgerStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetGet(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set("k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get("k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get(k1) = %q, want %q", got, "v1")
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get("absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(absent) error = %v, want ErrNotFound", err)
	}
}

func TestSetTTLExpiry(t *testing.T) {
	store := newTestStore(t)

	// badger expiry has one-second granularity
	if err := store.Set("short", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(2100 * time.Millisecond)
	if _, err := store.Get("short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry error = %v, want ErrNotFound", err)
	}
}

func TestIncrement(t *testing.T) {
	store := newTestStore(t)

	for want := int64(1); want <= 5; want++ {
		got, err := store.Increment("counter", time.Minute)
		if err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if got != want {
			t.Errorf("Increment = %d, want %d", got, want)
		}
	}
}

func TestIncrementWindowNotExtended(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Increment("burst", time.Second); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	// keep bumping the counter; the expiry set on creation must still win
	time.Sleep(600 * time.Millisecond)
	if _, err := store.Increment("burst", time.Second); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	time.Sleep(1700 * time.Millisecond)
	if _, err := store.Get("burst"); !errors.Is(err, ErrNotFound) {
		t.Error("counter survived past its creation-time window")
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set("k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}

	// deleting an absent key is not an error
	if err := store.Delete("absent"); err != nil {
		t.Errorf("Delete(absent) = %v, want nil", err)
	}
}

func TestKeysAndDeleteByPrefix(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := store.Set(fmt.Sprintf("clusters:a:%d", i), []byte("x"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	if err := store.Set("other:1", []byte("y"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	keys, err := store.Keys("clusters:")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	sort.Strings(keys)
	want := []string{"clusters:a:0", "clusters:a:1", "clusters:a:2"}
	if len(keys) != len(want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	if err := store.DeleteByPrefix("clusters:"); err != nil {
		t.Fatalf("DeleteByPrefix failed: %v", err)
	}
	keys, err = store.Keys("clusters:")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Keys after DeleteByPrefix = %v, want empty", keys)
	}

	// unrelated namespace untouched
	if _, err := store.Get("other:1"); err != nil {
		t.Errorf("Get(other:1) after DeleteByPrefix = %v, want nil", err)
	}
}

func TestDisabledStore(t *testing.T) {
	var store Store = Disabled{}

	if _, err := store.Get("k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Disabled.Get error = %v, want ErrUnavailable", err)
	}
	if err := store.Set("k", nil, time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Disabled.Set error = %v, want ErrUnavailable", err)
	}
	if _, err := store.Increment("k", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Disabled.Increment error = %v, want ErrUnavailable", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Disabled.Close = %v, want nil", err)
	}
}
