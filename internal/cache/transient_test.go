package cache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTransientManager_BasicOperations(t *testing.T) {
	m := NewTransientManager()
	defer m.Close()

	entry, err := m.Create("test-key", time.Minute, []byte("test-value"), Metadata{"source": "test"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if entry.Tier() != Transient {
		t.Errorf("Tier = %v, want transient", entry.Tier())
	}

	got := m.Fetch("test-key")
	if got == nil {
		t.Fatal("Fetch failed: key not found")
	}
	if string(got.Data()) != "test-value" {
		t.Errorf("Data = %q, want %q", got.Data(), "test-value")
	}
	if got.Metadata()["source"] != "test" {
		t.Errorf("Metadata = %v", got.Metadata())
	}

	m.Remove("test-key")
	if m.Fetch("test-key") != nil {
		t.Error("Key still exists after remove")
	}
	if !entry.Expired() {
		t.Error("Removed entry not marked expired")
	}
}

func TestTransientManager_CopiesPayload(t *testing.T) {
	m := NewTransientManager()
	defer m.Close()

	data := []byte("abc")
	if _, err := m.Create("k", 0, data, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	data[0] = 'z'

	if got := string(m.Fetch("k").Data()); got != "abc" {
		t.Errorf("Data = %q, want %q", got, "abc")
	}
}

func TestTransientManager_DefaultTTL(t *testing.T) {
	m := NewTransientManager()
	defer m.Close()

	before := time.Now()
	entry, err := m.Create("k", 0, []byte("v"), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	want := before.Add(DefaultTransientDefaults().TTL)
	if entry.Expiration().Before(want) || entry.Expiration().After(want.Add(time.Second)) {
		t.Errorf("Expiration = %v, want about %v", entry.Expiration(), want)
	}
}

func TestTransientManager_Expiry(t *testing.T) {
	m := NewTransientManager()
	defer m.Close()

	if _, err := m.Create("short", 50*time.Millisecond, []byte("v"), nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if m.Fetch("short") == nil {
		t.Fatal("entry missing immediately after create")
	}

	time.Sleep(60 * time.Millisecond)
	if m.Fetch("short") != nil {
		t.Error("entry still returned after its ttl")
	}

	if !waitFor(t, time.Second, func() bool { return m.Len() == 0 }) {
		t.Error("expired entry was not removed from the map")
	}
}

func TestTransientManager_Overwrite(t *testing.T) {
	m := NewTransientManager()
	defer m.Close()

	first, _ := m.Create("k", time.Minute, []byte("one"), nil)
	second, _ := m.Create("k", time.Minute, []byte("two"), nil)

	if !first.Expired() {
		t.Error("overwritten entry not expired")
	}
	if second.Expired() {
		t.Error("new entry expired")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
	if got := string(m.Fetch("k").Data()); got != "two" {
		t.Errorf("Data = %q, want %q", got, "two")
	}

	// The first entry's timer must not remove the replacement.
	first.Expire()
	if m.Fetch("k") != second {
		t.Error("expiring a stale entry removed its replacement")
	}
}

func TestTransientManager_IdempotentRemove(t *testing.T) {
	m := NewTransientManager()
	defer m.Close()

	_, _ = m.Create("k", time.Minute, []byte("v"), nil)
	_, _ = m.Create("other", time.Minute, []byte("v"), nil)

	m.Remove("k")
	m.Remove("k")
	m.Remove("never-existed")

	if m.Fetch("k") != nil {
		t.Error("removed key still present")
	}
	if m.Fetch("other") == nil {
		t.Error("unrelated key removed")
	}
	if stats := m.Stats(); stats.Expired != 1 {
		t.Errorf("Expired = %d, want 1", stats.Expired)
	}
}

func TestTransientManager_Purge(t *testing.T) {
	m := NewTransientManager()
	defer m.Close()

	for i := 0; i < 10; i++ {
		_, _ = m.Create(fmt.Sprintf("key-%d", i), time.Minute, []byte("v"), nil)
	}
	m.Purge()

	if m.Len() != 0 {
		t.Errorf("Len after purge = %d, want 0", m.Len())
	}
	if keys := m.Keys(); len(keys) != 0 {
		t.Errorf("Keys after purge = %v", keys)
	}
}

func TestTransientManager_SetDefaultsAppliesToFutureEntries(t *testing.T) {
	m := NewTransientManager()
	defer m.Close()

	old, _ := m.Create("old", 0, []byte("v"), nil)
	oldExpiration := old.Expiration()

	if err := m.SetDefaults(Defaults{Tier: Transient, TTL: 5 * time.Minute}); err != nil {
		t.Fatalf("SetDefaults failed: %v", err)
	}

	if !old.Expiration().Equal(oldExpiration) {
		t.Error("SetDefaults changed a live entry's expiration")
	}

	fresh, _ := m.Create("fresh", 0, []byte("v"), nil)
	if fresh.Expiration().Sub(old.Expiration()) < 4*time.Minute {
		t.Errorf("new default ttl not applied: %v vs %v", fresh.Expiration(), old.Expiration())
	}

	if err := m.SetDefaults(Defaults{Tier: Persistent, TTL: time.Second}); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("wrong-tier defaults: got %v, want ErrMalformedRequest", err)
	}
}

func TestTransientManager_InvalidRequests(t *testing.T) {
	m := NewTransientManager()
	defer m.Close()

	if _, err := m.Create("", time.Second, []byte("v"), nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("empty key: got %v, want ErrInvalidKey", err)
	}
	if _, err := m.Create("k", -time.Second, []byte("v"), nil); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("negative ttl: got %v, want ErrMalformedRequest", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestTransientManager_Close(t *testing.T) {
	m := NewTransientManager()

	entry, _ := m.Create("k", time.Minute, []byte("v"), nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !entry.Expired() {
		t.Error("entry outlived its manager")
	}
	if _, err := m.Create("k", time.Minute, []byte("v"), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Create after close: got %v, want ErrClosed", err)
	}
}

func TestTransientManager_LogsLifecycle(t *testing.T) {
	logger, out := newTestLogger(LogInfo)
	m := NewTransientManager(WithLogger(logger))
	defer m.Close()

	_, _ = m.Create("logged", time.Minute, []byte("v"), nil)
	m.Fetch("logged")
	m.Remove("logged")

	logs := out.String()
	if !strings.Contains(logs, "category=save") || !strings.Contains(logs, "category=expire") {
		t.Errorf("missing lifecycle logs:\n%s", logs)
	}
	if strings.Contains(logs, "category=fetch") {
		t.Errorf("fetch logged at info level:\n%s", logs)
	}
}

func TestTransientManager_ConcurrentAccess(t *testing.T) {
	m := NewTransientManager()
	defer m.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("key-%d", i%10)
				switch i % 4 {
				case 0:
					_, _ = m.Create(key, time.Duration(i%3+1)*time.Millisecond, []byte("v"), nil)
				case 1:
					if e := m.Fetch(key); e != nil {
						_ = e.Data()
					}
				case 2:
					m.Remove(key)
				case 3:
					if g == 0 && i%20 == 3 {
						m.Purge()
					}
				}
			}
		}(g)
	}
	wg.Wait()

	if m.Len() > 10 {
		t.Errorf("more than one entry per key: Len = %d", m.Len())
	}
}
