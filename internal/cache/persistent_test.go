package cache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestPersistent(t *testing.T, dir string, opts ...Option) *PersistentManager {
	t.Helper()
	m, err := NewPersistentManager(append([]Option{WithDir(dir)}, opts...)...)
	if err != nil {
		t.Fatalf("Failed to create persistent manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPersistentManager_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir)

	tests := []struct {
		key     string
		payload []byte
	}{
		{"greeting", []byte("hello")},
		{"empty", []byte{}},
		{"binary", []byte{0, 0, 1, 255}},
		{"path/with:unsafe*chars", []byte("still fine")},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			entry, err := m.Create(tt.key, time.Minute, Bytes(tt.payload), nil)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if strings.Contains(entry.FileID(), "/") || entry.FileID() == tt.key {
				t.Errorf("file id %q derived from key", entry.FileID())
			}
			if !fileExists(filepath.Join(dir, entry.FileID())) {
				t.Error("container file not written")
			}

			got := m.Fetch(tt.key)
			if got == nil {
				t.Fatal("Fetch failed: key not found")
			}
			if !bytes.Equal(got.Data(), tt.payload) {
				t.Errorf("Data = %q, want %q", got.Data(), tt.payload)
			}
		})
	}
}

func TestPersistentManager_ContainerOnDisk(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir)

	entry, err := m.Create("k", time.Minute, Bytes([]byte("payload")), Metadata{"owner": "tests"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	container, err := os.ReadFile(filepath.Join(dir, entry.FileID()))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	headerData, _ := ReadSector(container, SectorHeader)
	header, err := DecodeHeader(headerData)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if header.FileName != entry.FileID() || header.CacheKey != "k" || header.Version == "" {
		t.Errorf("unexpected header %+v", header)
	}
	if header.Encoding != "" {
		t.Errorf("payload encoded without compression enabled: %q", header.Encoding)
	}

	metaData, _ := ReadSector(container, SectorMetadata)
	if string(metaData) != `{"owner":"tests"}` {
		t.Errorf("metadata sector = %q", metaData)
	}
	payload, _ := ReadSector(container, SectorPayload)
	if string(payload) != "payload" {
		t.Errorf("payload sector = %q", payload)
	}
}

func TestPersistentManager_FileSource(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, filepath.Join(dir, "cache"))

	src := filepath.Join(dir, "source.bin")
	if err := os.WriteFile(src, []byte("from a file"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := m.Create("copied", time.Minute, File(src), nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got := string(m.Fetch("copied").Data()); got != "from a file" {
		t.Errorf("Data = %q", got)
	}
	if !fileExists(src) {
		t.Error("source file was consumed")
	}

	if _, err := m.Create("missing", time.Minute, File(filepath.Join(dir, "nope")), nil); err == nil {
		t.Error("expected error for missing source file")
	}
	if m.Fetch("missing") != nil {
		t.Error("failed create installed an entry")
	}
}

func TestPersistentManager_OverwriteDeletesPriorFile(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir)

	first, _ := m.Create("k", time.Minute, Bytes([]byte("one")), nil)
	second, _ := m.Create("k", time.Minute, Bytes([]byte("two")), nil)

	if fileExists(filepath.Join(dir, first.FileID())) {
		t.Error("prior container still on disk after overwrite")
	}
	if !fileExists(filepath.Join(dir, second.FileID())) {
		t.Error("new container missing")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
	if got := string(m.Fetch("k").Data()); got != "two" {
		t.Errorf("Data = %q, want two", got)
	}
}

func TestPersistentManager_Expiry(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir)

	entry, err := m.Create("greeting", time.Second, Bytes([]byte("hello")), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got := string(m.Fetch("greeting").Data()); got != "hello" {
		t.Fatalf("Data = %q, want hello", got)
	}

	path := filepath.Join(dir, entry.FileID())
	time.Sleep(2 * time.Second)

	if m.Fetch("greeting") != nil {
		t.Error("entry still present after ttl")
	}
	if !waitFor(t, time.Second, func() bool { return !fileExists(path) }) {
		t.Error("container file not deleted after expiry")
	}
}

func TestPersistentManager_RemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir)

	entry, _ := m.Create("k", time.Minute, Bytes([]byte("v")), nil)
	m.Remove("k")
	m.Remove("k")

	if m.Fetch("k") != nil {
		t.Error("removed key still present")
	}
	if fileExists(filepath.Join(dir, entry.FileID())) {
		t.Error("container file survived remove")
	}
	if got := entry.Data(); len(got) != 0 {
		t.Errorf("stale entry Data = %q, want empty", got)
	}
	if stats := m.Stats(); stats.Expired != 1 {
		t.Errorf("Expired = %d, want 1", stats.Expired)
	}
}

func TestPersistentManager_MissingFileReadsEmpty(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir)

	entry, _ := m.Create("k", time.Minute, Bytes([]byte("v")), nil)
	if err := os.Remove(filepath.Join(dir, entry.FileID())); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if got := m.ReadPayload(entry); len(got) != 0 {
		t.Errorf("ReadPayload = %q, want empty", got)
	}
	// Expiring an entry whose file is already gone is not an error.
	m.Remove("k")
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestPersistentManager_Purge(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir)

	for _, key := range []string{"a", "b", "c"} {
		_, _ = m.Create(key, time.Minute, Bytes([]byte(key)), nil)
	}
	m.Purge()

	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
	files, _ := os.ReadDir(dir)
	if len(files) != 0 {
		t.Errorf("%d files left after purge", len(files))
	}
}

func TestPersistentManager_Rehydration(t *testing.T) {
	dir := t.TempDir()

	first, err := NewPersistentManager(WithDir(dir))
	if err != nil {
		t.Fatalf("NewPersistentManager failed: %v", err)
	}
	created, err := first.Create("greeting", time.Hour, Bytes([]byte("hello")), Metadata{"lang": "en"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := newTestPersistent(t, dir)
	entry := second.Fetch("greeting")
	if entry == nil {
		t.Fatal("entry not rehydrated")
	}
	if entry.FileID() != created.FileID() {
		t.Errorf("FileID = %q, want %q", entry.FileID(), created.FileID())
	}
	if got := string(entry.Data()); got != "hello" {
		t.Errorf("Data = %q, want hello", got)
	}
	if entry.Metadata()["lang"] != "en" {
		t.Errorf("Metadata = %v", entry.Metadata())
	}
	if !entry.Expiration().Equal(created.Expiration().Truncate(time.Second)) {
		t.Errorf("Expiration = %v, want %v", entry.Expiration(), created.Expiration().Truncate(time.Second))
	}
}

func TestPersistentManager_RehydrationSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "junk"), []byte("not a container"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tiny"), []byte{1}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	good, _ := EncodeContainer(NewHeader("good", "ok", time.Now().Add(time.Hour)), nil, []byte("v"))
	if err := os.WriteFile(filepath.Join(dir, "good"), good, 0o644); err != nil {
		t.Fatal(err)
	}

	logger, out := newTestLogger(LogNone)
	m := newTestPersistent(t, dir, WithLogger(logger))

	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
	if got := string(m.Fetch("ok").Data()); got != "v" {
		t.Errorf("Data = %q, want v", got)
	}
	if !fileExists(filepath.Join(dir, "junk")) {
		t.Error("foreign file was deleted")
	}
	if !strings.Contains(out.String(), "Skipping unreadable cache file") {
		t.Errorf("skip not logged:\n%s", out.String())
	}
}

func TestPersistentManager_RehydrationFirstWins(t *testing.T) {
	dir := t.TempDir()
	exp := time.Now().Add(time.Hour)

	// os.ReadDir lists by name, so "a-file" is encountered first.
	for name, payload := range map[string]string{"a-file": "first", "b-file": "second"} {
		c, _ := EncodeContainer(NewHeader(name, "dup", exp), nil, []byte(payload))
		if err := os.WriteFile(filepath.Join(dir, name), c, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m := newTestPersistent(t, dir)

	entry := m.Fetch("dup")
	if entry == nil {
		t.Fatal("duplicate key not loaded")
	}
	if entry.FileID() != "a-file" || string(entry.Data()) != "first" {
		t.Errorf("got file %q data %q, want a-file/first", entry.FileID(), entry.Data())
	}
	if !fileExists(filepath.Join(dir, "b-file")) {
		t.Error("losing duplicate was deleted")
	}
}

func TestPersistentManager_RehydratedExpiredEntry(t *testing.T) {
	dir := t.TempDir()
	c, _ := EncodeContainer(NewHeader("old", "stale", time.Now().Add(-time.Hour)), nil, []byte("v"))
	path := filepath.Join(dir, "old")
	if err := os.WriteFile(path, c, 0o644); err != nil {
		t.Fatal(err)
	}

	m := newTestPersistent(t, dir)

	if m.Fetch("stale") != nil {
		t.Error("expired entry returned by Fetch")
	}
	if !waitFor(t, 3*time.Second, func() bool { return !fileExists(path) }) {
		t.Error("expired container not cleaned up")
	}
}

func TestPersistentManager_StoredFile(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir)

	exp := time.Now().Add(time.Hour)
	c, _ := EncodeContainer(NewHeader("manual", "adopted", exp), Metadata{"m": "1"}, []byte("data"))
	if err := os.WriteFile(filepath.Join(dir, "manual"), c, 0o644); err != nil {
		t.Fatal(err)
	}

	entry, err := m.Create("adopted", 0, StoredFile("manual"), nil)
	if err != nil {
		t.Fatalf("Create(StoredFile) failed: %v", err)
	}
	if entry.FileID() != "manual" || string(entry.Data()) != "data" {
		t.Errorf("adopted entry = %v", entry)
	}

	// Adopting the same container again must not delete it.
	if _, err := m.Create("adopted", 0, StoredFile("manual"), nil); err != nil {
		t.Fatalf("re-adopt failed: %v", err)
	}
	if !fileExists(filepath.Join(dir, "manual")) {
		t.Error("re-adopting deleted the container")
	}

	if _, err := m.Create("other-key", 0, StoredFile("manual"), nil); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("key mismatch: got %v, want ErrMalformedRequest", err)
	}
	if _, err := m.Create("adopted", 0, StoredFile("../escape"), nil); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("path escape: got %v, want ErrMalformedRequest", err)
	}
}

func TestPersistentManager_Compression(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir, WithCompression(3))

	payload := bytes.Repeat([]byte("compressible "), 1000)
	entry, err := m.Create("big", time.Minute, Bytes(payload), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if entry.Size() >= int64(len(payload)) {
		t.Errorf("container size %d not smaller than payload %d", entry.Size(), len(payload))
	}
	if !bytes.Equal(entry.Data(), payload) {
		t.Error("compressed payload did not round trip")
	}

	small, _ := m.Create("small", time.Minute, Bytes([]byte("tiny")), nil)
	if string(small.Data()) != "tiny" {
		t.Errorf("small payload = %q", small.Data())
	}

	// A manager without compression still reads compressed containers.
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	plain := newTestPersistent(t, dir)
	if got := plain.Fetch("big"); got == nil || !bytes.Equal(got.Data(), payload) {
		t.Error("rehydrated compressed entry did not round trip")
	}
}

func TestPersistentManager_DirWatch(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir, WithDirWatch(true))

	entry, _ := m.Create("watched", time.Minute, Bytes([]byte("v")), nil)
	if err := os.Remove(filepath.Join(dir, entry.FileID())); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return m.Len() == 0 }) {
		t.Error("externally deleted container still tracked")
	}
}

func TestPersistentManager_DiskUsageAndDefaults(t *testing.T) {
	dir := t.TempDir()
	m := newTestPersistent(t, dir)

	a, _ := m.Create("a", time.Minute, Bytes([]byte("aaaa")), nil)
	b, _ := m.Create("b", time.Minute, Bytes([]byte("bb")), nil)
	if got := m.DiskUsage(); got != a.Size()+b.Size() {
		t.Errorf("DiskUsage = %d, want %d", got, a.Size()+b.Size())
	}

	// The disk budget is recorded only; nothing is evicted.
	if err := m.SetDefaults(Defaults{Tier: Persistent, TTL: time.Minute, MaxDiskBytes: 1}); err != nil {
		t.Fatalf("SetDefaults failed: %v", err)
	}
	if m.Defaults().MaxDiskBytes != 1 {
		t.Errorf("MaxDiskBytes = %d, want 1", m.Defaults().MaxDiskBytes)
	}
	if _, err := m.Create("c", 0, Bytes([]byte("ccc")), nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if m.Len() != 3 {
		t.Errorf("Len = %d, want 3", m.Len())
	}
}

func TestPersistentManager_CloseKeepsFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := NewPersistentManager(WithDir(dir))
	if err != nil {
		t.Fatalf("NewPersistentManager failed: %v", err)
	}

	entry, _ := m.Create("k", time.Minute, Bytes([]byte("v")), nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if !fileExists(filepath.Join(dir, entry.FileID())) {
		t.Error("Close deleted a container")
	}
	if _, err := m.Create("k2", time.Minute, Bytes([]byte("v")), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Create after close: got %v, want ErrClosed", err)
	}
}

func TestPersistentManager_CloseDeletesExpiredContainers(t *testing.T) {
	dir := t.TempDir()

	first, err := NewPersistentManager(WithDir(dir))
	if err != nil {
		t.Fatalf("NewPersistentManager failed: %v", err)
	}
	short, _ := first.Create("short", 10*time.Millisecond, Bytes([]byte("v")), nil)
	long, _ := first.Create("long", time.Hour, Bytes([]byte("v")), nil)

	time.Sleep(20 * time.Millisecond)
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if fileExists(filepath.Join(dir, short.FileID())) {
		t.Error("expired container still on disk after Close")
	}
	if !fileExists(filepath.Join(dir, long.FileID())) {
		t.Error("live container deleted by Close")
	}
}

func TestPersistentManager_ShortLivedManagersDeleteExpired(t *testing.T) {
	dir := t.TempDir()

	// The entry expires after its creator closed, so only a later
	// manager can delete it.
	first, err := NewPersistentManager(WithDir(dir))
	if err != nil {
		t.Fatalf("NewPersistentManager failed: %v", err)
	}
	entry, _ := first.Create("k", 10*time.Millisecond, Bytes([]byte("v")), nil)
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	path := filepath.Join(dir, entry.FileID())

	time.Sleep(20 * time.Millisecond)

	second, err := NewPersistentManager(WithDir(dir))
	if err != nil {
		t.Fatalf("NewPersistentManager failed: %v", err)
	}
	if second.Len() != 0 {
		t.Errorf("Len = %d, want 0", second.Len())
	}
	if err := second.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if fileExists(path) {
		t.Error("expired container still on disk after a short-lived manager")
	}
}

func TestPersistentManager_ExpiredDuplicateDoesNotShadowLive(t *testing.T) {
	dir := t.TempDir()

	stale, _ := EncodeContainer(NewHeader("a-file", "dup", time.Now().Add(-time.Hour)), nil, []byte("old"))
	live, _ := EncodeContainer(NewHeader("b-file", "dup", time.Now().Add(time.Hour)), nil, []byte("new"))
	if err := os.WriteFile(filepath.Join(dir, "a-file"), stale, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b-file"), live, 0o644); err != nil {
		t.Fatal(err)
	}

	m := newTestPersistent(t, dir)

	if got := m.Fetch("dup"); got == nil || string(got.Data()) != "new" {
		t.Errorf("Fetch(dup) = %v, want live container", got)
	}
	if fileExists(filepath.Join(dir, "a-file")) {
		t.Error("expired container not deleted during load")
	}
}

func TestPersistentManager_ConcurrentAccess(t *testing.T) {
	const workers = 50

	tests := []struct {
		name   string
		remove bool
	}{
		{"create and fetch", false},
		{"create, fetch and remove", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			m := newTestPersistent(t, dir)

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()

					payload := []byte(fmt.Sprintf("value-%d", i))
					if _, err := m.Create("k", time.Minute, Bytes(payload), nil); err != nil {
						t.Errorf("Create failed: %v", err)
						return
					}
					if entry := m.Fetch("k"); entry != nil {
						_ = entry.Data()
					}
					if tt.remove && i%3 == 0 {
						m.Remove("k")
					}
				}(i)
			}
			wg.Wait()

			if m.Len() > 1 {
				t.Fatalf("Len = %d, want at most 1", m.Len())
			}

			files, err := os.ReadDir(dir)
			if err != nil {
				t.Fatalf("ReadDir failed: %v", err)
			}
			if len(files) != m.Len() {
				t.Errorf("%d files on disk for %d entries", len(files), m.Len())
			}

			if entry := m.Fetch("k"); entry != nil {
				if len(files) != 1 || files[0].Name() != entry.FileID() {
					t.Errorf("surviving file does not belong to the live entry")
				}
				if !strings.HasPrefix(string(entry.Data()), "value-") {
					t.Errorf("Data = %q", entry.Data())
				}
			}
		})
	}
}
