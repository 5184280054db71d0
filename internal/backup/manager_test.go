package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/procscope/internal/backend"
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/search"
)

type fakeStore struct {
	dbPath  string
	sources []string
}

func (f *fakeStore) DBPath() string { return f.dbPath }

func (f *fakeStore) Snapshot(_ context.Context, dstPath string) (search.SnapshotInfo, error) {
	info := search.SnapshotInfo{Backend: model.BackendSQLite, TakenAt: time.Now().UTC()}
	for _, s := range f.sources {
		info.Cursors = append(info.Cursors, model.ImportCursor{
			Key: model.CursorKey{DataSource: s, EntityType: model.EntityProcessInstance}, Position: 1})
	}
	return info, os.WriteFile(dstPath, []byte("snapshot"), 0644)
}

// clock returns a now func advancing one second per call.
func clock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestNewManager_Disabled(t *testing.T) {
	m, err := NewManager(&fakeStore{dbPath: "/tmp/procscope.db"}, Config{})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil manager when disabled")
	}
}

func TestNewManager_EnabledRequiresDBPath(t *testing.T) {
	_, err := NewManager(&fakeStore{}, Config{Enabled: true, LocalDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for empty db path")
	}
}

func TestRunOnce_PrunesPerDataSourceSet(t *testing.T) {
	dir := t.TempDir()
	engineOnly := &fakeStore{dbPath: "/tmp/procscope.db", sources: []string{"engine"}}
	both := &fakeStore{dbPath: "/tmp/procscope.db", sources: []string{"eventlog", "engine"}}
	m := &Manager{cfg: Config{Enabled: true, LocalDir: dir, KeepLast: 2}, now: clock()}

	for i := 0; i < 3; i++ {
		for _, s := range []Store{engineOnly, both} {
			m.store = s
			if _, err := m.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
		}
	}
	// A later engine-only snapshot must not evict the other set.
	m.store = engineOnly
	if _, err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	groups, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("labels = %v, want engine and engine+eventlog", groups)
	}
	for _, label := range []string{"engine", "engine+eventlog"} {
		if n := len(groups[label]); n != 2 {
			t.Errorf("%s snapshots = %d, want 2", label, n)
		}
	}
	manifests, _ := filepath.Glob(filepath.Join(dir, "*"+manifestSuffix))
	if len(manifests) != 4 {
		t.Errorf("manifests = %d, want 4", len(manifests))
	}
	newest := groups["engine"][0]
	if !newest.TakenAt.Equal(time.Date(2026, 3, 1, 12, 0, 7, 0, time.UTC)) {
		t.Errorf("newest engine snapshot at %s", newest.TakenAt)
	}
}

type recordingUploader struct {
	keys []string
}

func (u *recordingUploader) Upload(_ context.Context, localPath, key string) error {
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	u.keys = append(u.keys, key)
	return nil
}

func TestRunOnce_UploadsSnapshotBeforeManifest(t *testing.T) {
	up := &recordingUploader{}
	m := &Manager{
		store:    &fakeStore{dbPath: "/tmp/procscope.db", sources: []string{"Billing Engine"}},
		cfg:      Config{Enabled: true, LocalDir: t.TempDir(), KeepLast: 1},
		uploader: up,
		now:      clock(),
	}
	path, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	base := filepath.Base(path)
	want := []string{"billing_engine/" + base, "billing_engine/" + filepath.Base(manifestPath(path))}
	if len(up.keys) != 2 || up.keys[0] != want[0] || up.keys[1] != want[1] {
		t.Fatalf("uploaded keys = %v, want %v", up.keys, want)
	}
}

type blockingUploader struct {
	started chan struct{}
	once    sync.Once
}

func (u *blockingUploader) Upload(ctx context.Context, _, _ string) error {
	u.once.Do(func() { close(u.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestStop_CancelsInFlightUpload(t *testing.T) {
	uploader := &blockingUploader{started: make(chan struct{})}
	m := &Manager{
		store: &fakeStore{dbPath: "/tmp/procscope.db"},
		cfg: Config{
			Enabled:  true,
			Interval: 5 * time.Millisecond,
			LocalDir: t.TempDir(),
			KeepLast: 2,
		},
		uploader: uploader,
		done:     make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.loop()

	select {
	case <-uploader.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upload to start")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; upload likely not canceled")
	}
}

func TestRunOnce_ManifestMatchesSearchStore(t *testing.T) {
	ctx := context.Background()
	for _, b := range backend.All() {
		t.Run(string(b), func(t *testing.T) {
			store, err := backend.Open(ctx, b, search.Options{Path: filepath.Join(t.TempDir(), "procscope.db")})
			if err != nil {
				t.Fatalf("open store: %v", err)
			}
			t.Cleanup(func() { store.Close() })

			pi := &model.ProcessInstance{
				ID: model.DocID("eventlog", model.EntityProcessInstance, "1"), DataSource: "eventlog",
				ProcessInstanceID: "1", ProcessDefinitionKey: "invoice", ProcessDefinitionVersion: 1,
				State: model.StateActive, StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			}
			if _, err := store.Write(ctx, []model.Document{pi}); err != nil {
				t.Fatalf("Write: %v", err)
			}
			key := model.CursorKey{DataSource: "eventlog", EntityType: model.EntityProcessInstance}
			if err := store.SaveCursor(ctx, model.ImportCursor{Key: key, Position: 12}); err != nil {
				t.Fatalf("SaveCursor: %v", err)
			}
			if err := store.RecordStep(ctx, "backup-test", 0, "create-index", "pi"); err != nil {
				t.Fatalf("RecordStep: %v", err)
			}

			dir := t.TempDir()
			m := &Manager{store: store, cfg: Config{Enabled: true, LocalDir: dir, KeepLast: 2}}
			path, err := m.RunOnce(ctx)
			if err != nil {
				t.Fatalf("RunOnce: %v", err)
			}

			man, err := ReadManifest(path)
			if err != nil {
				t.Fatalf("ReadManifest: %v", err)
			}
			if man.Label != "eventlog" || len(man.Sources) != 1 || man.Snapshot != filepath.Base(path) {
				t.Errorf("manifest = %+v", man)
			}
			if man.Backend != b {
				t.Errorf("manifest backend = %s, want %s", man.Backend, b)
			}
			if len(man.Cursors) != 1 || man.Cursors[0].Key != key || man.Cursors[0].Position != 12 {
				t.Errorf("manifest cursors = %+v", man.Cursors)
			}
			found := false
			for _, st := range man.Steps {
				found = found || (st.Plan == "backup-test" && st.Type == "create-index")
			}
			if !found {
				t.Errorf("manifest steps = %+v, missing backup-test", man.Steps)
			}
			if n := man.Rows[store.Table(model.EntityProcessInstance)]; n != 1 {
				t.Errorf("manifest process instance rows = %d, want 1", n)
			}

			latest, ok, err := Latest(dir, "eventlog")
			if err != nil || !ok || latest.Path != path {
				t.Fatalf("Latest = %+v, %v, %v; want %s", latest, ok, err, path)
			}

			// The snapshot restores the cursor the manifest names.
			restored, err := backend.Open(ctx, b, search.Options{Path: path})
			if err != nil {
				t.Fatalf("open snapshot: %v", err)
			}
			defer restored.Close()
			cur, ok, err := restored.LoadCursor(ctx, key)
			if err != nil || !ok || cur.Position != 12 {
				t.Errorf("restored cursor = %+v, %v, %v", cur, ok, err)
			}
		})
	}
}

func TestNewManager_InMemoryStoreRejected(t *testing.T) {
	store, err := backend.Open(context.Background(), model.BackendSQLite, search.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if _, err := NewManager(store, Config{Enabled: true, LocalDir: t.TempDir()}); err == nil {
		t.Fatal("expected error for in-memory store")
	}
}
