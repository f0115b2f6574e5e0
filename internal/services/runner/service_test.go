package runner

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/fgeck/gopgbackup/internal/services/credentials"
	"github.com/fgeck/gopgbackup/internal/services/retention"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDumper struct {
	checkToolsFunc func() error
}

func (m *mockDumper) CheckTools() error {
	if m.checkToolsFunc != nil {
		return m.checkToolsFunc()
	}
	return nil
}

func (m *mockDumper) Dump(context.Context, models.ConnectionTarget, []string, string, models.DumpOptions) (io.ReadCloser, error) {
	return nil, errors.New("not used")
}

func (m *mockDumper) DumpRoles(context.Context, models.ConnectionTarget, []string, models.RoleDumpOptions) (io.ReadCloser, error) {
	return nil, errors.New("not used")
}

type mockCatalog struct {
	listFunc func(ctx context.Context, target models.ConnectionTarget, exclude *regexp.Regexp) ([]string, error)
}

func (m *mockCatalog) ListDatabases(ctx context.Context, target models.ConnectionTarget, exclude *regexp.Regexp) ([]string, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, target, exclude)
	}
	return []string{"app", "billing"}, nil
}

type mockEngine struct {
	mu        sync.Mutex
	envs      [][]string
	dumpFunc  func(database string) models.DumpOutcome
	rolesFunc func() models.DumpOutcome
}

func (m *mockEngine) record(env []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
}

func (m *mockEngine) Sweep(ctx context.Context, target models.ConnectionTarget, env []string, databases []string, settings models.BackupSettings, date time.Time) []models.DumpOutcome {
	outcomes := make([]models.DumpOutcome, len(databases))
	for i, db := range databases {
		outcomes[i] = m.DumpDatabase(ctx, target, env, db, settings, date)
	}
	return outcomes
}

func (m *mockEngine) DumpDatabase(_ context.Context, _ models.ConnectionTarget, env []string, database string, settings models.BackupSettings, _ time.Time) models.DumpOutcome {
	m.record(env)
	if m.dumpFunc != nil {
		return m.dumpFunc(database)
	}
	return models.DumpOutcome{Database: database, Path: filepath.Join(settings.BaseDirectory, "db-"+database+".sql.gz"), SizeBytes: 10}
}

func (m *mockEngine) DumpRoles(_ context.Context, _ models.ConnectionTarget, env []string, settings models.BackupSettings, _ time.Time) models.DumpOutcome {
	m.record(env)
	if m.rolesFunc != nil {
		return m.rolesFunc()
	}
	return models.DumpOutcome{Database: "roles", Path: filepath.Join(settings.BaseDirectory, "roles.sql")}
}

type mockRetention struct {
	called  bool
	protect []string
	err     error
}

func (m *mockRetention) Prune(_ context.Context, _ string, _ models.RetentionAge, _ time.Time, protect []string) (*retention.Result, error) {
	m.called = true
	m.protect = protect
	return &retention.Result{Removed: []string{"/old.sql.gz"}}, m.err
}

type mockOffsite struct {
	files []string
}

func (m *mockOffsite) Upload(_ context.Context, _ models.OffsiteConfig, _ string, files []string) (*models.OffsiteResult, error) {
	m.files = files
	return &models.OffsiteResult{Uploaded: files}, nil
}

type mockWOL struct {
	result *models.WOLResult
	addr   string
}

func (m *mockWOL) Wake(_ context.Context, _ models.WOLConfig, addr string) (*models.WOLResult, error) {
	m.addr = addr
	if m.result != nil {
		return m.result, nil
	}
	return &models.WOLResult{PacketSent: true, TargetReady: true}, nil
}

type mockTelegram struct {
	sent   bool
	runErr error
	report *models.RunReport
	// credentialsLeft records whether any pgpass file existed when the report was sent.
	credentialsLeft bool
	dir             string
}

func (m *mockTelegram) SendReport(_ context.Context, _ models.TelegramConfig, report *models.RunReport, runErr error) (*models.TelegramResult, error) {
	m.sent = true
	m.report = report
	m.runErr = runErr
	if m.dir != "" {
		matches, _ := filepath.Glob(filepath.Join(m.dir, "*.pgpass"))
		m.credentialsLeft = len(matches) > 0
	}
	return &models.TelegramResult{MessageSent: true}, nil
}

type mockSSH struct {
	called bool
}

func (m *mockSSH) Shutdown(context.Context, models.SSHShutdownConfig) (*models.SSHResult, error) {
	m.called = true
	return &models.SSHResult{CommandRun: true}, nil
}

func (m *mockSSH) TestConnection(context.Context, models.SSHShutdownConfig) (*models.SSHResult, error) {
	return &models.SSHResult{CommandRun: true}, nil
}

type fixture struct {
	credDir   string
	dumper    *mockDumper
	catalog   *mockCatalog
	engine    *mockEngine
	retention *mockRetention
	offsite   *mockOffsite
	wol       *mockWOL
	telegram  *mockTelegram
	ssh       *mockSSH
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	return &fixture{
		credDir:   dir,
		dumper:    &mockDumper{},
		catalog:   &mockCatalog{},
		engine:    &mockEngine{},
		retention: &mockRetention{},
		offsite:   &mockOffsite{},
		wol:       &mockWOL{},
		telegram:  &mockTelegram{dir: dir},
		ssh:       &mockSSH{},
	}
}

func (f *fixture) runner() *Impl {
	return NewWithServices(zerolog.New(io.Discard), Services{
		Dumper:      f.dumper,
		Credentials: credentials.NewWithDir(zerolog.New(io.Discard), f.credDir),
		Catalog:     f.catalog,
		Engine:      f.engine,
		Retention:   f.retention,
		Offsite:     f.offsite,
		WOL:         f.wol,
		Telegram:    f.telegram,
		SSH:         f.ssh,
		Now:         func() time.Time { return time.Date(2024, 3, 9, 2, 0, 0, 0, time.UTC) },
	})
}

func (f *fixture) assertNoCredentials(t *testing.T) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.credDir, "*.pgpass"))
	require.NoError(t, err)
	assert.Empty(t, matches, "credential file left behind")
}

func testConfig(t *testing.T) models.Config {
	return models.Config{
		Target: models.ConnectionTarget{
			Host:          "db.lan",
			Port:          5432,
			Username:      "backup",
			Password:      "s3cret",
			MaintenanceDB: "postgres",
		},
		Backup: models.BackupSettings{
			BaseDirectory:  t.TempDir(),
			ExcludePattern: "postgres",
			Compression:    "gzip",
			Jobs:           1,
		},
		Retention: models.RetentionAge{Cmp: models.OlderThan, Days: 5},
	}
}

func TestRun_Success(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(t)
	cfg.Backup.BackupRoles = true

	report, err := f.runner().Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "db.lan", report.Host)
	require.NotNil(t, report.Roles)
	assert.True(t, report.Roles.OK())
	assert.Len(t, report.Databases, 2)
	assert.Equal(t, []string{"/old.sql.gz"}, report.Pruned)

	assert.True(t, f.retention.called)
	assert.ElementsMatch(t, report.Artifacts(), f.retention.protect)
	f.assertNoCredentials(t)
}

func TestRun_DumpsUseCatalogSSLMode(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner().Run(context.Background(), testConfig(t))
	require.NoError(t, err)

	require.NotEmpty(t, f.engine.envs)
	for _, env := range f.engine.envs {
		assert.Contains(t, env, "PGSSLMODE=disable")
	}
}

func TestRun_DumpsReceiveCredentialEnv(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(t)
	cfg.Target.SSL = true

	_, err := f.runner().Run(context.Background(), cfg)
	require.NoError(t, err)

	require.NotEmpty(t, f.engine.envs)
	for _, env := range f.engine.envs {
		require.Len(t, env, 2)
		assert.Regexp(t, `^PGPASSFILE=.*gopgbackup-.*\.pgpass$`, env[0])
		assert.Equal(t, "PGSSLMODE=require", env[1])
		for _, kv := range env {
			assert.NotContains(t, kv, "s3cret")
		}
	}
}

func TestRun_ExcludePatternReachesCatalog(t *testing.T) {
	f := newFixture(t)
	var got *regexp.Regexp
	f.catalog.listFunc = func(_ context.Context, _ models.ConnectionTarget, exclude *regexp.Regexp) ([]string, error) {
		got = exclude
		return nil, nil
	}

	report, err := f.runner().Run(context.Background(), testConfig(t))

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "postgres", got.String())
	assert.Empty(t, report.Databases)
	assert.True(t, f.retention.called)
}

func TestRun_PartialFailureIsLenientByDefault(t *testing.T) {
	f := newFixture(t)
	f.catalog.listFunc = func(context.Context, models.ConnectionTarget, *regexp.Regexp) ([]string, error) {
		return []string{"analytics", "app"}, nil
	}
	f.engine.dumpFunc = func(db string) models.DumpOutcome {
		if db == "analytics" {
			return models.DumpOutcome{Database: db, Error: errors.New("pg_dump failed: exit status 1")}
		}
		return models.DumpOutcome{Database: db, Path: "/b/db-app.sql.gz"}
	}

	report, err := f.runner().Run(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded())
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "analytics", report.Failed()[0].Database)
	assert.True(t, f.retention.called, "prune must run despite a failed dump")
	assert.Equal(t, []string{"/b/db-app.sql.gz"}, f.retention.protect)
	f.assertNoCredentials(t)
}

func TestRun_StrictReturnsAggregate(t *testing.T) {
	f := newFixture(t)
	f.engine.dumpFunc = func(db string) models.DumpOutcome {
		return models.DumpOutcome{Database: db, Error: errors.New("boom")}
	}
	cfg := testConfig(t)
	cfg.Backup.Strict = true

	_, err := f.runner().Run(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "app: boom")
	assert.Contains(t, err.Error(), "billing: boom")
	assert.True(t, f.retention.called)
}

func TestRun_RolesFailureDoesNotStopSweep(t *testing.T) {
	f := newFixture(t)
	f.engine.rolesFunc = func() models.DumpOutcome {
		return models.DumpOutcome{Database: "roles", Error: errors.New("permission denied for table pg_authid")}
	}
	cfg := testConfig(t)
	cfg.Backup.BackupRoles = true

	report, err := f.runner().Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.False(t, report.Roles.OK())
	assert.Equal(t, 2, report.Succeeded())
}

func TestRun_FatalErrorsSkipPrune(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		ctx     func() context.Context
		wantErr string
	}{
		{
			name: "tools missing",
			setup: func(f *fixture) {
				f.dumper.checkToolsFunc = func() error { return errors.New(`pg_dump not found in PATH`) }
			},
			wantErr: "pg_dump not found",
		},
		{
			name: "enumeration fails",
			setup: func(f *fixture) {
				f.catalog.listFunc = func(context.Context, models.ConnectionTarget, *regexp.Regexp) ([]string, error) {
					return nil, errors.New("connection refused")
				}
			},
			wantErr: "connection refused",
		},
		{
			name: "cancelled before sweep",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			wantErr: "context canceled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}

			report, err := f.runner().Run(ctx, testConfig(t))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			require.NotNil(t, report)
			assert.Empty(t, report.Databases)
			assert.False(t, f.retention.called)
			f.assertNoCredentials(t)
		})
	}
}

func TestRun_CredentialFileFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.credDir = filepath.Join(t.TempDir(), "missing")

	_, err := f.runner().Run(context.Background(), testConfig(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create credential file")
	assert.Empty(t, f.engine.envs)
	assert.False(t, f.retention.called)
}

func TestRun_CredentialsReleasedOnPanic(t *testing.T) {
	f := newFixture(t)
	f.engine.dumpFunc = func(string) models.DumpOutcome {
		panic("engine exploded")
	}

	assert.Panics(t, func() {
		_, _ = f.runner().Run(context.Background(), testConfig(t))
	})
	f.assertNoCredentials(t)
}

func TestRun_PruneCancelled(t *testing.T) {
	f := newFixture(t)
	f.retention.err = context.Canceled

	report, err := f.runner().Run(context.Background(), testConfig(t))

	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, report.Databases, 2)
}

func TestRun_WOL(t *testing.T) {
	t.Run("wakes the database host", func(t *testing.T) {
		f := newFixture(t)
		cfg := testConfig(t)
		cfg.WOL = &models.WOLConfig{MACAddress: "aa:bb:cc:dd:ee:ff"}

		_, err := f.runner().Run(context.Background(), cfg)

		require.NoError(t, err)
		assert.Equal(t, "db.lan:5432", f.wol.addr)
	})

	t.Run("host never ready", func(t *testing.T) {
		f := newFixture(t)
		f.wol.result = &models.WOLResult{PacketSent: true}
		cfg := testConfig(t)
		cfg.WOL = &models.WOLConfig{MACAddress: "aa:bb:cc:dd:ee:ff"}

		_, err := f.runner().Run(context.Background(), cfg)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not become ready")
		assert.False(t, f.retention.called)
	})
}

func TestRun_OffsiteUploadsArtifacts(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(t)
	cfg.Offsite = &models.OffsiteConfig{Bucket: "backups"}

	report, err := f.runner().Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, report.Artifacts(), f.offsite.files)
	assert.Equal(t, report.Artifacts(), report.Uploaded)
}

func TestRun_TelegramAfterRelease(t *testing.T) {
	f := newFixture(t)
	f.catalog.listFunc = func(context.Context, models.ConnectionTarget, *regexp.Regexp) ([]string, error) {
		return nil, errors.New("connection refused")
	}
	cfg := testConfig(t)
	cfg.Telegram = &models.TelegramConfig{BotToken: "t", ChatID: "c"}

	_, err := f.runner().Run(context.Background(), cfg)

	require.Error(t, err)
	assert.True(t, f.telegram.sent)
	assert.False(t, f.telegram.credentialsLeft)
	assert.ErrorContains(t, f.telegram.runErr, "connection refused")
	assert.Equal(t, "db.lan", f.telegram.report.Host)
}

func TestRun_SSHShutdown(t *testing.T) {
	failing := func(f *fixture) {
		f.engine.dumpFunc = func(db string) models.DumpOutcome {
			return models.DumpOutcome{Database: db, Error: errors.New("boom")}
		}
	}

	tests := []struct {
		name          string
		onlyOnSuccess bool
		setup         func(f *fixture)
		want          bool
	}{
		{name: "after success", want: true},
		{name: "after failures", setup: failing, want: true},
		{name: "only on success with failures", onlyOnSuccess: true, setup: failing, want: false},
		{name: "only on success without failures", onlyOnSuccess: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			cfg := testConfig(t)
			cfg.SSHShutdown = &models.SSHShutdownConfig{Host: "db.lan", OnlyOnSuccess: tt.onlyOnSuccess}

			_, err := f.runner().Run(context.Background(), cfg)

			require.NoError(t, err)
			assert.Equal(t, tt.want, f.ssh.called)
		})
	}
}

func TestNew(t *testing.T) {
	svc := New(zerolog.New(io.Discard))
	require.NotNil(t, svc)
	assert.NotNil(t, svc.svc.Now)
	assert.NotNil(t, svc.svc.Engine)
}
