package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/config"
	"github.com/JakeFAU/listing-stream/internal/pipeline"
)

type fakeApp struct {
	cfg      config.Config
	query    string
	served   bool
	closed   bool
	runErr   error
	serveErr error
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return f.serveErr
}

func (f *fakeApp) RunOnce(_ context.Context, query string, out io.Writer) (pipeline.RunState, error) {
	f.query = query
	if f.runErr != nil {
		return pipeline.RunState{Status: pipeline.StatusFailed}, f.runErr
	}
	_, _ = io.WriteString(out, `{"Name":"a"}`+"\n")
	return pipeline.RunState{Status: pipeline.StatusCompleted}, nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

// useFakeApp swaps the factory for the duration of the test. Tests using it
// must not run in parallel.
func useFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScrapeCommandPrintsRecords(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	out, err := execute(t, "scrape", "--query", "ubuntu", "--pages", "3")
	require.NoError(t, err)
	require.Equal(t, `{"Name":"a"}`+"\n", out)
	require.Equal(t, "ubuntu", fake.query)
	require.Equal(t, 3, fake.cfg.Source.Pages)
	require.True(t, fake.closed)
}

func TestScrapeCommandPropagatesRunError(t *testing.T) {
	fake := &fakeApp{runErr: errors.New("fetch failed")}
	useFakeApp(t, fake)

	_, err := execute(t, "scrape")
	require.ErrorContains(t, err, "fetch failed")
	require.Empty(t, fake.query)
	require.True(t, fake.closed)
}

func TestScrapeCommandRejectsNegativePages(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	_, err := execute(t, "scrape", "--pages", "-1")
	require.ErrorContains(t, err, "--pages")
}

func TestServeCommandUsesConfigFile(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\nsource:\n  query: debian\n"), 0o600))

	_, err := execute(t, "serve", "--config", path)
	require.NoError(t, err)
	require.True(t, fake.served)
	require.True(t, fake.closed)
	require.Equal(t, 9191, fake.cfg.Server.Port)
	require.Equal(t, "debian", fake.cfg.Source.Query)
}

func TestServeCommandPortFlag(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	_, err := execute(t, "serve", "--port", "7070")
	require.NoError(t, err)
	require.Equal(t, 7070, fake.cfg.Server.Port)
}

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  chunk_size: 0\n"), 0o600))

	_, err := execute(t, "serve", "--config", path)
	require.ErrorIs(t, err, config.ErrInvalid)
	require.False(t, fake.served)
}
