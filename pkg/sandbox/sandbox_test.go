package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is an in-memory Runtime double. It records every call and
// stores uploaded archives so tests can assert on the file protocol without
// a container engine.
type fakeRuntime struct {
	mu      sync.Mutex
	creates int
	stops   int
	removes int
	puts    int
	gets    int

	createErr error
	putErr    error
	execFn    func(cmd []string) (*ExecResult, error)
	files     map[string][]byte
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		files: map[string][]byte{},
		execFn: func(cmd []string) (*ExecResult, error) {
			return &ExecResult{ExitCode: 0}, nil
		},
	}
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.creates++
	return "ctr-" + spec.Name, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	return f.execFn(cmd)
}

func (f *fakeRuntime) PutArchive(ctx context.Context, containerID string, archive io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++

	// One-shot failure injection.
	if f.putErr != nil {
		err := f.putErr
		f.putErr = nil
		return err
	}

	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		f.files[hdr.Name] = data
	}
}

func (f *fakeRuntime) GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++

	name := path[len(workspaceDir+"/"):]
	data, ok := f.files[name]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0644})
	_, _ = tw.Write(data)
	_ = tw.Close()
	return io.NopCloser(&buf), nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	return nil
}

func testConfig() Config {
	return Config{
		Image:       "executor-sandbox:latest",
		Timeout:     5 * time.Second,
		MemoryBytes: 512 * 1024 * 1024,
		CPUQuota:    100000,
	}
}

func createdSandbox(t *testing.T, rt Runtime) *Sandbox {
	t.Helper()
	s := New(rt, testConfig())
	require.NoError(t, s.Create(context.Background()))
	return s
}

func TestRunPythonSuccess(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	rt.execFn = func(cmd []string) (*ExecResult, error) {
		assert.Equal(t, []string{"python", "main.py"}, cmd)
		return &ExecResult{ExitCode: 0, Stdout: []byte("2\n")}, nil
	}

	s := createdSandbox(t, rt)
	defer s.Destroy(ctx)

	res, err := s.Run(ctx, "print(1+1)", "python", nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "2\n", res.Stdout)
	// The source must have been uploaded to the fixed per-language filename.
	assert.Equal(t, []byte("print(1+1)"), rt.files["main.py"])
}

func TestRunNonZeroExitIsResultNotError(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	rt.execFn = func(cmd []string) (*ExecResult, error) {
		return &ExecResult{ExitCode: 3, Stderr: []byte("boom")}, nil
	}

	s := createdSandbox(t, rt)
	defer s.Destroy(ctx)

	res, err := s.Run(ctx, "exit(3)", "python", nil)
	require.NoError(t, err)
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom", res.Stderr)
}

func TestRunUnsupportedLanguageBeforeContainerInteraction(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := createdSandbox(t, rt)
	defer s.Destroy(ctx)

	_, err := s.Run(ctx, "DISPLAY '2'.", "cobol", nil)
	assert.True(t, errors.Is(err, ErrUnsupportedLanguage))
	assert.Equal(t, 0, rt.puts)
}

func TestRunTimeoutDestroysSandbox(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	block := make(chan struct{})
	rt.execFn = func(cmd []string) (*ExecResult, error) {
		<-block
		return &ExecResult{ExitCode: 0}, nil
	}
	defer close(block)

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	s := New(rt, cfg)
	require.NoError(t, s.Create(ctx))

	_, err := s.Run(ctx, "import time; time.sleep(60)", "python", nil)
	assert.True(t, errors.Is(err, ErrExecTimeout))

	// Timeout is fatal for this sandbox instance: the environment is gone
	// and further runs fail until a fresh sandbox is created.
	assert.Equal(t, 1, rt.stops)
	assert.Equal(t, 1, rt.removes)
	_, err = s.Run(ctx, "print(1)", "python", nil)
	assert.True(t, errors.Is(err, ErrNotCreated))
}

func TestRunCanceledContextIsNotTimeout(t *testing.T) {
	rt := newFakeRuntime()
	block := make(chan struct{})
	rt.execFn = func(cmd []string) (*ExecResult, error) {
		<-block
		return &ExecResult{ExitCode: 0}, nil
	}
	defer close(block)

	s := createdSandbox(t, rt)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := s.Run(ctx, "import time; time.sleep(60)", "python", nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrExecTimeout))

	// Cancellation is as fatal to the instance as a timeout.
	assert.Equal(t, 1, rt.stops)
	assert.Equal(t, 1, rt.removes)
}

func TestRunReplacesUndecodableBytes(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	rt.execFn = func(cmd []string) (*ExecResult, error) {
		return &ExecResult{ExitCode: 0, Stdout: []byte{'o', 'k', 0xff, 0xfe}}, nil
	}

	s := createdSandbox(t, rt)
	defer s.Destroy(ctx)

	res, err := s.Run(ctx, "print(b)", "python", nil)
	require.NoError(t, err)
	// A run of invalid bytes collapses to a single replacement character.
	assert.Equal(t, "ok�", res.Stdout)
}

func TestRunUploadsExtraFiles(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	rt.execFn = func(cmd []string) (*ExecResult, error) {
		return &ExecResult{ExitCode: 0}, nil
	}

	s := createdSandbox(t, rt)
	defer s.Destroy(ctx)

	_, err := s.Run(ctx, "open('data.csv')", "python", map[string][]byte{
		"data.csv": []byte("a,b\n1,2\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b\n1,2\n"), rt.files["data.csv"])
}

func TestCreateWrapsProvisionError(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr = errors.New("image not found")

	s := New(rt, testConfig())
	err := s.Create(context.Background())
	assert.True(t, errors.Is(err, ErrProvision))
}

func TestWriteFileRejectsUnsafePathWithoutRuntimeCalls(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := createdSandbox(t, rt)
	defer s.Destroy(ctx)

	for _, p := range []string{"../escape.py", "/etc/passwd", "bad\x00name", "virus.exe", ""} {
		err := s.WriteFile(ctx, p, []byte("x"))
		assert.True(t, errors.Is(err, ErrPathSecurity), "path %q", p)
	}
	assert.Equal(t, 0, rt.puts)
}

func TestWriteFileSizeCeiling(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MaxFileSize = 8
	s := New(rt, cfg)
	require.NoError(t, s.Create(ctx))
	defer s.Destroy(ctx)

	err := s.WriteFile(ctx, "big.txt", []byte("123456789"))
	assert.True(t, errors.Is(err, ErrFileSize))
	assert.Equal(t, 0, rt.puts)
}

func TestFailedUploadDoesNotConsumeQuota(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MaxTotalSize = 10
	s := New(rt, cfg)
	require.NoError(t, s.Create(ctx))
	defer s.Destroy(ctx)

	rt.putErr = errors.New("engine hiccup")
	err := s.WriteFile(ctx, "a.txt", []byte("0123456789"))
	require.Error(t, err)

	// The failed write stored nothing, so the full budget is still free.
	require.NoError(t, s.WriteFile(ctx, "a.txt", []byte("0123456789")))
	assert.Equal(t, []byte("0123456789"), rt.files["a.txt"])
}

func TestReadFileRoundTripAndBinaryClassification(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := createdSandbox(t, rt)
	defer s.Destroy(ctx)

	require.NoError(t, s.WriteFile(ctx, "out.txt", []byte("hello")))
	fc, err := s.ReadFile(ctx, "out.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), fc.Content)
	assert.False(t, fc.IsBinary)

	require.NoError(t, s.WriteFile(ctx, "blob.bin", []byte{0x00, 0xff, 0x80}))
	fc, err = s.ReadFile(ctx, "blob.bin")
	require.NoError(t, err)
	assert.True(t, fc.IsBinary)
}

func TestReadFileEnforcesCeilingBeforeMaterializing(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MaxFileSize = 4
	s := New(rt, cfg)
	require.NoError(t, s.Create(ctx))
	defer s.Destroy(ctx)

	rt.files["big.txt"] = []byte("0123456789")
	_, err := s.ReadFile(ctx, "big.txt")
	assert.True(t, errors.Is(err, ErrFileSize))
}

func TestDestroyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := createdSandbox(t, rt)

	s.Destroy(ctx)
	s.Destroy(ctx)
	s.Destroy(ctx)

	assert.Equal(t, 1, rt.stops)
	assert.Equal(t, 1, rt.removes)
}

func TestWithDestroysOnEveryPath(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := New(rt, testConfig())

	wantErr := errors.New("inner failure")
	err := s.With(ctx, func(sb *Sandbox) error {
		assert.Equal(t, 1, rt.creates)
		return wantErr
	})
	assert.True(t, errors.Is(err, wantErr))
	assert.Equal(t, 1, rt.removes)
}

func TestInstallPackages(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	rt.execFn = func(cmd []string) (*ExecResult, error) {
		assert.Equal(t, []string{"pip", "install", "--user", "--no-cache-dir", "numpy"}, cmd)
		return &ExecResult{ExitCode: 0, Stdout: []byte("installed")}, nil
	}

	s := createdSandbox(t, rt)
	defer s.Destroy(ctx)

	res, err := s.InstallPackages(ctx, []string{"numpy"})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
}
