package sandbox

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathAccepts(t *testing.T) {
	cases := map[string]string{
		"main.py":          "main.py",
		"data/input.csv":   "data/input.csv",
		"./out.txt":        "out.txt",
		"deep/a/b/c.json":  "deep/a/b/c.json",
		"with-dash_un.txt": "with-dash_un.txt",
	}
	for in, want := range cases {
		got, err := ValidatePath(in)
		require.NoError(t, err, "path %q", in)
		assert.Equal(t, want, got)
	}
}

func TestValidatePathRejects(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"/etc/passwd",
		"../outside.py",
		"a/../../outside.py",
		"a/../b",
		"data/../data/x.txt",
		"nul\x00l.txt",
		"space in name.txt",
		"pipe|char.txt",
		"payload.exe",
		"lib.so",
		"script.sh",
		"cached.pyc",
	}
	for _, p := range cases {
		_, err := ValidatePath(p)
		assert.True(t, errors.Is(err, ErrPathSecurity), "path %q: %v", p, err)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	archive, err := packArchive(map[string][]byte{"main.py": []byte("print('hi')")})
	require.NoError(t, err)

	name, data, err := unpackFirstFile(bytes.NewReader(archive), 0)
	require.NoError(t, err)
	assert.Equal(t, "main.py", name)
	assert.Equal(t, []byte("print('hi')"), data)
}

func TestPackArchiveOwnership(t *testing.T) {
	archive, err := packArchive(map[string][]byte{"a.txt": []byte("x")})
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(archive))
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, archiveUID, hdr.Uid)
	assert.Equal(t, archiveGID, hdr.Gid)
	assert.Equal(t, int64(0644), hdr.Mode)
}

func TestUnpackFirstFileSizeCeiling(t *testing.T) {
	archive, err := packArchive(map[string][]byte{"big.txt": bytes.Repeat([]byte("x"), 100)})
	require.NoError(t, err)

	_, _, err = unpackFirstFile(bytes.NewReader(archive), 10)
	assert.True(t, errors.Is(err, ErrFileSize))
}

func TestUnpackFirstFileSkipsNonRegularEntries(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "dir/",
		Typeflag: tar.TypeDir,
		Mode:     0755,
	}))
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "dir/file.txt",
		Size: 5,
		Mode: 0644,
	}))
	_, err := io.WriteString(tw, "hello")
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	name, data, err := unpackFirstFile(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "dir/file.txt", name)
	assert.Equal(t, []byte("hello"), data)
}

func TestUnpackFirstFileEmptyArchive(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.Close())

	_, _, err := unpackFirstFile(&buf, 0)
	assert.Error(t, err)
}
