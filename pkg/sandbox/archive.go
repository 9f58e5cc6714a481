package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

// safeComponentPattern is the allow-list for individual path components:
// word characters, dot and hyphen only.
var safeComponentPattern = regexp.MustCompile(`^[\w.-]+$`)

// dangerousExtensions is the deny-list of file extensions that must never
// be written into or read out of a sandbox.
var dangerousExtensions = []string{
	".exe", ".dll", ".so", ".dylib",
	".sh", ".bash", ".zsh",
	".pyo", ".pyc",
}

// ValidatePath validates and normalizes a workspace-relative file path.
// It rejects empty paths, embedded null bytes, parent-directory traversal,
// absolute paths, components with characters outside the allow-list, and
// dangerous extensions. Every validation failure wraps ErrPathSecurity and
// is guaranteed to happen before any filesystem interaction.
func ValidatePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathSecurity)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: path contains null bytes", ErrPathSecurity)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: absolute paths not allowed: %s", ErrPathSecurity, p)
	}

	// Traversal is judged on the raw path: Clean would erase segments like
	// "a/../b" before the check could see them.
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: path traversal detected: %s", ErrPathSecurity, p)
		}
	}

	cleaned := path.Clean(p)
	for _, part := range strings.Split(cleaned, "/") {
		if part == "." {
			continue
		}
		if !safeComponentPattern.MatchString(part) {
			return "", fmt.Errorf("%w: invalid characters in path component: %s", ErrPathSecurity, part)
		}
		lower := strings.ToLower(part)
		for _, ext := range dangerousExtensions {
			if strings.HasSuffix(lower, ext) {
				return "", fmt.Errorf("%w: dangerous file extension not allowed: %s", ErrPathSecurity, ext)
			}
		}
	}
	return cleaned, nil
}

const (
	archiveUID = 1000
	archiveGID = 1000
)

// packArchive builds an uncompressed tar archive from already-validated
// paths. Entries carry explicit sizes and fixed sandbox-user ownership so
// extraction inside the container never depends on host identity.
func packArchive(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for name, data := range files {
		hdr := &tar.Header{
			Name:    name,
			Size:    int64(len(data)),
			Mode:    0644,
			Uid:     archiveUID,
			Gid:     archiveGID,
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write tar body for %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar archive: %w", err)
	}
	return buf.Bytes(), nil
}

// unpackFirstFile extracts the first regular file from a tar stream.
// The declared entry size is checked against maxSize before any content is
// materialized, so an oversized file is rejected without buffering it.
func unpackFirstFile(r io.Reader, maxSize int64) (string, []byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", nil, fmt.Errorf("archive contains no regular file")
		}
		if err != nil {
			return "", nil, fmt.Errorf("read tar header: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if maxSize > 0 && hdr.Size > maxSize {
			return "", nil, fmt.Errorf("%w: %d > %d bytes", ErrFileSize, hdr.Size, maxSize)
		}
		data, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			return "", nil, fmt.Errorf("read tar body for %s: %w", hdr.Name, err)
		}
		return hdr.Name, data, nil
	}
}
