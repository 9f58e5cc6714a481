package sandbox

import "errors"

var (
	// ErrProvision indicates that the container runtime could not start the
	// isolated environment. Fatal for this attempt; callers may retry with a
	// new sandbox.
	ErrProvision = errors.New("sandbox: failed to provision environment")

	// ErrUnsupportedLanguage indicates a language with no registered launch
	// command. Reported before any container interaction, never retried.
	ErrUnsupportedLanguage = errors.New("sandbox: unsupported language")

	// ErrExecTimeout indicates that execution exceeded the wall-clock
	// timeout. The sandbox has been force-destroyed; a new sandbox is
	// required for further work.
	ErrExecTimeout = errors.New("sandbox: execution timed out")

	// ErrPathSecurity indicates a file path that violates the transfer
	// protocol's security constraints. No filesystem interaction happened.
	ErrPathSecurity = errors.New("sandbox: path rejected")

	// ErrFileSize indicates content exceeding a configured size ceiling.
	ErrFileSize = errors.New("sandbox: file size exceeds limit")

	// ErrNotCreated indicates an operation on a sandbox whose environment
	// has not been created, or has already been destroyed.
	ErrNotCreated = errors.New("sandbox: environment not created")
)
