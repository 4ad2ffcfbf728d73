package models

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Each kind maps to a fixed process exit
// code so scripts can switch on it.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindRdiffBackupException
	KindRdiffBackupExit
	KindAlreadyRunning
	KindNotScheduled
	KindConnectRefused
	KindPermissionDenied
	KindUnknownHostKey
	KindDiskQuotaExceeded
	KindDiskFull
	KindUnknownHost
	KindUnsupportedVersion
	KindRestoreFileNotFound
	KindRepositoryLocked
	KindUnrecognizedArgs
	KindLocalDestinationNotFound
	KindDiskDisconnected
	KindRemoteRepositoryNotFound
	KindRemoteServerTruncatedHeader
	KindInvalidFileSpecification
	KindNoPatterns
	KindNotConfigured
	KindHTTPConnection
	KindHTTPInvalidURL
	KindHTTPAuthentication
	KindHTTPServerError
	KindLocalDestinationNotEmpty
	KindInitDestination
	KindInvalidRepositoryName
	KindDuplicateSettings
	KindJailCreation
	KindInstanceNotFound
	KindRepositoryNameExists
	KindCancelled
)

// ExitSuccess is returned by the CLI when no error occurred.
const ExitSuccess = 0

// ExitGeneric is returned for errors that carry no kind.
const ExitGeneric = 1

type kindInfo struct {
	name    string
	code    int
	message string
	detail  string
}

// kinds is the only place where kinds, exit codes and default messages are
// declared.
var kinds = map[Kind]kindInfo{
	KindUnknown:                     {"Unknown", ExitGeneric, "Unexpected error", ""},
	KindRdiffBackupException:        {"RdiffBackupException", 10, "Backup process failed", "The rdiff-backup process could not be started or crashed. See the log file for details."},
	KindRdiffBackupExit:             {"RdiffBackupExit", 11, "Backup process returned a non-zero exit status", "See the log file for details."},
	KindAlreadyRunning:              {"AlreadyRunning", 12, "Backup already running", "Another process is already running an operation for this instance."},
	KindNotScheduled:                {"NotScheduled", 13, "Backup not yet scheduled to run", "Use --force to run a backup anyway."},
	KindConnectRefused:              {"ConnectRefused", 14, "Unable to connect to remote server", "The remote server refused the SSH connection. Make sure the server is reachable and try again later."},
	KindPermissionDenied:            {"PermissionDenied", 15, "Permission denied", "The SSH key of this instance is not authorized on the remote server. Configure the instance again."},
	KindUnknownHostKey:              {"UnknownHostKey", 16, "Unknown server identity", "The identity of the remote server changed. Configure the instance again to trust the new identity."},
	KindDiskQuotaExceeded:           {"DiskQuotaExceeded", 17, "Disk quota exceeded", "The destination has reached its quota. Free some space or ask your administrator to increase it."},
	KindDiskFull:                    {"DiskFull", 18, "Disk full", "The destination has no space left."},
	KindUnknownHost:                 {"UnknownHost", 19, "Unable to resolve remote server hostname", "Check your network connection and the remote server URL."},
	KindUnsupportedVersion:          {"UnsupportedVersion", 20, "Unsupported version", "The remote server does not support this version of the agent. Upgrade the agent."},
	KindRestoreFileNotFound:         {"RestoreFileNotFound", 21, "File not found in backup", "The requested path does not exist in the selected increment."},
	KindRepositoryLocked:            {"RepositoryLocked", 22, "Repository locked", "A previous backup session is still active or was interrupted. It will be resolved by the next backup."},
	KindUnrecognizedArgs:            {"UnrecognizedArgs", 23, "Unrecognized arguments", "The installed rdiff-backup does not support the requested arguments."},
	KindLocalDestinationNotFound:    {"LocalDestinationNotFound", 24, "Local destination disk not found", "Connect the backup disk and try again."},
	KindDiskDisconnected:            {"DiskDisconnected", 25, "Disk disconnected", "The backup disk was disconnected during the operation."},
	KindRemoteRepositoryNotFound:    {"RemoteRepositoryNotFound", 26, "Remote repository not found", "The repository does not exist on the remote server."},
	KindRemoteServerTruncatedHeader: {"RemoteServerTruncatedHeader", 27, "Connection to remote server was interrupted", "The remote server closed the connection unexpectedly."},
	KindInvalidFileSpecification:    {"InvalidFileSpecification", 28, "Invalid file specification", "The pattern does not resolve to any existing path."},
	KindNoPatterns:                  {"NoPatterns", 29, "No files included in backup", "Add at least one include pattern."},
	KindNotConfigured:               {"NotConfigured", 30, "Instance not configured", "Run minarca configure first."},
	KindHTTPConnection:              {"HttpConnection", 31, "Unable to connect to remote server", "Check the remote server URL and your network connection."},
	KindHTTPInvalidURL:              {"HttpInvalidUrl", 32, "Invalid remote server URL", "The URL must use http or https and contain a host."},
	KindHTTPAuthentication:          {"HttpAuthentication", 33, "Authentication failed", "Verify your username and password."},
	KindHTTPServerError:             {"HttpServerError", 34, "Remote server error", "The remote server returned an unexpected error."},
	KindLocalDestinationNotEmpty:    {"LocalDestinationNotEmpty", 35, "Destination is not empty", "Select an empty folder or a previous backup location, or use --force."},
	KindInitDestination:             {"InitDestination", 36, "Unable to initialize destination", ""},
	KindInvalidRepositoryName:       {"InvalidRepositoryName", 37, "Invalid repository name", "Only letters, digits, dot, dash and underscore are allowed."},
	KindDuplicateSettings:           {"DuplicateSettings", 38, "Another instance already uses these settings", ""},
	KindJailCreation:                {"JailCreation", 39, "Remote server failed to create a jail", "Contact your administrator."},
	KindInstanceNotFound:            {"InstanceNotFound", 103, "Instance not found", ""},
	KindRepositoryNameExists:        {"RepositoryNameExists", 104, "Repository name already exists", "Use --force to reuse the existing repository."},
	KindCancelled:                   {"Cancelled", ExitGeneric, "cancelled", ""},
}

// String returns the kind name.
func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ExitCode returns the process exit code of the kind.
func (k Kind) ExitCode() int {
	if info, ok := kinds[k]; ok {
		return info.code
	}
	return ExitGeneric
}

// Error is a classified error. Message is a single line meant for status
// files and notifications; Detail is a paragraph for interactive display.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// NewError returns an error of the given kind with its default message.
func NewError(kind Kind) *Error {
	info := kinds[kind]
	return &Error{Kind: kind, Message: info.message, Detail: info.detail}
}

// Errorf returns an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	info := kinds[kind]
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Detail: info.detail}
}

// Wrap returns an error of the given kind caused by err.
func Wrap(kind Kind, err error) *Error {
	e := NewError(kind)
	e.Err = err
	if err != nil && e.Detail == "" {
		e.Detail = err.Error()
	}
	return e
}

// ErrCancelled is returned when an operation was stopped by the user.
var ErrCancelled = NewError(KindCancelled)

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	return KindOf(err).ExitCode()
}

// DetailOf returns the detail paragraph of err, if any.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}
