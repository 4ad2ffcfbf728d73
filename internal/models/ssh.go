package models

// SSHCheckConfig holds the parameters of an SSH connectivity check.
type SSHCheckConfig struct {
	Host           string
	Port           int
	Username       string
	PrivateKey     []byte // loaded from file path
	KeyPath        string // path to key file
	KnownHostsPath string
	Command        string
}

// SSHResult holds the result of an SSH operation.
type SSHResult struct {
	CommandRun bool
	Output     string
	Error      error
}
