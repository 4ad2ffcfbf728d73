package models

// ServerInfo is returned by the unauthenticated server info endpoint.
type ServerInfo struct {
	Version    string
	Identity   string // SSH host public keys, one per line
	RemoteHost string // host:port of the SSH endpoint
}

// CurrentUser describes the authenticated account.
type CurrentUser struct {
	Username string
	Role     int
	Version  string
	Repos    []string
}

// RepositorySettings is the subset of repository settings mirrored with the
// server.
type RepositorySettings struct {
	Name          string
	MaxAge        int
	KeepDays      int
	IgnoreWeekday []int
}
