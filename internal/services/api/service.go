// Package api provides the client of the Minarca server REST API.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fgeck/minarca-agent/internal/keys"
	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// DefaultTimeout applies to every request.
const DefaultTimeout = 30 * time.Second

// Service defines the remote operations used by an instance.
type Service interface {
	GetServerInfo(ctx context.Context) (*models.ServerInfo, error)
	WhoAmI(ctx context.Context) (*models.CurrentUser, error)
	CreateRepository(ctx context.Context, name string, pub []byte, force bool) error
	GetRepository(ctx context.Context, name string) (*models.RepositorySettings, error)
	UpdateRepository(ctx context.Context, settings models.RepositorySettings) error
	DeleteRepositoryKey(ctx context.Context, fingerprint string) error
}

var _ Service = (*Impl)(nil)

// Auth adds credentials to a request.
type Auth interface {
	Apply(req *resty.Request) error
}

// BasicAuth authenticates with a username and password.
type BasicAuth struct {
	Username string
	Password string
}

// Apply implements Auth.
func (a BasicAuth) Apply(req *resty.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// KeyAuth authenticates with a minarcaid token signed by the instance key.
type KeyAuth struct {
	Key   *keys.Keypair
	Clock clock.Clock
}

// Apply implements Auth.
func (a KeyAuth) Apply(req *resty.Request) error {
	clk := a.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	token, err := keys.GenMinarcaidV1(a.Key, clk.Now())
	if err != nil {
		return err
	}
	req.SetHeader("Authorization", "minarcaid "+token)
	return nil
}

// Options configures the default HTTP transport.
type Options struct {
	Timeout     time.Duration
	InsecureTLS bool
}

// Impl implements the Service interface.
type Impl struct {
	client  *resty.Client
	logger  zerolog.Logger
	baseURL *url.URL
	auth    Auth
}

// New creates a client for the server at rawURL.
func New(logger zerolog.Logger, rawURL string, opts Options) (*Impl, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	c, err := NewWithClient(logger, &http.Client{}, rawURL)
	if err != nil {
		return nil, err
	}
	c.client.SetTimeout(opts.Timeout)
	if opts.InsecureTLS {
		c.client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // explicit user opt-in
	}
	return c, nil
}

// NewWithClient creates a client on top of a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient *http.Client, rawURL string) (*Impl, error) {
	base, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("remote", base.Host).Logger()
	client := resty.NewWithClient(httpClient).
		SetLogger(restyLogger{logger: logger}).
		SetHeader("Accept", "application/json")
	return &Impl{
		client:  client,
		logger:  logger,
		baseURL: base,
	}, nil
}

// restyLogger routes resty diagnostics through zerolog.
type restyLogger struct {
	logger zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), v...)
}

// ParseURL validates a server URL.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, models.Wrap(models.KindHTTPInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, models.Errorf(models.KindHTTPInvalidURL, "Invalid remote server URL: %s", rawURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// WithAuth returns a copy of the client using a.
func (s *Impl) WithAuth(a Auth) *Impl {
	c := *s
	c.auth = a
	return &c
}

// Login verifies the credentials and returns the authenticated client.
func (s *Impl) Login(ctx context.Context, username, password string) (*Impl, *models.CurrentUser, error) {
	c := s.WithAuth(BasicAuth{Username: username, Password: password})
	user, err := c.WhoAmI(ctx)
	if err != nil {
		return nil, nil, err
	}
	c.logger.Info().Str("username", user.Username).Msg("logged in")
	return c, user, nil
}

type serverInfoJSON struct {
	Version    string `json:"version"`
	Identity   string `json:"identity"`
	RemoteHost string `json:"remotehost"`
}

// GetServerInfo returns the server version and SSH identity. It does not
// require authentication.
func (s *Impl) GetServerInfo(ctx context.Context) (*models.ServerInfo, error) {
	var out serverInfoJSON
	if err := s.do(ctx, http.MethodGet, "api/minarca", nil, &out, false, models.KindHTTPServerError); err != nil {
		return nil, err
	}
	return &models.ServerInfo{
		Version:    out.Version,
		Identity:   out.Identity,
		RemoteHost: out.RemoteHost,
	}, nil
}

type repoJSON struct {
	Name          string `json:"name"`
	MaxAge        *int   `json:"maxage,omitempty"`
	KeepDays      *int   `json:"keepdays,omitempty"`
	IgnoreWeekday []int  `json:"ignore_weekday,omitempty"`
}

type currentUserJSON struct {
	Username string     `json:"username"`
	Role     int        `json:"role"`
	Repos    []repoJSON `json:"repos"`
}

func (s *Impl) currentUser(ctx context.Context) (*models.CurrentUser, error) {
	var out currentUserJSON
	if err := s.do(ctx, http.MethodGet, "api/currentuser", nil, &out, true, models.KindHTTPServerError); err != nil {
		return nil, err
	}
	user := &models.CurrentUser{Username: out.Username, Role: out.Role}
	for _, r := range out.Repos {
		user.Repos = append(user.Repos, r.Name)
	}
	return user, nil
}

// WhoAmI returns the authenticated user with the server version.
func (s *Impl) WhoAmI(ctx context.Context) (*models.CurrentUser, error) {
	user, err := s.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	info, err := s.GetServerInfo(ctx)
	if err != nil {
		return nil, err
	}
	user.Version = info.Version
	return user, nil
}

type sshKeyJSON struct {
	Title string `json:"title"`
	Key   string `json:"key"`
}

// CreateRepository registers pub for the repository name. When the server
// already knows the repository, RepositoryNameExists is returned and nothing
// is registered unless force is set.
func (s *Impl) CreateRepository(ctx context.Context, name string, pub []byte, force bool) error {
	user, err := s.currentUser(ctx)
	if err != nil {
		return err
	}
	if !force {
		for _, r := range user.Repos {
			if r == name {
				return models.Errorf(models.KindRepositoryNameExists, "Repository name already exists: %s", name)
			}
		}
	}
	body := sshKeyJSON{Title: name, Key: strings.TrimSpace(string(pub))}
	err = s.do(ctx, http.MethodPost, "api/currentuser/sshkeys", body, nil, true, models.KindHTTPServerError)
	var herr *httpStatusError
	if errors.As(err, &herr) && herr.code == http.StatusConflict {
		s.logger.Debug().Msg("ssh key already registered")
		err = nil
	}
	if err != nil {
		return err
	}
	s.logger.Info().Str("repository", name).Msg("repository key registered")
	return nil
}

// GetRepository returns the settings of the repository name.
func (s *Impl) GetRepository(ctx context.Context, name string) (*models.RepositorySettings, error) {
	var out repoJSON
	if err := s.do(ctx, http.MethodGet, "api/currentuser/repos/"+name, nil, &out, true, models.KindRemoteRepositoryNotFound); err != nil {
		return nil, err
	}
	rs := &models.RepositorySettings{
		Name:          name,
		MaxAge:        models.DefaultMaxAge,
		KeepDays:      models.DefaultKeepDays,
		IgnoreWeekday: out.IgnoreWeekday,
	}
	if out.MaxAge != nil {
		rs.MaxAge = *out.MaxAge
	}
	if out.KeepDays != nil {
		rs.KeepDays = *out.KeepDays
	}
	return rs, nil
}

// UpdateRepository pushes maxage, keepdays and ignore_weekday to the server.
func (s *Impl) UpdateRepository(ctx context.Context, settings models.RepositorySettings) error {
	body := repoJSON{
		MaxAge:        &settings.MaxAge,
		KeepDays:      &settings.KeepDays,
		IgnoreWeekday: settings.IgnoreWeekday,
	}
	if body.IgnoreWeekday == nil {
		body.IgnoreWeekday = []int{}
	}
	return s.do(ctx, http.MethodPost, "api/currentuser/repos/"+settings.Name, body, nil, true, models.KindRemoteRepositoryNotFound)
}

// DeleteRepositoryKey removes the SSH key with the given fingerprint.
func (s *Impl) DeleteRepositoryKey(ctx context.Context, fingerprint string) error {
	return s.do(ctx, http.MethodDelete, "api/currentuser/sshkeys/"+fingerprint, nil, nil, true, models.KindHTTPServerError)
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("server returned status %d", e.code)
	}
	return fmt.Sprintf("server returned status %d: %s", e.code, e.body)
}

func (s *Impl) do(ctx context.Context, method, path string, in, out interface{}, authenticated bool, notFound models.Kind) error {
	target := s.baseURL.ResolveReference(&url.URL{Path: path})

	req := s.client.R().SetContext(ctx)
	if in != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(in)
	}
	if authenticated && s.auth != nil {
		if err := s.auth.Apply(req); err != nil {
			return fmt.Errorf("failed to authenticate request: %w", err)
		}
	}

	s.logger.Debug().Str("method", method).Str("path", path).Msg("api request")
	resp, err := req.Execute(method, target.String())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.Wrap(models.KindHTTPConnection, err)
	}

	data := resp.Body()
	if code := resp.StatusCode(); code < 200 || code > 299 {
		herr := &httpStatusError{code: code, body: strings.TrimSpace(string(data))}
		switch {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return models.Wrap(models.KindHTTPAuthentication, herr)
		case code == http.StatusNotFound:
			return models.Wrap(notFound, herr)
		case code == http.StatusConflict:
			return herr
		default:
			return models.Wrap(models.KindHTTPServerError, herr)
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return models.Wrap(models.KindHTTPServerError, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}
