// Package pguri parses PostgreSQL connection strings (URI and libpq
// keyword/DSN forms), resolves named services from pg_service.conf,
// and resolves passwords via the URI / PGPASSWORD / pgpass precedence
// chain, kept separate from the connection engine itself so it can be
// unit tested without a socket.
package pguri

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"
)

// SSLMode mirrors the subset of libpq's sslmode values that affect
// this engine's behavior. verify-ca/verify-full are accepted for
// compatibility but only the disable/prefer/require semantics change
// engine behavior here.
type SSLMode string

const (
	SSLDisable    SSLMode = "disable"
	SSLAllow      SSLMode = "allow"
	SSLPrefer     SSLMode = "prefer"
	SSLRequire    SSLMode = "require"
	SSLVerifyCA   SSLMode = "verify-ca"
	SSLVerifyFull SSLMode = "verify-full"
)

// wantsTLS reports whether the engine should attempt the SSLRequest
// handshake at all. Only Prefer/Require strictly need it, but this
// engine also attempts it for allow/verify-ca/verify-full since libpq
// does, treating anything stricter than Prefer the same as Require for
// the purpose of "was TLS attempted"; behavior on refusal still
// differs between Prefer (fall back to plaintext) and Require (fatal).
func (m SSLMode) wantsTLS() bool {
	switch m {
	case SSLPrefer, SSLRequire, SSLAllow, SSLVerifyCA, SSLVerifyFull:
		return true
	default:
		return false
	}
}

// Required reports whether a TLS refusal from the server is fatal.
func (m SSLMode) Required() bool {
	switch m {
	case SSLRequire, SSLVerifyCA, SSLVerifyFull:
		return true
	default:
		return false
	}
}

// WantsTLS is the exported form used by the transport package.
func (m SSLMode) WantsTLS() bool { return m.wantsTLS() }

// ConnectionURI is the parsed and defaulted form of a PostgreSQL
// connection string.
type ConnectionURI struct {
	Host     string // "" means default UNIX socket; a "/"-prefixed value is a UNIX socket directory
	Port     uint16
	User     string
	Password string // resolved value, empty if not yet resolved
	Database string
	SSLMode  SSLMode

	ApplicationName            string
	FallbackApplicationName    string
	Keepalives                 bool
	Options                    string
	Replication                string

	// RawParams holds the query parameters passed through to the startup
	// packet: application_name (given directly or taken from
	// fallback_application_name), options and replication. sslmode,
	// keepalives and fallback_application_name themselves are not stored
	// here.
	RawParams map[string]string
}

// recognizedParams is the set of query keys Parse accepts; any other
// key is ignored.
var recognizedParams = map[string]bool{
	"sslmode":                  true,
	"application_name":         true,
	"fallback_application_name": true,
	"keepalives":               true,
	"options":                  true,
	"replication":              true,
}

const defaultPort = 5432

// Parse parses a "postgresql://" (or "postgres://") connection URI,
// defaulting user to "postgres" and dbname to user when dbname is
// unset.
func Parse(raw string) (ConnectionURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ConnectionURI{}, fmt.Errorf("%w: pguri: invalid URI: %v", errConfig, err)
	}
	if u.Scheme != "postgresql" && u.Scheme != "postgres" {
		return ConnectionURI{}, fmt.Errorf("%w: pguri: unsupported scheme %q", errConfig, u.Scheme)
	}

	out := ConnectionURI{
		Host:      u.Hostname(),
		SSLMode:   SSLPrefer,
		RawParams: map[string]string{},
	}

	if u.User != nil {
		out.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			out.Password = pw
		}
	}
	if out.User == "" {
		out.User = "postgres"
	}

	out.Database = strings.TrimPrefix(u.Path, "/")
	if out.Database == "" {
		out.Database = out.User
	}

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return ConnectionURI{}, fmt.Errorf("%w: pguri: invalid port %q", errConfig, portStr)
		}
		out.Port = uint16(p)
	} else {
		out.Port = defaultPort
	}

	q := u.Query()
	for key, vals := range q {
		if len(vals) == 0 {
			continue
		}
		val := vals[len(vals)-1]
		if !recognizedParams[key] {
			continue
		}
		switch key {
		case "sslmode":
			mode := SSLMode(val)
			switch mode {
			case SSLDisable, SSLAllow, SSLPrefer, SSLRequire, SSLVerifyCA, SSLVerifyFull:
				out.SSLMode = mode
			default:
				return ConnectionURI{}, fmt.Errorf("%w: pguri: unknown sslmode %q", errConfig, val)
			}
		case "application_name":
			out.ApplicationName = val
			out.RawParams[key] = val
		case "fallback_application_name":
			out.FallbackApplicationName = val
		case "keepalives":
			out.Keepalives = val != "0" && val != "false"
		case "options":
			out.Options = val
			out.RawParams[key] = val
		case "replication":
			out.Replication = val
			out.RawParams[key] = val
		}
	}

	if out.ApplicationName == "" && out.FallbackApplicationName != "" {
		out.ApplicationName = out.FallbackApplicationName
		out.RawParams["application_name"] = out.ApplicationName
	}

	return out, nil
}

// ParseDSN accepts a Perl DBI-style "DBI:Pg:key=value;key=value" string
// and translates the recognized keys into a ConnectionURI.
func ParseDSN(dsn string) (ConnectionURI, error) {
	const prefix = "DBI:Pg:"
	if !strings.HasPrefix(dsn, prefix) {
		return ConnectionURI{}, fmt.Errorf("%w: pguri: not a DBI:Pg: DSN", errConfig)
	}
	body := dsn[len(prefix):]

	out := ConnectionURI{
		User:    "postgres",
		Port:    defaultPort,
		SSLMode: SSLPrefer,
		RawParams: map[string]string{},
	}

	for _, pair := range strings.Split(body, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return ConnectionURI{}, fmt.Errorf("%w: pguri: malformed DSN segment %q", errConfig, pair)
		}
		key, val := strings.ToLower(kv[0]), kv[1]
		switch key {
		case "host":
			out.Host = val
		case "port":
			p, err := strconv.ParseUint(val, 10, 16)
			if err != nil {
				return ConnectionURI{}, fmt.Errorf("%w: pguri: invalid port %q", errConfig, val)
			}
			out.Port = uint16(p)
		case "user", "username":
			out.User = val
		case "password":
			out.Password = val
		case "dbname":
			out.Database = val
		}
	}

	if out.Database == "" {
		out.Database = out.User
	}
	return out, nil
}

var errConfig = fmt.Errorf("config error")

// SocketAddr returns the network and address to dial, matching libpq's
// address-selection rules bit-exact: empty host ->
// "/var/run/postgresql/.s.PGSQL.<port>", a "/"- or "@"-prefixed host ->
// "<host>/.s.PGSQL.<port>", anything else -> TCP.
func (c ConnectionURI) SocketAddr() (network, address string) {
	switch {
	case c.Host == "":
		return "unix", filepath.Join("/var/run/postgresql", fmt.Sprintf(".s.PGSQL.%d", c.Port))
	case strings.HasPrefix(c.Host, "/") || strings.HasPrefix(c.Host, "@"):
		return "unix", filepath.Join(c.Host, fmt.Sprintf(".s.PGSQL.%d", c.Port))
	default:
		return "tcp", net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
	}
}

// StartupParameters returns the key/value pairs that belong in the
// StartupMessage: user, database, application_name, and any
// passthrough query parameter except sslmode.
func (c ConnectionURI) StartupParameters() map[string]string {
	params := map[string]string{
		"user":     c.User,
		"database": c.Database,
	}
	if c.ApplicationName != "" {
		params["application_name"] = c.ApplicationName
	}
	for k, v := range c.RawParams {
		if k == "sslmode" || k == "application_name" {
			continue
		}
		params[k] = v
	}
	return params
}

// Env is an injectable abstraction over process environment reads, so
// pgpass/service-file/PGPASSWORD resolution can be unit tested with a
// stub instead of mutating the real process environment.
type Env interface {
	Getenv(key string) string
	UserHomeDir() (string, error)
	Stat(path string) (os.FileInfo, error)
}

// OSEnv is the real environment, used outside of tests.
type OSEnv struct{}

func (OSEnv) Getenv(key string) string             { return os.Getenv(key) }
func (OSEnv) UserHomeDir() (string, error)          { return os.UserHomeDir() }
func (OSEnv) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

// ResolveService looks up PGSERVICE (or an explicitly named service)
// in the pg_service.conf file found via libpq's lookup order:
// PGSERVICEFILE, PGSYSCONFDIR/pg_service.conf, ~/.pg_service.conf,
// /etc/pg_service.conf. Any recognized key found in the service
// overrides the corresponding field on base; hostaddr overrides host.
func ResolveService(env Env, base ConnectionURI, serviceName string) (ConnectionURI, error) {
	if serviceName == "" {
		serviceName = env.Getenv("PGSERVICE")
	}
	if serviceName == "" {
		return base, nil
	}

	path, err := servicefilePath(env)
	if err != nil {
		return ConnectionURI{}, err
	}
	if path == "" {
		return ConnectionURI{}, fmt.Errorf("%w: pguri: service %q requested but no pg_service.conf found", errConfig, serviceName)
	}

	sf, err := pgservicefile.ReadServicefile(path)
	if err != nil {
		return ConnectionURI{}, fmt.Errorf("%w: pguri: reading service file %s: %v", errConfig, path, err)
	}
	svc, err := sf.GetService(serviceName)
	if err != nil {
		return ConnectionURI{}, fmt.Errorf("%w: pguri: service %q not found in %s", errConfig, serviceName, path)
	}

	out := base
	if out.RawParams == nil {
		out.RawParams = map[string]string{}
	}
	for key, val := range svc.Settings {
		switch key {
		case "host":
			if _, ok := svc.Settings["hostaddr"]; !ok {
				out.Host = val
			}
		case "hostaddr":
			out.Host = val
		case "port":
			p, err := strconv.ParseUint(val, 10, 16)
			if err != nil {
				return ConnectionURI{}, fmt.Errorf("%w: pguri: service %q has invalid port %q", errConfig, serviceName, val)
			}
			out.Port = uint16(p)
		case "user":
			out.User = val
		case "password":
			out.Password = val
		case "dbname":
			out.Database = val
		case "sslmode":
			out.SSLMode = SSLMode(val)
		default:
			out.RawParams[key] = val
		}
	}
	return out, nil
}

func servicefilePath(env Env) (string, error) {
	if p := env.Getenv("PGSERVICEFILE"); p != "" {
		return p, nil
	}
	if sysconf := env.Getenv("PGSYSCONFDIR"); sysconf != "" {
		p := filepath.Join(sysconf, "pg_service.conf")
		if _, err := env.Stat(p); err == nil {
			return p, nil
		}
	}
	if home, err := env.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".pg_service.conf")
		if _, err := env.Stat(p); err == nil {
			return p, nil
		}
	}
	const systemWide = "/etc/pg_service.conf"
	if _, err := env.Stat(systemWide); err == nil {
		return systemWide, nil
	}
	return "", nil
}

// ResolvePassword applies libpq's precedence chain: URI password, then
// PGPASSWORD, then a matching pgpass file entry.
// Returns "" (no error) if no source yields a password — some auth
// mechanisms (trust, peer) need none.
func ResolvePassword(env Env, uri ConnectionURI) (string, error) {
	if uri.Password != "" {
		return uri.Password, nil
	}
	if pw := env.Getenv("PGPASSWORD"); pw != "" {
		return pw, nil
	}

	path := env.Getenv("PGPASSFILE")
	if path == "" {
		home, err := env.UserHomeDir()
		if err != nil {
			return "", nil
		}
		path = filepath.Join(home, ".pgpass")
	}

	info, err := env.Stat(path)
	if err != nil {
		return "", nil
	}
	if info.Mode().Perm()&0o077 != 0 {
		slog.Warn("pguri: ignoring pgpass file with group or world permissions", "path", path)
		return "", nil
	}

	pf, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return "", nil
	}

	hostForMatch := uri.Host
	if hostForMatch == "" {
		hostForMatch = "localhost"
	}
	return pf.FindPassword(hostForMatch, strconv.Itoa(int(uri.Port)), uri.Database, uri.User), nil
}
