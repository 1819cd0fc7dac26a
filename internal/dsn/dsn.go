// Package dsn parses the driver's connection string:
// grpc(s)://host[:port][/database][?database=...&application=...].
package dsn

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
)

// Info is the parsed form of a connection string.
type Info struct {
	Secure      bool
	Host        string
	Port        int
	Database    string
	Application string
}

// Parse validates and splits a connection string. At least one of the
// path or the
// `database` query parameter must supply the database path.
func Parse(raw string) (Info, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Info{}, xerrors.NewClientError(xerrors.ClientErrInvalidDSN, fmt.Sprintf("invalid connection string: %v", err))
	}

	var secure bool
	switch u.Scheme {
	case "grpc":
		secure = false
	case "grpcs":
		secure = true
	default:
		return Info{}, xerrors.NewClientError(xerrors.ClientErrInvalidDSN, fmt.Sprintf("unsupported scheme %q, want grpc or grpcs", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return Info{}, xerrors.NewClientError(xerrors.ClientErrInvalidDSN, "connection string is missing a host")
	}

	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return Info{}, xerrors.NewClientError(xerrors.ClientErrInvalidDSN, fmt.Sprintf("invalid port %q", p))
		}
		port = parsed
	}

	query := u.Query()
	database := query.Get("database")
	if database == "" {
		database = strings.TrimPrefix(u.Path, "/")
	}
	if database == "" {
		return Info{}, xerrors.NewClientError(xerrors.ClientErrInvalidDSN, "connection string must specify a database in the path or as ?database=")
	}
	if !strings.HasPrefix(database, "/") {
		database = "/" + database
	}

	return Info{
		Secure:      secure,
		Host:        host,
		Port:        port,
		Database:    database,
		Application: query.Get("application"),
	}, nil
}

// Target returns the host:port gRPC dial target.
func (i Info) Target() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}
