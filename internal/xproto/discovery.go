// Package xproto defines the wire message shapes and service client
// interfaces the driver depends on: a thin, hand-written value-type layer
// in place of generated protobuf code, serialized by the transport's
// registered codec.
package xproto

import (
	"context"

	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
)

// Endpoint is an address record published by discovery.
type Endpoint struct {
	Host       string
	Port       int
	NodeID     uint32
	Location   string
	TLS        bool
	SSLTargetNameOverride string
}

// ListEndpointsResult is the payload of a successful ListEndpoints call.
type ListEndpointsResult struct {
	Endpoints    []Endpoint
	SelfLocation string
}

// DiscoveryClient is the Discovery service surface used by the driver
//: ListEndpoints and WhoAmI, each wrapped in an Operation envelope
// that the implementation unwraps before returning.
type DiscoveryClient interface {
	ListEndpoints(ctx context.Context, database string) (ListEndpointsResult, error)
	WhoAmI(ctx context.Context) (string, error)
}

// CheckStatus converts a non-SUCCESS status code plus issue list into a
// *xerrors.StatusError, or returns nil when the status is SUCCESS. Every
// xproto client implementation funnels its responses through this helper.
func CheckStatus(code xerrors.StatusCode, issues []xerrors.Issue) error {
	if code == xerrors.StatusSuccess || code == xerrors.StatusUnspecified {
		return nil
	}
	return xerrors.NewStatusError(code, issues)
}
