package topic

import "github.com/nexusdb/nexus-go-sdk/internal/xproto"

// Wire-level types re-exported so callers never import the internal
// protocol package.
type (
	Codec           = xproto.Codec
	Selector        = xproto.TopicReadSettings
	OffsetRange     = xproto.OffsetRange
	PartitionCommit = xproto.PartitionCommit
	MetadataItem    = xproto.MessageMetadataItem
)

const (
	CodecUnspecified = xproto.CodecUnspecified
	CodecRaw         = xproto.CodecRaw
	CodecGzip        = xproto.CodecGzip
	CodecLZ4         = xproto.CodecLZ4
	CodecZstd        = xproto.CodecZstd
)
