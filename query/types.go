package query

import "github.com/nexusdb/nexus-go-sdk/internal/xproto"

// Wire-level types re-exported so callers never import the internal
// protocol package.
type (
	Row        = xproto.Row
	ExecStats  = xproto.ExecStats
	ResultPart = xproto.QueryResultPart
	ExecMode   = xproto.ExecMode
	StatsMode  = xproto.StatsMode
)

const (
	ExecModeExecute  = xproto.ExecModeExecute
	ExecModeExplain  = xproto.ExecModeExplain
	ExecModeParse    = xproto.ExecModeParse
	ExecModeValidate = xproto.ExecModeValidate

	StatsModeNone    = xproto.StatsModeNone
	StatsModeBasic   = xproto.StatsModeBasic
	StatsModeFull    = xproto.StatsModeFull
	StatsModeProfile = xproto.StatsModeProfile
)
