package wire

import "github.com/ojp-io/ojp/xidkey"

// Xid is the wire encoding of an XA transaction identifier:
// `{ formatId: int32, globalTransactionId: bytes, branchQualifier: bytes }`.
// Kept distinct from xidkey.Xid so the JSON field names match the wire
// protocol exactly regardless of the internal Go field names.
type Xid struct {
	FormatID            int32  `json:"formatId"`
	GlobalTransactionID []byte `json:"globalTransactionId"`
	BranchQualifier     []byte `json:"branchQualifier"`
}

// ToXidKeyXid converts the wire encoding to xidkey's internal Xid shape.
func (x Xid) ToXidKeyXid() xidkey.Xid {
	return xidkey.Xid{
		FormatID:        x.FormatID,
		GlobalTxID:      x.GlobalTransactionID,
		BranchQualifier: x.BranchQualifier,
	}
}

// FromXidKeyXid converts xidkey's internal Xid shape to the wire encoding.
func FromXidKeyXid(x xidkey.Xid) Xid {
	return Xid{
		FormatID:            x.FormatID,
		GlobalTransactionID: x.GlobalTxID,
		BranchQualifier:     x.BranchQualifier,
	}
}

// XARequest carries the Xid plus flags/onePhase fields shared by the
// xaStart/xaEnd/xaPrepare/xaCommit/xaRollback family.
type XARequest struct {
	Session  SessionInfo `json:"session"`
	Xid      Xid         `json:"xid"`
	Flags    int32       `json:"flags,omitempty"`
	OnePhase bool        `json:"onePhase,omitempty"`
}

// XARecoverRequest carries only the scan flags for xaRecover.
type XARecoverRequest struct {
	Session SessionInfo `json:"session"`
	Flags   int32       `json:"flags"`
}

// XAResult is the response for xaPrepare (return code) and xaRecover
// (the list of in-doubt Xids).
type XAResult struct {
	Session    SessionInfo `json:"session"`
	ReturnCode int         `json:"returnCode"`
	Xids       []Xid       `json:"xids,omitempty"`
	Error      *ErrorInfo  `json:"error,omitempty"`
}

// XATimeoutRequest carries the session plus the seconds argument of
// xaSetTransactionTimeout; xaGetTransactionTimeout reuses it with Seconds
// unset.
type XATimeoutRequest struct {
	Session SessionInfo `json:"session"`
	Seconds int         `json:"seconds,omitempty"`
}

// XATimeoutResult is the response for xaGetTransactionTimeout.
type XATimeoutResult struct {
	Session SessionInfo `json:"session"`
	Seconds int         `json:"seconds"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// XAIsSameRMRequest carries the two sessions being compared by
// xaIsSameRM.
type XAIsSameRMRequest struct {
	SessionA SessionInfo `json:"sessionA"`
	SessionB SessionInfo `json:"sessionB"`
}

// XAIsSameRMResult is the response for xaIsSameRM.
type XAIsSameRMResult struct {
	Same  bool       `json:"same"`
	Error *ErrorInfo `json:"error,omitempty"`
}
