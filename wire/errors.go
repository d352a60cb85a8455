package wire

import "github.com/ojp-io/ojp/errs"

// FromError converts an OJP typed error into the wire's ErrorInfo
// trailer, passing SQL state / vendor code / XA code through verbatim.
// Any other error is reported as a generic internal failure.
func FromError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	e, ok := err.(*errs.Error)
	if !ok {
		return &ErrorInfo{Kind: "InternalError", Message: err.Error()}
	}
	return &ErrorInfo{
		Kind:       string(e.Kind),
		Message:    e.Message,
		SQLState:   e.SQLState,
		VendorCode: e.VendorCode,
		XACode:     e.XACode,
	}
}
