package hub

import (
	"context"
)

// AuthStatus is the identity a connection presents once authorized. It is
// sent back to the client verbatim in the approval frame.
type AuthStatus struct {
	Username  string `json:"username"`
	Anonymous bool   `json:"anonymous"`
	ReadOnly  bool   `json:"read_only"`
	Version   string `json:"version,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Authorization struct {
	Authorized bool
	Status     AuthStatus
}

// AuthorizeFunc decides whether token grants conn access to doc. A returned
// error is treated as a denial.
type AuthorizeFunc func(ctx context.Context, doc *SharedDocument, conn *Conn, token string) (Authorization, error)

var anonymousStatus = AuthStatus{Username: "anonymous", Anonymous: true}

const defaultDenyReason = "permission denied"
