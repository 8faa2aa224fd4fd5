package device

import "fmt"

type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpRemove OpKind = "remove"
)

// AccountOp is a single corrective operation against a router's PPPoE secrets.
//
// For OpUpdate, Password is empty unless the operator supplied a new secret;
// an empty password never overwrites the secret on the router.
type AccountOp struct {
	Kind          OpKind
	AccountID     string
	Username      string
	Password      string
	Profile       string
	RemoteAddress string
	Disabled      bool
	Comment       string
	// Changed lists the fields that differ from the live secret (update only).
	Changed []string
}

func (op AccountOp) String() string {
	if len(op.Changed) == 0 {
		return fmt.Sprintf("%s %s", op.Kind, op.Username)
	}
	return fmt.Sprintf("%s %s %v", op.Kind, op.Username, op.Changed)
}

// PushesPassword reports whether the op writes a password to the router.
func (op AccountOp) PushesPassword() bool {
	return op.Kind != OpRemove && op.Password != ""
}
