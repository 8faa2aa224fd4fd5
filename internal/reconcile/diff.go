// Package reconcile converges a router's PPPoE secrets toward the desired
// subscriber accounts stored for it.
package reconcile

import (
	"sort"

	"accessgrid/core-go/internal/device"
)

// DefaultProfile is what RouterOS reports when a secret has no explicit profile.
const DefaultProfile = "default"

// Desired is a desired account with its secret already decrypted.
type Desired struct {
	AccountID     string `json:"account_id" validate:"required"`
	Username      string `json:"username" validate:"required,max=64,secret_name"`
	Secret        string `json:"secret" validate:"max=128"`
	SecretPending bool   `json:"-"`
	Profile       string `json:"profile" validate:"omitempty,max=64,secret_name"`
	RemoteAddress string `json:"remote_address" validate:"max=64"`
	Disabled      bool   `json:"disabled"`
	Comment       string `json:"comment" validate:"max=255"`
}

func (d Desired) profile() string {
	return normalizeProfile(d.Profile)
}

func normalizeProfile(p string) string {
	if p == "" {
		return DefaultProfile
	}
	return p
}

// Diff compares desired accounts against the secrets a router reports, keyed
// by username, and returns the operations that bring the router in line.
//
// Secrets on the router without a desired account are left alone. A password
// is only pushed on update when the operator supplied a new one.
func Diff(desired []Desired, actual []device.Secret) []device.AccountOp {
	live := make(map[string]device.Secret, len(actual))
	for _, s := range actual {
		live[s.Name] = s
	}

	sorted := make([]Desired, len(desired))
	copy(sorted, desired)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Username < sorted[j].Username })

	var ops []device.AccountOp
	for _, d := range sorted {
		cur, ok := live[d.Username]
		if !ok {
			ops = append(ops, device.AccountOp{
				Kind:          device.OpCreate,
				AccountID:     d.AccountID,
				Username:      d.Username,
				Password:      d.Secret,
				Profile:       d.profile(),
				RemoteAddress: d.RemoteAddress,
				Disabled:      d.Disabled,
				Comment:       d.Comment,
			})
			continue
		}

		changed := changedFields(d, cur)
		if len(changed) == 0 {
			continue
		}
		op := device.AccountOp{
			Kind:          device.OpUpdate,
			AccountID:     d.AccountID,
			Username:      d.Username,
			Profile:       d.profile(),
			RemoteAddress: d.RemoteAddress,
			Disabled:      d.Disabled,
			Comment:       d.Comment,
			Changed:       changed,
		}
		if pushesSecret(d) {
			op.Password = d.Secret
		}
		ops = append(ops, op)
	}
	return ops
}

func pushesSecret(d Desired) bool {
	return d.SecretPending && d.Secret != ""
}

func changedFields(d Desired, cur device.Secret) []string {
	var changed []string
	if d.profile() != normalizeProfile(cur.Profile) {
		changed = append(changed, "profile")
	}
	if d.RemoteAddress != cur.RemoteAddress {
		changed = append(changed, "remote_address")
	}
	if d.Disabled != cur.Disabled {
		changed = append(changed, "disabled")
	}
	if d.Comment != cur.Comment {
		changed = append(changed, "comment")
	}
	if pushesSecret(d) {
		changed = append(changed, "password")
	}
	return changed
}
