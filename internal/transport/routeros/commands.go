package routeros

import (
	"fmt"
	"strings"

	"accessgrid/core-go/internal/device"
)

const (
	cmdResource   = "/system resource print without-paging"
	cmdHealth     = "/system health print terse without-paging"
	cmdInterfaces = "/interface print terse without-paging"
	cmdIfStats    = "/interface print stats terse without-paging"
	cmdAddresses  = "/ip address print terse without-paging"
	cmdPools      = "/ip pool print terse without-paging"
	cmdSecrets    = "/ppp secret print terse without-paging"
)

// accountCommands renders the CLI commands for one account operation. Update
// may need two commands because clearing remote-address requires unset.
func accountCommands(op device.AccountOp) ([]string, error) {
	if strings.TrimSpace(op.Username) == "" {
		return nil, fmt.Errorf("%s: empty username", op.Kind)
	}
	find := "[find where name=" + quote(op.Username) + "]"

	switch op.Kind {
	case device.OpCreate:
		args := []string{
			"name=" + quote(op.Username),
			"password=" + quote(op.Password),
			"service=pppoe",
			"profile=" + quote(profileOf(op)),
		}
		if op.RemoteAddress != "" {
			args = append(args, "remote-address="+quote(op.RemoteAddress))
		}
		args = append(args, "disabled="+yesNo(op.Disabled), "comment="+quote(op.Comment))
		return []string{"/ppp secret add " + strings.Join(args, " ")}, nil

	case device.OpUpdate:
		args := []string{
			"profile=" + quote(profileOf(op)),
			"disabled=" + yesNo(op.Disabled),
			"comment=" + quote(op.Comment),
		}
		if op.Password != "" {
			args = append(args, "password="+quote(op.Password))
		}
		if op.RemoteAddress != "" {
			args = append(args, "remote-address="+quote(op.RemoteAddress))
		}
		cmds := []string{"/ppp secret set " + find + " " + strings.Join(args, " ")}
		if op.RemoteAddress == "" {
			cmds = append(cmds, "/ppp secret unset "+find+" remote-address")
		}
		return cmds, nil

	case device.OpRemove:
		return []string{"/ppp secret remove " + find}, nil
	}
	return nil, fmt.Errorf("unknown account op %q", op.Kind)
}

func profileOf(op device.AccountOp) string {
	if op.Profile == "" {
		return "default"
	}
	return op.Profile
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// redact hides the password argument of a command for logging.
func redact(cmd string) string {
	i := strings.Index(cmd, "password=")
	if i < 0 {
		return cmd
	}
	rest := cmd[i+len("password="):]
	end := len(rest)
	if strings.HasPrefix(rest, `"`) {
		for j := 1; j < len(rest); j++ {
			if rest[j] == '\\' {
				j++
				continue
			}
			if rest[j] == '"' {
				end = j + 1
				break
			}
		}
	} else if k := strings.IndexByte(rest, ' '); k >= 0 {
		end = k
	}
	return cmd[:i] + "password=***" + rest[end:]
}
