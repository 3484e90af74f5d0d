// Package privilege detects the original user context when the injector
// runs under privilege escalation, so discovery files land in the right
// per-user directory.
package privilege

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// UserContext is the identity of the original user.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// DetectOriginalUser returns the invoking user's context. Under sudo it
// recovers the original user from SUDO_USER/SUDO_UID/SUDO_GID; otherwise
// it returns the current user.
func DetectOriginalUser() (*UserContext, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser != "" {
		uidStr := os.Getenv("SUDO_UID")
		gidStr := os.Getenv("SUDO_GID")
		if uidStr == "" || gidStr == "" {
			return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
		}
		uid, err := strconv.Atoi(uidStr)
		if err != nil {
			return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
		}
		gid, err := strconv.Atoi(gidStr)
		if err != nil {
			return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
		}
		u, err := user.Lookup(sudoUser)
		if err != nil {
			return nil, fmt.Errorf("lookup user %s: %w", sudoUser, err)
		}
		return &UserContext{
			Username: sudoUser,
			UID:      uid,
			GID:      gid,
			HomeDir:  u.HomeDir,
		}, nil
	}

	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("invalid uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("invalid gid %q: %w", u.Gid, err)
	}
	return &UserContext{
		Username: u.Username,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}
