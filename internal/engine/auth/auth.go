// Package auth maps roles to permissions and scopes owners to their own cages.
package auth

import (
	"fmt"

	"cagewatch/internal/domain"
)

const (
	RoleAdmin  = "admin"
	RoleDevice = "device"
	RoleOwner  = "owner"
)

const (
	PermReadingWrite = "reading.write"
	PermCageRead     = "cage.read"
	PermCageWrite    = "cage.write"
	PermOwnerRead    = "owner.read"
	PermOwnerWrite   = "owner.write"
	PermOwnerManage  = "owner.manage"
	PermKeyManage    = "api_key.manage"
	PermEventRead    = "event.read"
)

var rolePermissions = map[string][]string{
	RoleAdmin: {
		PermReadingWrite, PermCageRead, PermCageWrite, PermOwnerRead,
		PermOwnerWrite, PermOwnerManage, PermKeyManage, PermEventRead,
	},
	RoleDevice: {PermReadingWrite},
	RoleOwner:  {PermCageRead, PermCageWrite, PermOwnerRead, PermOwnerWrite},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Permissions expands roles into their distinct permissions.
func Permissions(roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Subject is an authenticated caller.
type Subject struct {
	ActorID     string
	Roles       []string
	Permissions []string
}

func (s Subject) IsAdmin() bool {
	for _, r := range s.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

func (s Subject) Can(perm string) bool {
	for _, p := range s.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

func (s Subject) Require(perm string) error {
	if !s.Can(perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// OwnerScope is the owner filter for listings: empty for admins, the
// caller's own id otherwise.
func (s Subject) OwnerScope() string {
	if s.IsAdmin() {
		return ""
	}
	return s.ActorID
}

// RequireCage checks perm and that non-admins own the cage.
func (s Subject) RequireCage(perm string, c domain.Cage) error {
	if err := s.Require(perm); err != nil {
		return err
	}
	if s.IsAdmin() || c.OwnerID == s.ActorID {
		return nil
	}
	return ForbiddenError{Permission: perm + ":" + c.ID}
}

// RequireOwner checks perm and that non-admins act on their own record.
func (s Subject) RequireOwner(perm, ownerID string) error {
	if err := s.Require(perm); err != nil {
		return err
	}
	if s.IsAdmin() || ownerID == s.ActorID {
		return nil
	}
	return ForbiddenError{Permission: perm + ":" + ownerID}
}
