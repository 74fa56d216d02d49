package access

import (
	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
)

// Owns reports whether the auth context owns the record. When the
// resource's owner field is its id column (a user acting on itself),
// ownership compares the record id to the user id.
func Owns(def *schema.ResourceDefinition, auth *AuthContext, record core.Record) bool {
	if auth == nil || auth.UserID == "" || record == nil {
		return false
	}
	if !def.Owned() {
		return false
	}
	owner := def.Owner()
	if owner == def.ID() {
		return core.SameID(record[def.ID()], auth.UserID)
	}
	return core.SameID(record[owner], auth.UserID)
}

// StampOwner sets the owner field on a write for owned resources. Admin
// and system callers keep whatever the payload carries.
func StampOwner(def *schema.ResourceDefinition, auth *AuthContext, record core.Record) {
	if !def.Owned() || auth == nil || auth.Admin() || auth.UserID == "" {
		return
	}
	record[def.Owner()] = auth.UserID
}

// OwnerClause returns the owner filter appended to collection reads of
// owned resources. The second return is false when no filter applies:
// unowned resource, admin caller, or anonymous request.
func OwnerClause(def *schema.ResourceDefinition, auth *AuthContext) (storage.Clause, bool) {
	if !def.Owned() || auth == nil || auth.Admin() || auth.UserID == "" {
		return storage.Clause{}, false
	}
	return storage.Equal(def.Owner(), auth.UserID), true
}

// MaskOwner enforces the 404 mask on single-record access: a non-admin
// caller touching a record owned by someone else gets not_found, never
// forbidden, so that cross-owner ids are indistinguishable from absent
// ones. Runs after authorization.
func MaskOwner(def *schema.ResourceDefinition, auth *AuthContext, id string, record core.Record) *core.Error {
	if !def.Owned() || auth == nil || auth.Admin() || auth.UserID == "" {
		return nil
	}
	if Owns(def, auth, record) {
		return nil
	}
	return core.NotFound(def.Name, id)
}
