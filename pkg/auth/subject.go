package auth

import "github.com/google/uuid"

// subjectNamespace is the fixed namespace for deriving internal subject IDs
// from external identity-provider subjects. Changing it would re-key every
// bearer identity in the system.
var subjectNamespace = uuid.MustParse("3f1f9cce-2d64-4a27-9b14-7e8a5c0d61b2")

// DeriveSubjectID maps an external (issuer, subject claim) pair onto a
// stable internal subject ID using a UUIDv5-style construction. The mapping
// is deterministic across process restarts and requires no database round
// trip, so records such as "authored by" stay stable across sessions.
func DeriveSubjectID(issuer, subject string) uuid.UUID {
	// NUL separator keeps (a, bc) and (ab, c) from colliding.
	return uuid.NewSHA1(subjectNamespace, []byte(issuer+"\x00"+subject))
}
